package vehicle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

const eventChannelBuffer = 64

// stopReadGrace bounds how long Stop waits for the feedback reader after
// killing the controller. A grandchild holding stdout open can keep the
// pipe alive past the kill; Wait closes it once the grace has passed.
const stopReadGrace = 500 * time.Millisecond

// ControllerSpec describes the vehicle controller process.
type ControllerSpec struct {
	Command string
	Args    []string
	Env     map[string]string
}

// Link is a running vehicle controller. Commands go to its stdin as JSON
// lines; every stdout line is decoded into an inbound event.
type Link struct {
	Spec      ControllerSpec
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	log       *slog.Logger
	events    chan domain.Event
	done      chan struct{}
	readDone  chan struct{}
	doneOnce  sync.Once
	writeMu   sync.Mutex
	startedAt int64
}

// Dial launches the controller process and begins reading its feedback.
func Dial(ctx context.Context, spec ControllerSpec, logger *slog.Logger) (*Link, error) {
	if spec.Command == "" {
		return nil, domain.WrapEngineError(domain.ErrVehicleLink.Code, "dial controller", fmt.Errorf("no command configured"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	l := &Link{
		Spec:     spec,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		log:      logger.With("component", "vehicle", "controller", spec.Command),
		events:   make(chan domain.Event, eventChannelBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	if err := l.start(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Link) start() error {
	if err := l.cmd.Start(); err != nil {
		return domain.WrapEngineError(domain.ErrVehicleLink.Code, "start controller", err)
	}
	l.startedAt = time.Now().UnixNano()
	l.log.Info("controller started", "pid", l.cmd.Process.Pid)

	go l.readStdout()
	return nil
}

// SendCommand writes cmd to the controller.
func (l *Link) SendCommand(cmd domain.VehicleCommand) error {
	select {
	case <-l.done:
		return domain.WrapEngineError(domain.ErrVehicleLink.Code, "send command", fmt.Errorf("controller exited"))
	default:
	}

	line, err := encodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.stdin.Write(line); err != nil {
		return domain.WrapEngineError(domain.ErrVehicleLink.Code, "send command", err)
	}
	return nil
}

// Stop terminates the controller process. Done is closed first so a reader
// blocked on a full event channel lets go, and Wait runs only after the
// reader has finished with stdout.
func (l *Link) Stop() error {
	if l.cmd.Process == nil {
		return nil
	}
	l.markDone()
	_ = l.stdin.Close()
	err := l.cmd.Process.Kill()
	select {
	case <-l.readDone:
	case <-time.After(stopReadGrace):
		l.log.Warn("controller stdout still open after kill")
	}
	_ = l.cmd.Wait()
	return err
}

// Events returns the decoded feedback of the controller. The channel is
// closed when the controller's stdout ends.
func (l *Link) Events() <-chan domain.Event {
	return l.events
}

// Done returns a channel that is closed when the link terminates.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

func (l *Link) markDone() {
	l.doneOnce.Do(func() {
		close(l.done)
	})
}

// readStdout decodes JSON lines from the controller. Lines that do not
// decode are logged and skipped.
func (l *Link) readStdout() {
	defer close(l.readDone)
	defer l.markDone()
	defer close(l.events)

	scanner := bufio.NewScanner(l.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, err := parseLine(scanner.Bytes())
		if err != nil {
			l.log.Warn("bad feedback line", "err", err)
			continue
		}
		select {
		case l.events <- ev:
		case <-l.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		l.log.Error("controller stdout", "err", err)
	}
	l.log.Info("controller feedback ended")
}

// Forward submits every event from the link to sink until the link ends
// or ctx is cancelled.
func (l *Link) Forward(ctx context.Context, sink func(context.Context, domain.Event) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-l.events:
			if !ok {
				return
			}
			if err := sink(ctx, ev); err != nil {
				l.log.Error("forward feedback", "kind", domain.Kind(ev), "err", err)
				return
			}
		}
	}
}
