package plandir

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

const debounceDuration = 100 * time.Millisecond

// SubmitFunc hands an event to the engine.
type SubmitFunc func(ctx context.Context, ev domain.Event) error

type known struct {
	planID   string
	checksum string
}

// Watcher keeps the plan database in sync with a directory. New and
// changed files become plan database SET notifications, removed files DEL
// notifications.
type Watcher struct {
	dir    string
	poll   time.Duration
	submit SubmitFunc
	log    *slog.Logger
	files  map[string]known
}

// NewWatcher creates a watcher for dir. poll is the fallback rescan
// interval, used as a safety net next to file notifications.
func NewWatcher(dir string, poll time.Duration, submit SubmitFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 60 * time.Second
	}
	return &Watcher{
		dir:    dir,
		poll:   poll,
		submit: submit,
		log:    logger.With("component", "plandir", "dir", dir),
		files:  make(map[string]known),
	}
}

// Sync rescans the directory and submits what changed since the last
// scan. It returns the number of notifications submitted.
func (w *Watcher) Sync(ctx context.Context) (int, error) {
	entries, errs := Scan(w.dir)
	for _, err := range errs {
		w.log.Warn("skipping plan file", "err", err)
	}

	n := 0
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.Path] = true
		prev, ok := w.files[e.Path]
		if ok && prev.checksum == e.Checksum {
			continue
		}
		if ok && prev.planID != e.Spec.PlanID {
			if err := w.send(ctx, domain.PlanDBNotification{Op: domain.PlanDBDelete, PlanID: prev.planID}); err != nil {
				return n, err
			}
			n++
		}
		if err := w.send(ctx, domain.PlanDBNotification{Op: domain.PlanDBSet, PlanID: e.Spec.PlanID, Spec: e.Spec}); err != nil {
			return n, err
		}
		n++
		w.files[e.Path] = known{planID: e.Spec.PlanID, checksum: e.Checksum}
	}

	for path, k := range w.files {
		if seen[path] {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			// Present but unreadable this round.
			continue
		}
		if err := w.send(ctx, domain.PlanDBNotification{Op: domain.PlanDBDelete, PlanID: k.planID}); err != nil {
			return n, err
		}
		n++
		delete(w.files, path)
	}
	return n, nil
}

func (w *Watcher) send(ctx context.Context, n domain.PlanDBNotification) error {
	w.log.Info("plan file change", "op", n.Op, "plan_id", n.PlanID)
	return w.submit(ctx, n)
}

// Run syncs once, then on every file change and every poll interval
// until ctx is cancelled. Without file notifications it only polls.
func (w *Watcher) Run(ctx context.Context) error {
	if _, err := w.Sync(ctx); err != nil {
		return err
	}

	fallback := time.NewTicker(w.poll)
	defer fallback.Stop()

	watcher := w.initWatcher()
	if watcher == nil {
		return w.pollLoop(ctx, fallback)
	}
	defer func() { _ = watcher.Close() }()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return w.pollLoop(ctx, fallback)
			}
			if !IsPlanFile(ev.Name) {
				continue
			}
			resetTimer(debounce, debounceDuration)
		case err, ok := <-watcher.Errors:
			if !ok {
				return w.pollLoop(ctx, fallback)
			}
			w.log.Warn("fsnotify: watcher error", "err", err)
		case <-debounce.C:
			if err := w.resync(ctx); err != nil {
				return err
			}
		case <-fallback.C:
			if err := w.resync(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context, ticker *time.Ticker) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.resync(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) resync(ctx context.Context) error {
	_, err := w.Sync(ctx)
	return err
}

// initWatcher returns nil when notifications are unavailable; the
// watcher then falls back to polling.
func (w *Watcher) initWatcher() *fsnotify.Watcher {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.log.Warn("fsnotify: failed to create watcher, falling back to polling", "err", err)
		return nil
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.log.Warn("fsnotify: failed to watch dir, falling back to polling", "err", err)
		return nil
	}
	return watcher
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
