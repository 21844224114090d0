// Package bridge connects the engine to the outside world: it forwards
// vehicle commands to the controller link, fans published messages out to
// subscribers and journals them to the plan database.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

const journalBuffer = 256

// Message kinds fanned out to subscribers.
const (
	KindState      = "state"
	KindReply      = "reply"
	KindLogControl = "log_control"
	KindSpec       = "spec"
	KindCommand    = "command"
)

// Message is one published item.
type Message struct {
	Kind    string                   `json:"kind"`
	State   *domain.PlanControlState `json:"state,omitempty"`
	Reply   *domain.PlanControlReply `json:"reply,omitempty"`
	Log     *domain.LoggingControl   `json:"log_control,omitempty"`
	Spec    *domain.PlanSpec         `json:"spec,omitempty"`
	Command *domain.VehicleCommand   `json:"command,omitempty"`
}

// CommandSink delivers vehicle commands, normally a *vehicle.Link.
type CommandSink interface {
	SendCommand(cmd domain.VehicleCommand) error
}

// Journal persists published messages.
type Journal interface {
	AppendEvent(ctx context.Context, event domain.PlanEvent) (int64, error)
}

// Bridge implements engine.Publisher and engine.CommandChannel.
type Bridge struct {
	log     *slog.Logger
	journal Journal
	now     func() time.Time

	vehicle atomic.Pointer[sinkHolder]
	state   atomic.Pointer[domain.PlanControlState]

	mu      sync.Mutex
	subs    map[int]chan Message
	nextSub int

	entries   chan domain.PlanEvent
	lastState domain.PlanState
	lastEvent string
}

type sinkHolder struct{ sink CommandSink }

// New creates a Bridge. journal may be nil.
func New(journal Journal, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		log:     logger.With("component", "bridge"),
		journal: journal,
		now:     time.Now,
		subs:    make(map[int]chan Message),
		entries: make(chan domain.PlanEvent, journalBuffer),
	}
}

// AttachVehicle routes subsequent commands to sink. A nil sink detaches.
func (b *Bridge) AttachVehicle(sink CommandSink) {
	if sink == nil {
		b.vehicle.Store(nil)
		return
	}
	b.vehicle.Store(&sinkHolder{sink: sink})
}

// LatestState returns the last published state report, or false before
// the first one.
func (b *Bridge) LatestState() (domain.PlanControlState, bool) {
	s := b.state.Load()
	if s == nil {
		return domain.PlanControlState{}, false
	}
	return *s, true
}

// Subscribe returns a channel receiving every published message and a
// function that cancels the subscription. Messages are dropped for a
// subscriber whose buffer is full.
func (b *Bridge) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bridge) broadcast(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- m:
		default:
			b.log.Warn("subscriber too slow, message dropped", "subscriber", id, "kind", m.Kind)
		}
	}
}

// PublishState records the latest state. Only changes of state or last
// event are journaled; periodic reports are not.
func (b *Bridge) PublishState(s domain.PlanControlState) {
	b.state.Store(&s)
	b.broadcast(Message{Kind: KindState, State: &s})

	if s.State == b.lastState && s.LastEvent == b.lastEvent {
		return
	}
	b.lastState = s.State
	b.lastEvent = s.LastEvent
	b.record(KindState, s.PlanID, string(s.State), s.LastEvent, s)
}

// PublishReply fans out a plan control reply.
func (b *Bridge) PublishReply(r domain.PlanControlReply) {
	b.broadcast(Message{Kind: KindReply, Reply: &r})
	b.record(KindReply, r.PlanID, string(r.Type), r.Info, r)
}

// PublishLogControl fans out a logging session change.
func (b *Bridge) PublishLogControl(lc domain.LoggingControl) {
	b.broadcast(Message{Kind: KindLogControl, Log: &lc})
	b.record(KindLogControl, lc.Name, string(lc.Op), "", lc)
}

// PublishSpec fans out the specification of a plan being started.
func (b *Bridge) PublishSpec(spec *domain.PlanSpec) {
	b.broadcast(Message{Kind: KindSpec, Spec: spec})
	b.record(KindSpec, spec.PlanID, "", spec.Description, spec)
}

// SendCommand forwards cmd to the attached vehicle. Without a vehicle the
// command is only published; the engine recovers through its reply
// timeout.
func (b *Bridge) SendCommand(cmd domain.VehicleCommand) error {
	b.broadcast(Message{Kind: KindCommand, Command: &cmd})
	info := ""
	if cmd.Maneuver != nil {
		info = cmd.Maneuver.Type
	}
	b.record(KindCommand, "", string(cmd.Command), info, cmd)

	h := b.vehicle.Load()
	if h == nil {
		b.log.Debug("no vehicle attached", "request_id", cmd.RequestID, "command", cmd.Command)
		return nil
	}
	return h.sink.SendCommand(cmd)
}

func (b *Bridge) record(kind, planID, state, info string, payload any) {
	if b.journal == nil {
		return
	}
	ev := domain.PlanEvent{
		Kind:        kind,
		PlanID:      planID,
		State:       state,
		Info:        info,
		PayloadJSON: mustJSON(payload),
		CreatedAt:   b.now().Unix(),
	}
	select {
	case b.entries <- ev:
	default:
		b.log.Warn("journal full, entry dropped", "kind", kind)
	}
}

// Run writes journal entries until ctx is cancelled, then flushes what
// is still buffered.
func (b *Bridge) Run(ctx context.Context) {
	if b.journal == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case ev := <-b.entries:
			b.write(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.entries:
					b.write(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) write(ctx context.Context, ev domain.PlanEvent) {
	if _, err := b.journal.AppendEvent(ctx, ev); err != nil {
		b.log.Error("journal", "kind", ev.Kind, "err", err)
	}
}

// mustJSON marshals v to a JSON string, returning "{}" on error.
func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
