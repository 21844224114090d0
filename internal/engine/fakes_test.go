package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
	"github.com/tidewater-robotics/plan-engine/internal/plan"
)

var t0 = time.Unix(1_700_000_000, 0)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	plans    map[string]*domain.PlanSpec
	mementos map[string]domain.Memento
	runs     []domain.PlanRun
	lookups  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans:    map[string]*domain.PlanSpec{},
		mementos: map[string]domain.Memento{},
	}
}

func (s *fakeStore) FindPlan(_ context.Context, planID string) (*domain.PlanSpec, error) {
	s.lookups = append(s.lookups, planID)
	spec, ok := s.plans[planID]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return spec.Clone(), nil
}

func (s *fakeStore) FindMemento(_ context.Context, id string) (*domain.Memento, error) {
	m, ok := s.mementos[id]
	if !ok {
		return nil, domain.ErrMementoNotFound
	}
	return &m, nil
}

func (s *fakeStore) SavePlan(_ context.Context, spec *domain.PlanSpec) error {
	s.plans[spec.PlanID] = spec.Clone()
	return nil
}

func (s *fakeStore) DeletePlan(_ context.Context, planID string) error {
	if _, ok := s.plans[planID]; !ok {
		return domain.ErrPlanNotFound
	}
	delete(s.plans, planID)
	return nil
}

func (s *fakeStore) SaveMemento(_ context.Context, m domain.Memento) error {
	s.mementos[m.ID] = m
	return nil
}

func (s *fakeStore) RecordRun(_ context.Context, run domain.PlanRun) error {
	s.runs = append(s.runs, run)
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	states  []domain.PlanControlState
	replies []domain.PlanControlReply
	logs    []domain.LoggingControl
	specs   []*domain.PlanSpec
}

func (p *fakePublisher) PublishState(s domain.PlanControlState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
}

func (p *fakePublisher) PublishReply(r domain.PlanControlReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies = append(p.replies, r)
}

func (p *fakePublisher) PublishLogControl(lc domain.LoggingControl) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, lc)
}

func (p *fakePublisher) PublishSpec(spec *domain.PlanSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specs = append(p.specs, spec)
}

func (p *fakePublisher) Replies() []domain.PlanControlReply {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PlanControlReply(nil), p.replies...)
}

// fakeChannel records commands and counts how many are unanswered.
type fakeChannel struct {
	cmds       []domain.VehicleCommand
	unacked    int
	maxUnacked int
}

func (c *fakeChannel) SendCommand(cmd domain.VehicleCommand) error {
	c.cmds = append(c.cmds, cmd)
	c.unacked++
	if c.unacked > c.maxUnacked {
		c.maxUnacked = c.unacked
	}
	return nil
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	eng   *Engine
	store *fakeStore
	pub   *fakePublisher
	cmds  *fakeChannel
	clock *manualClock
	model *plan.Model
	reqID uint32
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: newFakeStore(),
		pub:   &fakePublisher{},
		cmds:  &fakeChannel{},
		clock: &manualClock{t: t0},
		model: plan.New(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.eng = New(cfg, h.store, h.model, h.pub, h.cmds, WithClock(h.clock.Now), WithLogger(logger))
	return h
}

func singleManeuverPlan(id string) *domain.PlanSpec {
	return &domain.PlanSpec{
		PlanID:          id,
		StartManeuverID: "goto",
		Maneuvers: []domain.PlanManeuver{
			{ID: "goto", Data: &domain.Maneuver{Type: "Goto", Params: map[string]any{"lat": 41.18, "lon": -8.7}, Duration: 60}},
		},
	}
}

func surveyPlan(id string) *domain.PlanSpec {
	return &domain.PlanSpec{
		PlanID:          id,
		StartManeuverID: "a",
		Maneuvers: []domain.PlanManeuver{
			{ID: "a", Data: &domain.Maneuver{Type: "Goto", Duration: 100}},
			{ID: "b", Data: &domain.Maneuver{Type: "Loiter", Duration: 200}},
			{ID: "c", Data: &domain.Maneuver{Type: "Goto", Duration: 100}},
		},
		Transitions: []domain.PlanTransition{
			{Source: "a", Dest: "b"},
			{Source: "b", Dest: "c"},
		},
	}
}

func (h *harness) handle(ev domain.Event) {
	h.t.Helper()
	h.eng.Handle(h.ctx, ev)
}

func (h *harness) poll() {
	h.eng.Poll(h.ctx)
}

func (h *harness) request(op domain.Operation, planID string, flags uint16, arg *domain.RequestArg) domain.PlanControlRequest {
	h.reqID++
	req := domain.PlanControlRequest{
		Op:        op,
		PlanID:    planID,
		Arg:       arg,
		Flags:     flags,
		RequestID: h.reqID,
		Requester: "console",
	}
	h.handle(req)
	return req
}

func (h *harness) start(planID string) domain.PlanControlRequest {
	return h.request(domain.OpStart, planID, 0, nil)
}

// ack answers the last command sent with the given reply type.
func (h *harness) ack(t domain.CommandReplyType) {
	h.t.Helper()
	cmd := h.lastCommand()
	h.cmds.unacked--
	h.handle(domain.VehicleCommandReply{RequestID: cmd.RequestID, Command: cmd.Command, Type: t})
}

func (h *harness) vehicle(mode domain.VehicleMode, flags uint8) {
	h.handle(domain.VehicleState{OpMode: mode, Flags: flags, LastErrorTime: -1})
}

func (h *harness) lastCommand() domain.VehicleCommand {
	h.t.Helper()
	if len(h.cmds.cmds) == 0 {
		h.t.Fatal("no vehicle command sent")
	}
	return h.cmds.cmds[len(h.cmds.cmds)-1]
}

func (h *harness) lastReply() domain.PlanControlReply {
	h.t.Helper()
	if len(h.pub.replies) == 0 {
		h.t.Fatal("no reply published")
	}
	return h.pub.replies[len(h.pub.replies)-1]
}

func (h *harness) state() domain.PlanState {
	return h.eng.State().State
}

func (h *harness) wantState(want domain.PlanState) {
	h.t.Helper()
	if got := h.state(); got != want {
		h.t.Fatalf("state = %s, want %s (last event %q)", got, want, h.eng.State().LastEvent)
	}
}

func (h *harness) wantReply(r domain.PlanControlReply, typ domain.ReplyType, info string) {
	h.t.Helper()
	if r.Type != typ {
		h.t.Errorf("reply type = %s, want %s (info %q)", r.Type, typ, r.Info)
	}
	if info != "" && r.Info != info {
		h.t.Errorf("reply info = %q, want %q", r.Info, info)
	}
}

// running starts planID and acknowledges the first maneuver command.
func (h *harness) running(planID string) domain.PlanControlRequest {
	h.t.Helper()
	req := h.start(planID)
	h.wantState(domain.StateExecuting)
	h.ack(domain.CommandSuccess)
	return req
}
