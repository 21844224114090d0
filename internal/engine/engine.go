// Package engine implements the plan control state machine: it drives the
// vehicle through a plan one maneuver at a time, arbitrates plan control
// requests and recovers from unanswered vehicle commands.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// PlanStore resolves and persists plans and mementos.
type PlanStore interface {
	FindPlan(ctx context.Context, planID string) (*domain.PlanSpec, error)
	FindMemento(ctx context.Context, id string) (*domain.Memento, error)
	SavePlan(ctx context.Context, spec *domain.PlanSpec) error
	DeletePlan(ctx context.Context, planID string) error
	SaveMemento(ctx context.Context, m domain.Memento) error
	RecordRun(ctx context.Context, run domain.PlanRun) error
}

// PlanModel validates a plan and tracks its execution.
type PlanModel interface {
	Parse(spec *domain.PlanSpec, env domain.PlanEnvironment) (*domain.PlanStatistics, error)
	Clear()
	StartManeuver() *domain.PlanManeuver
	NextManeuver() *domain.PlanManeuver
	CurrentID() string
	IsDone() bool
	ManeuverStarted(id string, now time.Time)
	ManeuverDone(now time.Time)
	PlanStarted(now time.Time)
	PlanStopped()
	CalibrationStarted(now time.Time)
	UpdateCalibration(vs domain.VehicleState, now time.Time)
	CalibrationDone() bool
	CalibrationFailed() bool
	CalibrationInfo() string
	EstimatedCalibrationTime() uint16
	OnEntityActivationState(ev domain.EntityActivationState) error
	OnFuelLevel(ev domain.FuelLevel)
	UpdateProgress(now time.Time, maneuverETA int32) float64
	ETA() int32
}

// Publisher receives everything the engine reports.
type Publisher interface {
	PublishState(state domain.PlanControlState)
	PublishReply(reply domain.PlanControlReply)
	PublishLogControl(lc domain.LoggingControl)
	PublishSpec(spec *domain.PlanSpec)
}

// CommandChannel carries commands to the vehicle. Replies come back as
// domain.VehicleCommandReply events.
type CommandChannel interface {
	SendCommand(cmd domain.VehicleCommand) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPlanRef seeds the plan reference counter, normally with the
// reference of the last recorded run.
func WithPlanRef(ref uint32) Option {
	return func(e *Engine) { e.planRef = ref }
}

type pendingCommand struct {
	cmd      domain.VehicleCommand
	deadline time.Time
}

// Engine is the plan control state machine. All state is owned by the
// goroutine running Run; other goroutines interact through Submit.
type Engine struct {
	cfg    Config
	store  PlanStore
	model  PlanModel
	pub    Publisher
	cmds   CommandChannel
	log    *slog.Logger
	now    func() time.Time
	events chan domain.Event
	done   chan struct{}

	pcs    domain.PlanControlState
	health domain.Health

	spec        *domain.PlanSpec
	owner       *domain.PlanControlRequest
	replyOnExec bool
	calibrating bool

	queue      requestQueue
	pending    *pendingCommand
	vreqCtr    uint16
	planRef    uint32
	mementos   *mementoRegistry
	lastVS     time.Time
	nextReport time.Time

	maneuvers  map[string]bool
	entities   map[string]domain.EntityInfo
	imuEnabled bool
	position   domain.EstimatedState
}

// New creates an engine in the READY state.
func New(cfg Config, store PlanStore, model PlanModel, pub Publisher, cmds CommandChannel, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:       cfg,
		store:     store,
		model:     model,
		pub:       pub,
		cmds:      cmds,
		log:       slog.Default(),
		now:       time.Now,
		events:    make(chan domain.Event, cfg.EventBuffer),
		done:      make(chan struct{}),
		health:    domain.HealthNormal,
		mementos:  newMementoRegistry(),
		maneuvers: make(map[string]bool),
		entities:  make(map[string]domain.EntityInfo),
	}
	for _, m := range cfg.SupportedManeuvers {
		e.maneuvers[m] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("component", "engine")
	e.reset()
	return e
}

// reset puts the engine in its initial READY state.
func (e *Engine) reset() {
	now := e.now()
	e.pcs = domain.PlanControlState{
		State:       domain.StateReady,
		Progress:    -1,
		LastOutcome: domain.OutcomeNone,
		LastEvent:   "initializing",
	}
	e.vreqCtr = 0
	e.pending = nil
	e.lastVS = now
	e.nextReport = now.Add(e.cfg.ReportPeriod)
}

// Submit hands an event to the control loop. It blocks while the event
// buffer is full.
func (e *Engine) Submit(ctx context.Context, ev domain.Event) error {
	select {
	case <-e.done:
		return domain.ErrEngineStopped
	default:
	}
	select {
	case e.events <- ev:
		return nil
	case <-e.done:
		return domain.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the control loop until ctx is cancelled. It must be called
// at most once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.log.Info("engine started", "plan_ref", e.planRef)
	e.publishState()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		wake := e.Poll(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(max(wake.Sub(e.now()), time.Millisecond))

		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return ctx.Err()
		case ev := <-e.events:
			e.Handle(ctx, ev)
		case <-timer.C:
		}
	}
}

// State returns the current plan control state. It must only be called
// from the control loop goroutine or when the loop is not running.
func (e *Engine) State() domain.PlanControlState { return e.pcs }

// Health returns the engine health.
func (e *Engine) Health() domain.Health { return e.health }

// PlanRef returns the reference of the last started plan.
func (e *Engine) PlanRef() uint32 { return e.planRef }

// Handle processes one inbound event.
func (e *Engine) Handle(ctx context.Context, ev domain.Event) {
	switch ev := ev.(type) {
	case domain.PlanControlRequest:
		e.onPlanControl(ctx, ev)
	case domain.PlanDBNotification:
		e.onPlanDB(ctx, ev)
	case domain.EstimatedState:
		e.position = ev
	case domain.ManeuverControlState:
		e.onManeuverControlState(ev)
	case domain.PowerOperation:
		e.onPowerOperation(ev)
	case domain.ManeuverRegistration:
		e.maneuvers[ev.Type] = true
	case domain.VehicleCommandReply:
		e.onCommandReply(ev)
	case domain.VehicleState:
		e.onVehicleState(ev)
	case domain.EntityInfo:
		e.entities[ev.Label] = ev
	case domain.EntityActivationState:
		e.onEntityActivation(ev)
	case domain.FuelLevel:
		e.model.OnFuelLevel(ev)
	case domain.CheckpointNotification:
		e.onCheckpoint(ctx, ev)
	default:
		e.log.Warn("unhandled event", "kind", fmt.Sprintf("%T", ev))
	}
}

// Poll runs the timers that are due and returns when it needs to run next.
// At most one queued request is processed per call.
func (e *Engine) Poll(ctx context.Context) time.Time {
	now := e.now()

	if !now.Before(e.nextReport) {
		if e.cfg.ComputeProgress && e.inPlan() {
			e.pcs.Progress = e.model.UpdateProgress(now, e.pcs.ManeuverETA)
			e.pcs.ETA = e.model.ETA()
		}
		e.publishState()
		e.nextReport = now.Add(e.cfg.ReportPeriod)
	}

	if e.health == domain.HealthNormal && now.Sub(e.lastVS) >= e.cfg.VehicleStateTimeout {
		if e.inPlan() {
			e.failOwner("vehicle state timeout")
		}
		e.changeMode(domain.StateBlocked, "vehicle state timeout", nil)
		e.lastVS = now
	}

	if e.pending == nil && e.queue.len() > 0 {
		req, _ := e.queue.pop()
		e.processRequest(ctx, req)
	}

	if e.pending != nil && !now.Before(e.pending.deadline) {
		e.onReplyTimeout()
	}

	return e.nextWake()
}

func (e *Engine) nextWake() time.Time {
	now := e.now()
	if e.pending == nil && e.queue.len() > 0 {
		return now
	}
	wake := e.nextReport
	if e.health == domain.HealthNormal {
		if t := e.lastVS.Add(e.cfg.VehicleStateTimeout); t.Before(wake) {
			wake = t
		}
	}
	if e.pending != nil && e.pending.deadline.Before(wake) {
		wake = e.pending.deadline
	}
	return wake
}

// onReplyTimeout discards the pending command, drops the queue and moves
// the request counter past the lost command so a late reply cannot match.
func (e *Engine) onReplyTimeout() {
	cmd := e.pending.cmd
	e.pending = nil
	e.log.Error("vehicle reply timeout", "request_id", cmd.RequestID, "command", cmd.Command)

	e.failOwner(domain.ErrProtocolTimeout.Message)
	e.changeMode(domain.StateReady, domain.ErrProtocolTimeout.Message, nil)

	if n := e.queue.clear(); n > 0 {
		e.log.Error("cleared all requests", "dropped", n)
	}
	e.nextRequestID()
}

// nextRequestID advances the vehicle request counter. The id is a uint16 on
// the wire, so it wraps after 65535; zero is skipped so the ids a vehicle
// sees after a wrap never collide with the unset value.
func (e *Engine) nextRequestID() uint16 {
	e.vreqCtr++
	if e.vreqCtr == 0 {
		e.vreqCtr = 1
	}
	return e.vreqCtr
}

func (e *Engine) inPlan() bool {
	return e.pcs.State == domain.StateInitializing || e.pcs.State == domain.StateExecuting
}

func (e *Engine) publishState() {
	e.pcs.Timestamp = e.now()
	e.pub.PublishState(e.pcs)
}

// changeMode switches the reported state, records the event that caused
// it and publishes the result. Leaving a plan closes the logging session
// and unloads the plan.
func (e *Engine) changeMode(s domain.PlanState, event string, pm *domain.PlanManeuver) {
	e.pcs.LastEvent = event
	e.log.Info("plan control event", "event", event, "state", s)

	if s != e.pcs.State {
		e.log.Debug("state change", "from", e.pcs.State, "to", s)
		wasInPlan := e.inPlan()
		e.pcs.State = s
		isInPlan := e.inPlan()

		switch {
		case !wasInPlan && isInPlan:
			e.pub.PublishLogControl(domain.LoggingControl{Op: domain.LoggingStart, Name: e.pcs.PlanID})
		case wasInPlan && !isInPlan:
			e.pub.PublishLogControl(domain.LoggingControl{Op: domain.LoggingStop, Name: e.pcs.PlanID})
			e.model.PlanStopped()
			e.model.Clear()
			e.spec = nil
			e.owner = nil
			e.replyOnExec = false
			e.calibrating = false
			e.pcs.PlanID = ""
			e.pcs.Progress = -1
			e.pcs.ETA = 0
			e.pcs.ManeuverETA = 0
		}
	}

	if pm != nil && pm.Data != nil && s == domain.StateExecuting {
		e.pcs.ManeuverID = pm.ID
		e.pcs.ManeuverType = pm.Data.Type
	} else {
		e.pcs.ManeuverID = ""
		e.pcs.ManeuverType = ""
	}
	e.publishState()
}

// reply answers req.
func (e *Engine) reply(req domain.PlanControlRequest, t domain.ReplyType, info string, fill func(*domain.PlanControlReply)) {
	r := domain.PlanControlReply{
		Requester: req.Requester,
		RequestID: req.RequestID,
		Op:        req.Op,
		PlanID:    req.PlanID,
		Type:      t,
		Info:      info,
	}
	if fill != nil {
		fill(&r)
	}
	if t == domain.ReplyFailure {
		e.log.Error("reply", "op", r.Op, "plan_id", r.PlanID, "request_id", r.RequestID, "info", info)
	} else {
		e.log.Info("reply", "op", r.Op, "plan_id", r.PlanID, "request_id", r.RequestID, "info", info)
	}
	e.pub.PublishReply(r)
}

// failOwner sends the one failure reply the owner of the running plan is
// owed, and records the failed outcome.
func (e *Engine) failOwner(info string) {
	e.pcs.LastOutcome = domain.OutcomeFailure
	e.pcs.Progress = -1
	e.pcs.ETA = 0
	if e.owner == nil {
		e.log.Warn("plan failure without requester", "info", info)
		return
	}
	owner := *e.owner
	e.owner = nil
	e.replyOnExec = false
	if e.spec != nil {
		owner.PlanID = e.spec.PlanID
	}
	e.reply(owner, domain.ReplyFailure, info, nil)
}

// succeedOwner answers the owner with success. When final is set the
// owner is released.
func (e *Engine) succeedOwner(info string, final bool) {
	if e.owner == nil {
		return
	}
	owner := *e.owner
	if final {
		e.owner = nil
	}
	if e.spec != nil {
		owner.PlanID = e.spec.PlanID
	}
	e.reply(owner, domain.ReplySuccess, info, nil)
}

// vehicleRequest issues a command with a fresh request id and arms the
// reply deadline. It refuses to issue a second outstanding command.
func (e *Engine) vehicleRequest(command domain.VehicleCommandType, man *domain.Maneuver, calibTime uint16) bool {
	if e.pending != nil {
		e.log.Error("vehicle command refused", "command", command, "err", domain.ErrCommandPending,
			"pending_request_id", e.pending.cmd.RequestID)
		return false
	}
	cmd := domain.VehicleCommand{
		RequestID:       e.nextRequestID(),
		Command:         command,
		Maneuver:        man,
		CalibrationTime: calibTime,
	}
	e.pending = &pendingCommand{cmd: cmd, deadline: e.now().Add(e.cfg.ReplyTimeout)}
	e.log.Debug("vehicle command", "request_id", cmd.RequestID, "command", command)
	if err := e.cmds.SendCommand(cmd); err != nil {
		// The reply deadline still recovers the engine.
		e.log.Error("send vehicle command", "request_id", cmd.RequestID, "err", err)
	}
	return true
}

func (e *Engine) environment() domain.PlanEnvironment {
	return domain.PlanEnvironment{
		Maneuvers:       e.maneuvers,
		Entities:        e.entities,
		IMUEnabled:      e.imuEnabled,
		FuelPrediction:  e.cfg.FuelPrediction,
		CalibrationTime: e.cfg.CalibrationTime.Seconds(),
	}
}

// describe returns the text used in replies for err.
func describe(err error) string {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
