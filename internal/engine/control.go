package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// onPlanControl arbitrates a request: it runs now when the engine is free
// and nothing older is waiting, otherwise it joins the queue.
func (e *Engine) onPlanControl(ctx context.Context, req domain.PlanControlRequest) {
	if e.pending != nil {
		e.queue.push(req)
		e.log.Debug("saved request", "request_id", req.RequestID, "queued", e.queue.len())
		return
	}
	if e.queue.len() > 0 {
		e.queue.push(req)
		head, _ := e.queue.pop()
		e.processRequest(ctx, head)
		return
	}
	e.processRequest(ctx, req)
}

func (e *Engine) processRequest(ctx context.Context, req domain.PlanControlRequest) {
	e.log.Info("request", "op", req.Op, "plan_id", req.PlanID, "request_id", req.RequestID, "requester", req.Requester)

	if e.health != domain.HealthNormal {
		e.reply(req, domain.ReplyFailure, domain.ErrEngineNotReady.Message, nil)
		return
	}

	switch req.Op {
	case domain.OpStart:
		e.startPlan(ctx, req)
	case domain.OpStop:
		e.stopPlan(req)
	case domain.OpLoad:
		e.loadPlan(ctx, req)
	case domain.OpGet:
		e.getPlan(req)
	default:
		e.reply(req, domain.ReplyFailure, domain.ErrUnsupportedOperation.Message, nil)
	}
}

// startPlan starts the requested plan. A plan that is already running is
// stopped first and the request goes back to the head of the queue, to
// run once the vehicle acknowledges the stop.
func (e *Engine) startPlan(ctx context.Context, req domain.PlanControlRequest) {
	if e.pcs.State == domain.StateBlocked {
		e.reply(req, domain.ReplyFailure, domain.ErrPlanBlocked.Message, nil)
		return
	}

	if e.inPlan() {
		e.failOwner("plan superseded by " + req.PlanID)
		stop := domain.CmdStopManeuver
		if e.calibrating {
			stop = domain.CmdStopCalibration
		}
		e.vehicleRequest(stop, nil, 0)
		e.changeMode(domain.StateReady, "switching to new plan", nil)
		e.queue.pushFront(req)
		return
	}

	spec, stats, err := e.load(ctx, req)
	if err != nil {
		info := describe(err)
		e.pcs.PlanID = ""
		e.reply(req, domain.ReplyFailure, info, nil)
		e.changeMode(e.pcs.State, "plan load failed: "+info, nil)
		return
	}
	if stats.FuelAdvice != "" {
		e.log.Warn("fuel prediction", "plan_id", spec.PlanID, "fuel_use", stats.FuelUse, "advice", stats.FuelAdvice)
	}

	now := e.now()
	owner := req
	owner.PlanID = spec.PlanID
	e.owner = &owner
	e.replyOnExec = true
	e.spec = spec
	e.pcs.PlanID = spec.PlanID
	e.changeMode(domain.StateInitializing, "plan initializing: "+spec.PlanID, nil)

	e.model.PlanStarted(now)
	e.planRef++
	e.mementos.add(e.planRef, spec)
	if err := e.store.RecordRun(ctx, domain.PlanRun{PlanRef: e.planRef, PlanID: spec.PlanID, StartedAt: now.Unix()}); err != nil {
		e.log.Error("record plan run", "plan_id", spec.PlanID, "plan_ref", e.planRef, "err", err)
	}
	e.pub.PublishSpec(spec.Clone())

	if req.Flags&domain.FlagCalibrate != 0 && e.cfg.PerformCalibration {
		e.startCalibration()
		return
	}
	e.startManeuver(e.model.StartManeuver())
}

// startCalibration asks the vehicle to calibrate while holding position.
func (e *Engine) startCalibration() {
	hold := &domain.Maneuver{Type: domain.ManeuverIdle, Params: map[string]any{"duration": 0}}
	if e.cfg.StationKeepingCalibration {
		hold = &domain.Maneuver{
			Type: domain.ManeuverStationKeeping,
			Params: map[string]any{
				"lat":         e.position.Lat,
				"lon":         e.position.Lon,
				"z":           0.0,
				"z_units":     "DEPTH",
				"radius":      e.cfg.StationKeepingRadius,
				"speed":       e.cfg.StationKeepingRPM,
				"speed_units": "RPM",
			},
		}
	}
	hold.PlanRef = e.planRef

	e.model.CalibrationStarted(e.now())
	e.calibrating = true
	e.vehicleRequest(domain.CmdStartCalibration, hold, e.model.EstimatedCalibrationTime())
	e.changeMode(domain.StateInitializing, "calibrating vehicle", nil)
}

// startManeuver commands pm and moves to EXECUTING. The owner of a plan
// that just started is answered here.
func (e *Engine) startManeuver(pm *domain.PlanManeuver) {
	if pm == nil || pm.Data == nil {
		info := e.model.CurrentID() + ": invalid maneuver ID"
		e.failOwner(info)
		e.changeMode(domain.StateReady, info, nil)
		return
	}

	man := pm.Data.Clone()
	man.PlanRef = e.planRef
	e.calibrating = false
	e.pcs.ManeuverETA = 0

	e.vehicleRequest(domain.CmdExecManeuver, man, 0)
	e.changeMode(domain.StateExecuting, pm.ID+": executing maneuver", pm)
	e.model.ManeuverStarted(pm.ID, e.now())

	if e.replyOnExec {
		e.replyOnExec = false
		e.succeedOwner(e.pcs.LastEvent, false)
	}
}

// stopPlan stops the running plan. The requester is told the plan stopped;
// the owner of the plan, when someone else, is told it failed.
func (e *Engine) stopPlan(req domain.PlanControlRequest) {
	if !e.inPlan() {
		e.reply(req, domain.ReplyFailure, "no plan is running, request ignored", func(r *domain.PlanControlReply) {
			r.PlanID = ""
		})
		return
	}

	stop := domain.CmdStopManeuver
	if e.calibrating {
		stop = domain.CmdStopCalibration
	}
	e.vehicleRequest(stop, nil, 0)

	planID := e.spec.PlanID
	if e.owner != nil && (e.owner.Requester != req.Requester || e.owner.RequestID != req.RequestID) {
		e.failOwner("plan stopped")
	}
	e.owner = nil
	e.pcs.LastOutcome = domain.OutcomeFailure
	e.reply(req, domain.ReplySuccess, "plan stopped", func(r *domain.PlanControlReply) {
		r.PlanID = planID
	})
	e.changeMode(domain.StateReady, "plan stopped", nil)
}

// loadPlan resolves and validates a plan without starting it.
func (e *Engine) loadPlan(ctx context.Context, req domain.PlanControlRequest) {
	if e.inPlan() {
		e.reply(req, domain.ReplyFailure, domain.ErrCannotLoadNow.Message, nil)
		return
	}

	spec, stats, err := e.load(ctx, req)
	e.model.Clear()
	if err != nil {
		info := describe(err)
		e.pcs.PlanID = ""
		e.reply(req, domain.ReplyFailure, info, nil)
		e.changeMode(e.pcs.State, "plan load failed: "+info, nil)
		return
	}

	e.pcs.PlanID = spec.PlanID
	e.reply(req, domain.ReplySuccess, "plan loaded", func(r *domain.PlanControlReply) {
		r.PlanID = spec.PlanID
		r.Stats = stats
	})
	e.publishState()
}

// getPlan returns the running specification. It changes nothing.
func (e *Engine) getPlan(req domain.PlanControlRequest) {
	if !e.inPlan() || e.spec == nil {
		e.reply(req, domain.ReplyFailure, domain.ErrNoPlanRunning.Message, nil)
		return
	}
	spec := e.spec.Clone()
	e.reply(req, domain.ReplySuccess, "OK", func(r *domain.PlanControlReply) {
		r.PlanID = spec.PlanID
		r.Spec = spec
	})
}

// load resolves the request argument into a specification and parses it.
func (e *Engine) load(ctx context.Context, req domain.PlanControlRequest) (*domain.PlanSpec, *domain.PlanStatistics, error) {
	spec, err := e.resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if spec.StartManeuverID == "" && len(spec.Maneuvers) > 0 {
		spec.StartManeuverID = spec.Maneuvers[0].ID
	}
	stats, err := e.model.Parse(spec, e.environment())
	if err != nil {
		e.model.Clear()
		return nil, nil, err
	}
	return spec, stats, nil
}

// resolve turns a request into a plan specification: an explicit spec, a
// single maneuver wrapped as a quick plan, a memento to resume, or a plan
// id looked up in the store with a memento of the same id as fallback.
func (e *Engine) resolve(ctx context.Context, req domain.PlanControlRequest) (*domain.PlanSpec, error) {
	if req.Arg != nil {
		switch {
		case req.Arg.Spec != nil:
			spec := req.Arg.Spec.Clone()
			if spec.PlanID == "" {
				spec.PlanID = req.PlanID
			}
			e.savePlan(ctx, spec)
			return spec, nil
		case req.Arg.Memento != nil:
			return e.resume(ctx, *req.Arg.Memento)
		case req.Arg.Maneuver != nil:
			return e.quickPlan(ctx, req.PlanID, req.Arg.Maneuver), nil
		}
	}

	spec, err := e.store.FindPlan(ctx, req.PlanID)
	if err == nil {
		return spec, nil
	}
	if !errors.Is(err, domain.ErrPlanNotFound) {
		return nil, err
	}
	m, merr := e.store.FindMemento(ctx, req.PlanID)
	if merr != nil {
		return nil, domain.NewEngineError(domain.ErrPlanNotFound.Code, "plan not found: "+req.PlanID)
	}
	return e.resume(ctx, *m)
}

func (e *Engine) quickPlan(ctx context.Context, planID string, man *domain.Maneuver) *domain.PlanSpec {
	spec := &domain.PlanSpec{
		PlanID:          planID,
		StartManeuverID: man.Type,
		Maneuvers:       []domain.PlanManeuver{{ID: man.Type, Data: man.Clone()}},
	}
	e.savePlan(ctx, spec)
	return spec
}

// resume re-fetches the memento's plan and makes it start at the saved
// maneuver with the saved payload. Nothing is loaded on failure.
func (e *Engine) resume(ctx context.Context, m domain.Memento) (*domain.PlanSpec, error) {
	spec, err := e.store.FindPlan(ctx, m.PlanID)
	if err != nil {
		if errors.Is(err, domain.ErrPlanNotFound) {
			return nil, domain.NewEngineError(domain.ErrResumeFault.Code, "plan not found: "+m.PlanID)
		}
		return nil, err
	}
	spec = spec.Clone()
	pm := spec.Find(m.ManeuverID)
	if pm == nil {
		return nil, domain.NewEngineError(domain.ErrResumeFault.Code, "could not find resume maneuver: "+m.ManeuverID)
	}
	if pm.Data == nil {
		return nil, domain.NewEngineError(domain.ErrResumeFault.Code, m.ManeuverID+": actual maneuver not specified")
	}
	spec.StartManeuverID = m.ManeuverID
	pm.Data.Memento = m.Payload

	e.log.Warn("resuming with memento", "memento_id", m.ID, "plan_id", m.PlanID, "maneuver_id", m.ManeuverID)
	if err := e.store.SaveMemento(ctx, m); err != nil {
		e.log.Error("save memento", "memento_id", m.ID, "err", err)
	}
	return spec, nil
}

func (e *Engine) savePlan(ctx context.Context, spec *domain.PlanSpec) {
	if spec.PlanID == "" {
		return
	}
	if err := e.store.SavePlan(ctx, spec.Clone()); err != nil {
		e.log.Error("save plan", "plan_id", spec.PlanID, "err", err)
	}
}

// onPlanDB applies a plan database change. A failure puts the engine in
// error health until a later change succeeds.
func (e *Engine) onPlanDB(ctx context.Context, n domain.PlanDBNotification) {
	var err error
	switch n.Op {
	case domain.PlanDBSet:
		if n.Spec == nil {
			err = fmt.Errorf("%w: plan %q has no specification", domain.ErrInvalidPayload, n.PlanID)
			break
		}
		spec := n.Spec.Clone()
		if spec.PlanID == "" {
			spec.PlanID = n.PlanID
		}
		err = e.store.SavePlan(ctx, spec)
	case domain.PlanDBDelete:
		err = e.store.DeletePlan(ctx, n.PlanID)
	default:
		err = fmt.Errorf("%w: plan database operation %q", domain.ErrUnsupportedOperation, n.Op)
	}

	if err != nil {
		e.log.Error("plan database", "op", n.Op, "plan_id", n.PlanID, "err", err)
		e.health = domain.HealthError
		return
	}
	e.log.Debug("plan database", "op", n.Op, "plan_id", n.PlanID)
	e.health = domain.HealthNormal
}

func (e *Engine) onPowerOperation(po domain.PowerOperation) {
	switch po.Op {
	case domain.PowerDownInProgress:
		e.log.Warn("power down in progress")
		e.health = domain.HealthError
	case domain.PowerDownAborted:
		e.log.Info("power down aborted")
		e.health = domain.HealthNormal
	}
}

// onCheckpoint turns a checkpoint emitted by a running maneuver into a
// stored memento.
func (e *Engine) onCheckpoint(ctx context.Context, cp domain.CheckpointNotification) {
	m, ok := e.mementos.toMemento(cp)
	if !ok {
		e.log.Debug("checkpoint ignored", "plan_ref", cp.PlanRef, "maneuver_id", cp.ManeuverID)
		return
	}
	if err := e.store.SaveMemento(ctx, m); err != nil {
		e.log.Error("save memento", "memento_id", m.ID, "err", err)
		return
	}
	e.log.Debug("memento saved", "memento_id", m.ID, "plan_id", m.PlanID, "maneuver_id", m.ManeuverID)
}
