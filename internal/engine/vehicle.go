package engine

import "github.com/tidewater-robotics/plan-engine/internal/domain"

// onCommandReply matches a vehicle reply against the pending command.
// Replies with any other request id are stale and ignored.
func (e *Engine) onCommandReply(r domain.VehicleCommandReply) {
	if e.pending == nil || r.RequestID != e.pending.cmd.RequestID {
		e.log.Debug("ignoring vehicle reply", "request_id", r.RequestID, "command", r.Command)
		return
	}
	cmd := e.pending.cmd
	e.pending = nil

	if r.Type != domain.CommandFailure {
		return
	}
	if cmd.Command == domain.CmdStopCalibration {
		e.log.Debug("stop calibration failed", "info", r.Info)
		return
	}
	if !e.inPlan() {
		e.log.Warn("vehicle command failed", "command", cmd.Command, "info", r.Info)
		return
	}
	info := r.Info
	if info == "" {
		info = domain.ErrCommandRejected.Message
	}
	e.failOwner(info)
	e.changeMode(domain.StateReady, info, nil)
}

func (e *Engine) onVehicleState(vs domain.VehicleState) {
	e.lastVS = e.now()

	switch vs.OpMode {
	case domain.VehicleService:
		e.onVehicleService(vs)
	case domain.VehicleError, domain.VehicleBoot:
		e.onVehicleError(vs)
	case domain.VehicleManeuver:
		e.onVehicleManeuver(vs)
	}

	if e.pcs.State != domain.StateInitializing || !e.calibrating {
		return
	}
	e.model.UpdateCalibration(vs, e.now())
	switch {
	case e.model.CalibrationDone():
		if vs.OpMode == domain.VehicleCalibration && e.pending == nil {
			e.startManeuver(e.model.StartManeuver())
		}
	case e.model.CalibrationFailed():
		info := e.model.CalibrationInfo()
		e.failOwner(info)
		e.changeMode(domain.StateReady, info, nil)
	}
}

func (e *Engine) onVehicleService(vs domain.VehicleState) {
	switch e.pcs.State {
	case domain.StateBlocked:
		e.changeMode(domain.StateReady, "vehicle ready", nil)
	case domain.StateInitializing:
		if e.pending == nil && !e.calibrating {
			e.startManeuver(e.model.StartManeuver())
		}
	case domain.StateExecuting:
		if e.pending == nil {
			info := vs.LastError
			if info == "" {
				info = "vehicle left maneuver mode"
			}
			e.failOwner(info)
			e.changeMode(domain.StateReady, info, nil)
		}
	}
}

// onVehicleManeuver sequences the plan when the vehicle flags the current
// maneuver as done.
func (e *Engine) onVehicleManeuver(vs domain.VehicleState) {
	if e.pcs.State != domain.StateExecuting || e.pending != nil {
		return
	}
	if !vs.ManeuverDone() {
		e.pcs.ManeuverETA = vs.ManeuverETA
		return
	}

	e.model.ManeuverDone(e.now())
	if e.model.IsDone() {
		e.vehicleRequest(domain.CmdStopManeuver, nil, 0)
		e.succeedOwner("plan completed", true)
		e.pcs.LastOutcome = domain.OutcomeSuccess
		e.changeMode(domain.StateReady, "plan completed", nil)
		return
	}
	e.startManeuver(e.model.NextManeuver())
}

func (e *Engine) onVehicleError(vs domain.VehicleState) {
	desc := "vehicle errors: " + vs.ErrorEntities
	if vs.LastErrorTime >= 0 && vs.LastError != "" {
		desc = vs.LastError
	}

	if e.pcs.State == domain.StateExecuting {
		e.failOwner(desc)
	}
	if e.pending != nil {
		return
	}
	if e.pcs.State == domain.StateBlocked && desc == e.pcs.LastEvent {
		return
	}
	if e.pcs.State == domain.StateInitializing {
		e.failOwner(desc)
		if e.calibrating {
			e.vehicleRequest(domain.CmdStopCalibration, nil, 0)
		}
	}
	e.changeMode(domain.StateBlocked, desc, nil)
}

func (e *Engine) onManeuverControlState(mcs domain.ManeuverControlState) {
	if mcs.State == domain.ManeuverDone {
		e.model.ManeuverDone(e.now())
	}
	if mcs.ETA > 0 {
		e.pcs.ManeuverETA = mcs.ETA
	}
}

// onEntityActivation tracks the IMU and reacts to payload activation
// failures of the running plan.
func (e *Engine) onEntityActivation(ev domain.EntityActivationState) {
	if ev.Entity == e.cfg.IMULabel {
		e.imuEnabled = ev.State == domain.EntityActive
	}
	if !e.inPlan() {
		return
	}
	err := e.model.OnEntityActivationState(ev)
	if err == nil {
		return
	}
	info := describe(err)
	if !e.cfg.AbortOnActivationFailure {
		e.log.Error("payload activation", "entity", ev.Entity, "err", info)
		return
	}

	e.failOwner(info)
	if e.pending == nil {
		switch {
		case e.pcs.State == domain.StateInitializing && e.calibrating:
			e.vehicleRequest(domain.CmdStopCalibration, nil, 0)
		case e.pcs.State == domain.StateExecuting:
			e.vehicleRequest(domain.CmdStopManeuver, nil, 0)
		}
	}
	e.changeMode(domain.StateReady, info, nil)
}
