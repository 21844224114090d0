package plan

import (
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// CalibrationStatus is the state of the pre-plan calibration.
type CalibrationStatus int

const (
	CalibrationNotStarted CalibrationStatus = iota
	CalibrationRunning
	CalibrationDone
	CalibrationFailed
)

func (s CalibrationStatus) String() string {
	switch s {
	case CalibrationRunning:
		return "running"
	case CalibrationDone:
		return "done"
	case CalibrationFailed:
		return "failed"
	default:
		return "not-started"
	}
}

type calibration struct {
	status   CalibrationStatus
	started  time.Time
	duration time.Duration
	info     string
}

func (c *calibration) reset() {
	*c = calibration{}
}

func (c *calibration) start(now time.Time, d time.Duration) {
	c.status = CalibrationRunning
	c.started = now
	c.duration = d
	c.info = "calibrating vehicle"
}

// update completes the calibration once the estimated time has elapsed,
// and fails it when the vehicle reports an error.
func (c *calibration) update(vs domain.VehicleState, now time.Time) {
	if c.status != CalibrationRunning {
		return
	}
	if vs.OpMode == domain.VehicleError || vs.OpMode == domain.VehicleBoot {
		c.status = CalibrationFailed
		c.info = "calibration failed: " + errorDescription(vs)
		return
	}
	if now.Sub(c.started) >= c.duration {
		c.status = CalibrationDone
		c.info = "calibration done"
	}
}

// elapsed returns how much of the calibration has run, capped at its duration.
func (c *calibration) elapsed(now time.Time) time.Duration {
	switch c.status {
	case CalibrationRunning:
		if d := now.Sub(c.started); d < c.duration {
			return d
		}
		return c.duration
	case CalibrationDone:
		return c.duration
	default:
		return 0
	}
}

func errorDescription(vs domain.VehicleState) string {
	if vs.LastErrorTime >= 0 && vs.LastError != "" {
		return vs.LastError
	}
	return "vehicle errors: " + vs.ErrorEntities
}
