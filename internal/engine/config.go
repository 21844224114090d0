package engine

import "time"

// Config holds the tunables of the plan engine.
type Config struct {
	// ComputeProgress enables progress and ETA in periodic state reports.
	ComputeProgress bool
	// FuelPrediction enables fuel use estimates when plans are parsed.
	FuelPrediction bool
	// ReportPeriod is the interval between periodic state reports.
	ReportPeriod time.Duration
	// CalibrationTime is the minimum duration of vehicle calibration.
	CalibrationTime time.Duration
	// PerformCalibration allows calibration when a START asks for it.
	PerformCalibration bool
	// AbortOnActivationFailure fails the running plan when one of its
	// payloads fails to activate. Otherwise the failure is only logged.
	AbortOnActivationFailure bool
	// StationKeepingCalibration holds position while calibrating instead
	// of idling.
	StationKeepingCalibration bool
	StationKeepingRadius      float64
	StationKeepingRPM         float64
	// IMULabel is the entity label of the inertial measurement unit.
	IMULabel string
	// ReplyTimeout bounds the wait for a vehicle command reply.
	ReplyTimeout time.Duration
	// VehicleStateTimeout is the silence after which the vehicle is
	// considered uncontrollable.
	VehicleStateTimeout time.Duration
	// SupportedManeuvers seeds the maneuver registry.
	SupportedManeuvers []string
	// EventBuffer is the capacity of the inbound event channel.
	EventBuffer int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ComputeProgress:      false,
		FuelPrediction:       true,
		ReportPeriod:         time.Second / 3,
		CalibrationTime:      10 * time.Second,
		PerformCalibration:   true,
		StationKeepingRadius: 20,
		StationKeepingRPM:    1600,
		IMULabel:             "IMU",
		ReplyTimeout:         2500 * time.Millisecond,
		VehicleStateTimeout:  2500 * time.Millisecond,
		SupportedManeuvers:   DefaultManeuvers(),
		EventBuffer:          256,
	}
}

// DefaultManeuvers lists the maneuver types known before any vehicle
// registration arrives.
func DefaultManeuvers() []string {
	return []string{
		"Goto",
		"Loiter",
		"StationKeeping",
		"IdleManeuver",
		"FollowTrajectory",
		"Rows",
		"YoYo",
		"PopUp",
		"Elevator",
		"Launch",
		"Dislodge",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ReportPeriod <= 0 {
		c.ReportPeriod = d.ReportPeriod
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = d.ReplyTimeout
	}
	if c.VehicleStateTimeout <= 0 {
		c.VehicleStateTimeout = d.VehicleStateTimeout
	}
	if c.IMULabel == "" {
		c.IMULabel = d.IMULabel
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
}
