package plan

import "github.com/tidewater-robotics/plan-engine/internal/domain"

// FuelAction is the advice derived from predicted fuel use.
type FuelAction int

const (
	FuelContinue FuelAction = iota
	FuelLow
	FuelInsufficient
)

func (a FuelAction) String() string {
	switch a {
	case FuelLow:
		return "low"
	case FuelInsufficient:
		return "insufficient"
	default:
		return ""
	}
}

// FuelEstimator predicts the energy a plan consumes, in percent of a full
// battery, and compares it against the last reported fuel level.
type FuelEstimator struct {
	// BaseRate is the consumption of the vehicle itself in percent per hour.
	BaseRate float64
	// PayloadRate is the extra consumption of each active payload.
	PayloadRate float64
	// IMURate is the extra consumption while the IMU is active.
	IMURate float64
	// LowMargin scales the prediction before it is compared with the
	// remaining level to issue a low-fuel warning (default 1.25).
	LowMargin float64

	level float64
	known bool
}

// NewFuelEstimator creates an estimator with standard consumption rates.
func NewFuelEstimator() *FuelEstimator {
	return &FuelEstimator{
		BaseRate:    8.0,
		PayloadRate: 1.5,
		IMURate:     2.0,
		LowMargin:   1.25,
	}
}

// Observe records a fuel level report.
func (f *FuelEstimator) Observe(lvl domain.FuelLevel) {
	f.level = lvl.Value
	f.known = true
}

// Predict returns the fuel use of running for durationSec seconds with
// the given number of payloads.
func (f *FuelEstimator) Predict(durationSec float64, payloads int, imu bool) float64 {
	if durationSec <= 0 {
		return 0
	}
	rate := f.BaseRate + float64(payloads)*f.PayloadRate
	if imu {
		rate += f.IMURate
	}
	return rate * durationSec / 3600
}

// Evaluate compares a prediction with the last observed level. Without
// a fuel report there is nothing to compare and the advice is to continue.
func (f *FuelEstimator) Evaluate(predicted float64) FuelAction {
	if !f.known || predicted <= 0 {
		return FuelContinue
	}
	if predicted >= f.level {
		return FuelInsufficient
	}
	if predicted*f.LowMargin >= f.level {
		return FuelLow
	}
	return FuelContinue
}
