package plan

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// Model is the loaded plan. It is not safe for concurrent use; the engine
// control loop is its only caller.
type Model struct {
	checks []Check
	fuel   *FuelEstimator

	spec     *domain.PlanSpec
	env      domain.PlanEnvironment
	stats    *domain.PlanStatistics
	next     map[string]string
	sequence []string
	cyclic   bool
	payloads map[string]bool

	current       string
	currentDone   bool
	started       bool
	maneuverStart time.Time
	doneDuration  float64
	doneCount     int
	eta           int32

	calib      calibration
	activation map[string]domain.ActivationState
}

// New creates an empty model with the default checks.
func New() *Model {
	return &Model{
		checks: DefaultChecks(),
		fuel:   NewFuelEstimator(),
	}
}

// Parse validates spec and loads it. On failure the model is cleared and
// the error matches domain.ErrPlanParse.
func (m *Model) Parse(spec *domain.PlanSpec, env domain.PlanEnvironment) (*domain.PlanStatistics, error) {
	m.Clear()
	if spec == nil {
		return nil, domain.NewEngineError(domain.ErrPlanParse.Code, "undefined maneuver or plan")
	}

	s := spec.Clone()
	if s.StartManeuverID == "" && len(s.Maneuvers) > 0 {
		s.StartManeuverID = s.Maneuvers[0].ID
	}

	var problems []string
	for _, c := range m.checks {
		problems = append(problems, c.Evaluate(s, env)...)
	}
	if len(problems) > 0 {
		return nil, domain.NewEngineError(domain.ErrPlanParse.Code, strings.Join(problems, "; "))
	}

	m.spec = s
	m.env = env
	m.next = make(map[string]string, len(s.Transitions))
	for _, tr := range s.Transitions {
		if _, ok := m.next[tr.Source]; !ok {
			m.next[tr.Source] = tr.Dest
		}
	}
	m.sequence, m.cyclic = walk(s.StartManeuverID, m.next)
	m.payloads = make(map[string]bool)
	for _, pm := range s.Maneuvers {
		for _, p := range pm.Payloads {
			m.payloads[p] = true
		}
	}
	m.current = s.StartManeuverID
	m.stats = m.statistics()
	return m.stats, nil
}

// walk follows the first outgoing transition from start and reports
// whether the path loops back on itself.
func walk(start string, next map[string]string) ([]string, bool) {
	seen := map[string]bool{}
	var seq []string
	for id := start; id != ""; id = next[id] {
		if seen[id] {
			return seq, true
		}
		seen[id] = true
		seq = append(seq, id)
	}
	return seq, false
}

func (m *Model) statistics() *domain.PlanStatistics {
	st := &domain.PlanStatistics{
		PlanID:        m.spec.PlanID,
		ManeuverCount: len(m.spec.Maneuvers),
		Durations:     map[string]float64{},
	}
	for _, pm := range m.spec.Maneuvers {
		if pm.Data.Duration > 0 {
			st.Durations[pm.ID] = pm.Data.Duration
		}
	}
	if !m.cyclic {
		for _, id := range m.sequence {
			st.EstimatedDuration += st.Durations[id]
		}
	}
	for p := range m.payloads {
		st.Payloads = append(st.Payloads, p)
	}
	sort.Strings(st.Payloads)
	st.CalibrationTime = float64(m.EstimatedCalibrationTime())

	if m.env.FuelPrediction {
		st.FuelUse = m.fuel.Predict(st.EstimatedDuration+st.CalibrationTime, len(st.Payloads), m.env.IMUEnabled)
		st.FuelAdvice = m.fuel.Evaluate(st.FuelUse).String()
	}
	return st
}

// Clear unloads the plan. Fuel observations survive.
func (m *Model) Clear() {
	m.spec = nil
	m.stats = nil
	m.next = nil
	m.sequence = nil
	m.cyclic = false
	m.payloads = nil
	m.current = ""
	m.resetRun()
}

func (m *Model) resetRun() {
	m.currentDone = false
	m.started = false
	m.maneuverStart = time.Time{}
	m.doneDuration = 0
	m.doneCount = 0
	m.eta = 0
	m.calib.reset()
	m.activation = map[string]domain.ActivationState{}
}

// Loaded reports whether a plan is loaded.
func (m *Model) Loaded() bool { return m.spec != nil }

// StartManeuver rewinds to the start maneuver and returns it.
func (m *Model) StartManeuver() *domain.PlanManeuver {
	if m.spec == nil {
		return nil
	}
	m.current = m.spec.StartManeuverID
	m.currentDone = false
	return m.spec.Find(m.current)
}

// NextManeuver advances along the first outgoing transition of the current
// maneuver. It returns nil when there is none.
func (m *Model) NextManeuver() *domain.PlanManeuver {
	if m.spec == nil {
		return nil
	}
	dest, ok := m.next[m.current]
	if !ok {
		return nil
	}
	m.current = dest
	m.currentDone = false
	return m.spec.Find(dest)
}

// CurrentID returns the id of the current maneuver.
func (m *Model) CurrentID() string { return m.current }

// IsDone reports whether the current maneuver is the last one.
func (m *Model) IsDone() bool {
	if m.spec == nil {
		return true
	}
	_, ok := m.next[m.current]
	return !ok
}

// ManeuverStarted records the start of maneuver id.
func (m *Model) ManeuverStarted(id string, now time.Time) {
	m.current = id
	m.currentDone = false
	m.maneuverStart = now
}

// ManeuverDone records the completion of the current maneuver.
func (m *Model) ManeuverDone(now time.Time) {
	if m.spec == nil || m.currentDone || m.maneuverStart.IsZero() {
		return
	}
	m.currentDone = true
	m.doneCount++
	if d, ok := m.stats.Durations[m.current]; ok {
		m.doneDuration += d
	} else {
		m.doneDuration += now.Sub(m.maneuverStart).Seconds()
	}
}

// PlanStarted marks the beginning of a run of the loaded plan.
func (m *Model) PlanStarted(now time.Time) {
	m.resetRun()
	m.started = true
	for p := range m.payloads {
		m.activation[p] = domain.EntityInactive
	}
}

// PlanStopped marks the end of the run.
func (m *Model) PlanStopped() {
	m.started = false
	m.eta = 0
}

// CalibrationStarted starts the calibration clock.
func (m *Model) CalibrationStarted(now time.Time) {
	m.calib.start(now, time.Duration(m.EstimatedCalibrationTime())*time.Second)
}

// UpdateCalibration feeds a vehicle status report to the calibration.
func (m *Model) UpdateCalibration(vs domain.VehicleState, now time.Time) {
	m.calib.update(vs, now)
}

// CalibrationStatus returns the calibration state.
func (m *Model) CalibrationStatus() CalibrationStatus { return m.calib.status }

// CalibrationDone reports whether calibration completed.
func (m *Model) CalibrationDone() bool { return m.calib.status == CalibrationDone }

// CalibrationFailed reports whether calibration failed.
func (m *Model) CalibrationFailed() bool { return m.calib.status == CalibrationFailed }

// CalibrationInfo describes the calibration state.
func (m *Model) CalibrationInfo() string { return m.calib.info }

// EstimatedCalibrationTime is the configured minimum calibration time,
// extended to cover the slowest payload to activate. Whole seconds.
func (m *Model) EstimatedCalibrationTime() uint16 {
	t := m.env.CalibrationTime
	for p := range m.payloads {
		if info, ok := m.env.Entities[p]; ok && info.ActivationTime > t {
			t = info.ActivationTime
		}
	}
	if t <= 0 {
		return 0
	}
	if t > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(math.Ceil(t))
}

// OnEntityActivationState tracks activation of plan payloads. It returns
// an error matching domain.ErrActivationFault when a payload of the loaded
// plan failed to activate.
func (m *Model) OnEntityActivationState(ev domain.EntityActivationState) error {
	if m.spec == nil || !m.payloads[ev.Entity] {
		return nil
	}
	m.activation[ev.Entity] = ev.State
	if ev.State == domain.EntityActivationFail {
		return domain.NewEngineError(domain.ErrActivationFault.Code,
			fmt.Sprintf("failed to activate %s: %s", ev.Entity, ev.Error))
	}
	return nil
}

// ActivationState returns the last known activation state of a payload.
func (m *Model) ActivationState(label string) (domain.ActivationState, bool) {
	s, ok := m.activation[label]
	return s, ok
}

// OnFuelLevel records a fuel level report.
func (m *Model) OnFuelLevel(ev domain.FuelLevel) {
	m.fuel.Observe(ev)
}

// UpdateProgress recomputes plan progress in percent, or -1 when it cannot
// be known. maneuverETA is the vehicle's estimate for the current maneuver
// in seconds, zero when unknown.
func (m *Model) UpdateProgress(now time.Time, maneuverETA int32) float64 {
	if m.spec == nil || !m.started || m.cyclic || len(m.sequence) == 0 {
		m.eta = 0
		return -1
	}

	calib := m.calib.duration.Seconds()
	if m.calib.status == CalibrationNotStarted {
		calib = 0
	}
	total := m.stats.EstimatedDuration + calib
	if total <= 0 {
		m.eta = 0
		return clampPercent(100 * float64(m.doneCount) / float64(len(m.sequence)))
	}

	elapsed := m.calib.elapsed(now).Seconds() + m.doneDuration
	if !m.currentDone && !m.maneuverStart.IsZero() {
		d := m.stats.Durations[m.current]
		switch {
		case maneuverETA > 0 && d > 0:
			elapsed += math.Max(0, d-float64(maneuverETA))
		case d > 0:
			elapsed += math.Min(now.Sub(m.maneuverStart).Seconds(), d)
		}
	}

	remaining := math.Max(0, total-elapsed)
	m.eta = int32(math.Round(remaining))
	return clampPercent(100 * elapsed / total)
}

// ETA returns the remaining time computed by the last UpdateProgress.
func (m *Model) ETA() int32 { return m.eta }

func clampPercent(p float64) float64 {
	return math.Max(0, math.Min(100, p))
}
