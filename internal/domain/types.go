// Package domain defines the core types of the plan engine.
package domain

import "time"

// PlanState is the externally visible state of the plan engine.
type PlanState string

const (
	StateBlocked      PlanState = "BLOCKED"
	StateReady        PlanState = "READY"
	StateInitializing PlanState = "INITIALIZING"
	StateExecuting    PlanState = "EXECUTING"
)

// Outcome is the result of the last plan that ran.
type Outcome string

const (
	OutcomeNone    Outcome = "NONE"
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
)

// PlanControlState is the periodic and on-change report of the engine state.
// ManeuverID is only set while EXECUTING. Progress is a percentage, or -1
// when unknown; ETA is in seconds, 0 when unknown.
type PlanControlState struct {
	State        PlanState `json:"state"`
	PlanID       string    `json:"plan_id"`
	ManeuverID   string    `json:"maneuver_id"`
	ManeuverType string    `json:"maneuver_type"`
	Progress     float64   `json:"progress"`
	ETA          int32     `json:"eta"`
	ManeuverETA  int32     `json:"maneuver_eta"`
	LastOutcome  Outcome   `json:"last_outcome"`
	LastEvent    string    `json:"last_event"`
	Timestamp    time.Time `json:"timestamp"`
}

// Operation is a plan control operation.
type Operation string

const (
	OpStart Operation = "START"
	OpStop  Operation = "STOP"
	OpLoad  Operation = "LOAD"
	OpGet   Operation = "GET"
)

// FlagCalibrate requests vehicle calibration before the first maneuver.
const FlagCalibrate uint16 = 0x0001

// RequestArg is the optional argument of a plan control request.
// At most one field is set.
type RequestArg struct {
	Spec     *PlanSpec `json:"spec,omitempty" yaml:"spec,omitempty"`
	Maneuver *Maneuver `json:"maneuver,omitempty" yaml:"maneuver,omitempty"`
	Memento  *Memento  `json:"memento,omitempty" yaml:"memento,omitempty"`
}

// PlanControlRequest is an operator command addressed to the engine.
type PlanControlRequest struct {
	Op        Operation   `json:"op"`
	PlanID    string      `json:"plan_id"`
	Arg       *RequestArg `json:"arg,omitempty"`
	Flags     uint16      `json:"flags"`
	RequestID uint32      `json:"request_id"`
	Requester string      `json:"requester"`
}

// ReplyType tells whether a request succeeded.
type ReplyType string

const (
	ReplySuccess ReplyType = "SUCCESS"
	ReplyFailure ReplyType = "FAILURE"
)

// PlanControlReply answers a PlanControlRequest.
type PlanControlReply struct {
	Requester string          `json:"requester"`
	RequestID uint32          `json:"request_id"`
	Op        Operation       `json:"op"`
	PlanID    string          `json:"plan_id"`
	Type      ReplyType       `json:"type"`
	Info      string          `json:"info"`
	Spec      *PlanSpec       `json:"spec,omitempty"`
	Stats     *PlanStatistics `json:"stats,omitempty"`
}

// VehicleCommandType enumerates the commands the engine sends to the vehicle.
type VehicleCommandType string

const (
	CmdExecManeuver     VehicleCommandType = "EXEC_MANEUVER"
	CmdStopManeuver     VehicleCommandType = "STOP_MANEUVER"
	CmdStartCalibration VehicleCommandType = "START_CALIBRATION"
	CmdStopCalibration  VehicleCommandType = "STOP_CALIBRATION"
)

// VehicleCommand is a request sent to the vehicle control layer.
type VehicleCommand struct {
	RequestID       uint16             `json:"request_id"`
	Command         VehicleCommandType `json:"command"`
	Maneuver        *Maneuver          `json:"maneuver,omitempty"`
	CalibrationTime uint16             `json:"calibration_time"`
}

// CommandReplyType is the kind of answer the vehicle gave to a command.
type CommandReplyType string

const (
	CommandSuccess    CommandReplyType = "SUCCESS"
	CommandInProgress CommandReplyType = "IN_PROGRESS"
	CommandFailure    CommandReplyType = "FAILURE"
)

// Maneuver is an atomic vehicle behavior. Params holds the type-specific
// parameters; Duration is an optional estimate in seconds.
type Maneuver struct {
	Type     string         `json:"type" yaml:"type"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Duration float64        `json:"duration,omitempty" yaml:"duration,omitempty"`
	Memento  string         `json:"memento,omitempty" yaml:"memento,omitempty"`
	PlanRef  uint32         `json:"plan_ref,omitempty" yaml:"-"`
}

// Clone returns a deep enough copy for the engine to annotate safely.
func (m *Maneuver) Clone() *Maneuver {
	if m == nil {
		return nil
	}
	c := *m
	if m.Params != nil {
		c.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			c.Params[k] = v
		}
	}
	return &c
}

// Holding maneuver types used while calibrating.
const (
	ManeuverStationKeeping = "StationKeeping"
	ManeuverIdle           = "IdleManeuver"
)

// PlanManeuver is a node in the plan graph. Payloads lists the entity
// labels that must activate while the maneuver runs.
type PlanManeuver struct {
	ID       string    `json:"maneuver_id" yaml:"id"`
	Data     *Maneuver `json:"data,omitempty" yaml:"data,omitempty"`
	Payloads []string  `json:"payloads,omitempty" yaml:"payloads,omitempty"`
}

// PlanTransition is an edge of the plan graph.
type PlanTransition struct {
	Source     string `json:"source" yaml:"source"`
	Dest       string `json:"dest" yaml:"dest"`
	Conditions string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// PlanSpec is a complete plan specification.
type PlanSpec struct {
	PlanID          string           `json:"plan_id" yaml:"plan_id"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	StartManeuverID string           `json:"start_man_id" yaml:"start_man_id"`
	Maneuvers       []PlanManeuver   `json:"maneuvers" yaml:"maneuvers"`
	Transitions     []PlanTransition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Clone returns a copy whose maneuvers can be modified independently.
func (s *PlanSpec) Clone() *PlanSpec {
	if s == nil {
		return nil
	}
	c := *s
	c.Maneuvers = make([]PlanManeuver, len(s.Maneuvers))
	for i, pm := range s.Maneuvers {
		pm.Data = pm.Data.Clone()
		pm.Payloads = append([]string(nil), pm.Payloads...)
		c.Maneuvers[i] = pm
	}
	c.Transitions = append([]PlanTransition(nil), s.Transitions...)
	return &c
}

// Find returns the plan maneuver with the given id, or nil.
func (s *PlanSpec) Find(id string) *PlanManeuver {
	for i := range s.Maneuvers {
		if s.Maneuvers[i].ID == id {
			return &s.Maneuvers[i]
		}
	}
	return nil
}

// PlanStatistics is the summary computed when a plan is parsed.
type PlanStatistics struct {
	PlanID            string             `json:"plan_id"`
	ManeuverCount     int                `json:"maneuver_count"`
	EstimatedDuration float64            `json:"estimated_duration"`
	Durations         map[string]float64 `json:"durations,omitempty"`
	Payloads          []string           `json:"payloads,omitempty"`
	CalibrationTime   float64            `json:"calibration_time"`
	FuelUse           float64            `json:"fuel_use"`
	FuelAdvice        string             `json:"fuel_advice,omitempty"`
}

// Memento is a saved maneuver position from which a plan can resume.
type Memento struct {
	ID         string `json:"id" yaml:"id"`
	PlanID     string `json:"plan_id" yaml:"plan_id"`
	ManeuverID string `json:"maneuver_id" yaml:"maneuver_id"`
	Payload    string `json:"payload" yaml:"payload"`
}

// PlanRun records one execution of a plan under a unique plan reference.
type PlanRun struct {
	PlanRef   uint32 `json:"plan_ref"`
	PlanID    string `json:"plan_id"`
	StartedAt int64  `json:"started_at"`
}

// LoggingOp is the logging session operation.
type LoggingOp string

const (
	LoggingStart LoggingOp = "START"
	LoggingStop  LoggingOp = "STOP"
)

// LoggingControl asks the logging subsystem to open or close a session.
type LoggingControl struct {
	Op   LoggingOp `json:"op"`
	Name string    `json:"name"`
}

// Health is the availability of the engine itself.
type Health string

const (
	HealthNormal Health = "normal"
	HealthError  Health = "error"
)

// PlanEvent is a journal entry of something the engine published.
type PlanEvent struct {
	ID          string `json:"id"`
	SeqNo       int64  `json:"seq_no"`
	Kind        string `json:"kind"`
	PlanID      string `json:"plan_id"`
	State       string `json:"state"`
	Info        string `json:"info"`
	PayloadJSON string `json:"payload_json"`
	CreatedAt   int64  `json:"created_at"`
}

// PlanEnvironment is what the engine knows about the vehicle when a plan
// is parsed. CalibrationTime is the configured minimum, in seconds.
type PlanEnvironment struct {
	Maneuvers       map[string]bool
	Entities        map[string]EntityInfo
	IMUEnabled      bool
	FuelPrediction  bool
	CalibrationTime float64
}
