package domain

// Event is an inbound message consumed by the engine control loop.
// The set of implementations is closed; the engine dispatches on the
// concrete type.
type Event interface {
	eventKind() string
}

// Kind returns the wire name of an inbound event.
func Kind(ev Event) string { return ev.eventKind() }

func (PlanControlRequest) eventKind() string     { return "plan_control" }
func (PlanDBNotification) eventKind() string     { return "plan_db" }
func (EstimatedState) eventKind() string         { return "estimated_state" }
func (ManeuverControlState) eventKind() string   { return "maneuver_state" }
func (PowerOperation) eventKind() string         { return "power" }
func (ManeuverRegistration) eventKind() string   { return "register_maneuver" }
func (VehicleCommandReply) eventKind() string    { return "command_reply" }
func (VehicleState) eventKind() string           { return "vehicle_state" }
func (EntityInfo) eventKind() string             { return "entity_info" }
func (EntityActivationState) eventKind() string  { return "entity_activation" }
func (FuelLevel) eventKind() string              { return "fuel" }
func (CheckpointNotification) eventKind() string { return "checkpoint" }

// PlanDBOp is an operation on the plan database.
type PlanDBOp string

const (
	PlanDBSet    PlanDBOp = "SET"
	PlanDBDelete PlanDBOp = "DEL"
)

// PlanDBNotification asks the engine to store or remove a plan.
type PlanDBNotification struct {
	Op     PlanDBOp  `json:"op"`
	PlanID string    `json:"plan_id"`
	Spec   *PlanSpec `json:"spec,omitempty"`
}

// EstimatedState is the navigation estimate of the vehicle.
type EstimatedState struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Depth float64 `json:"depth"`
	Speed float64 `json:"speed"`
}

// ManeuverState is the state of the maneuver currently running on the vehicle.
type ManeuverState string

const (
	ManeuverExecuting ManeuverState = "EXECUTING"
	ManeuverDone      ManeuverState = "DONE"
	ManeuverError     ManeuverState = "ERROR"
	ManeuverStopped   ManeuverState = "STOPPED"
)

// ManeuverControlState reports the progress of the running maneuver.
type ManeuverControlState struct {
	State ManeuverState `json:"state"`
	ETA   int32         `json:"eta"`
	Info  string        `json:"info,omitempty"`
}

// PowerOp is a power operation announced by the power subsystem.
type PowerOp string

const (
	PowerDownInProgress PowerOp = "PWR_DOWN_IP"
	PowerDownAborted    PowerOp = "PWR_DOWN_ABORTED"
)

// PowerOperation announces a system power transition.
type PowerOperation struct {
	Op PowerOp `json:"op"`
}

// ManeuverRegistration announces a maneuver type the vehicle can execute.
type ManeuverRegistration struct {
	Type string `json:"type"`
}

// VehicleCommandReply is the vehicle's answer to a VehicleCommand.
type VehicleCommandReply struct {
	RequestID uint16             `json:"request_id"`
	Command   VehicleCommandType `json:"command"`
	Type      CommandReplyType   `json:"type"`
	Info      string             `json:"info,omitempty"`
}

// VehicleMode is the operation mode reported by the vehicle.
type VehicleMode string

const (
	VehicleService     VehicleMode = "SERVICE"
	VehicleCalibration VehicleMode = "CALIBRATION"
	VehicleError       VehicleMode = "ERROR"
	VehicleManeuver    VehicleMode = "MANEUVER"
	VehicleExternal    VehicleMode = "EXTERNAL"
	VehicleBoot        VehicleMode = "BOOT"
)

// VehicleFlagManeuverDone is set while the current maneuver has completed.
const VehicleFlagManeuverDone uint8 = 0x01

// VehicleState is the periodic status of the vehicle. LastErrorTime is
// negative when no error description is available.
type VehicleState struct {
	OpMode        VehicleMode `json:"op_mode"`
	Flags         uint8       `json:"flags"`
	ManeuverETA   int32       `json:"maneuver_eta"`
	ErrorEntities string      `json:"error_ents,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	LastErrorTime float64     `json:"last_error_time"`
}

// ManeuverDone reports whether the maneuver-done flag is set.
func (vs VehicleState) ManeuverDone() bool {
	return vs.Flags&VehicleFlagManeuverDone != 0
}

// EntityInfo describes an entity of the system. ActivationTime is the
// time in seconds it needs to become active.
type EntityInfo struct {
	ID             uint32  `json:"id"`
	Label          string  `json:"label"`
	Component      string  `json:"component"`
	ActivationTime float64 `json:"act_time"`
}

// ActivationState is the activation state of an entity.
type ActivationState string

const (
	EntityInactive        ActivationState = "INACTIVE"
	EntityActive          ActivationState = "ACTIVE"
	EntityActivating      ActivationState = "ACT_IP"
	EntityActivationDone  ActivationState = "ACT_DONE"
	EntityActivationFail  ActivationState = "ACT_FAIL"
	EntityDeactivating    ActivationState = "DEACT_IP"
	EntityDeactivationEnd ActivationState = "DEACT_DONE"
	EntityDeactivateFail  ActivationState = "DEACT_FAIL"
)

// EntityActivationState reports the activation state of an entity.
type EntityActivationState struct {
	Entity string          `json:"entity"`
	State  ActivationState `json:"state"`
	Error  string          `json:"error,omitempty"`
}

// FuelLevel is the estimated energy left, in percent.
type FuelLevel struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// CheckpointNotification is emitted by a maneuver that saved its progress.
// PlanRef identifies the plan run the maneuver belongs to.
type CheckpointNotification struct {
	ID         string `json:"id"`
	PlanRef    uint32 `json:"plan_ref"`
	ManeuverID string `json:"maneuver_id"`
	Payload    string `json:"payload"`
}
