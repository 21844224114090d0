package domain

import "fmt"

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so
// errors.Is matches the sentinels below regardless of message.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Plan control errors (-32010 to -32039) ----

var (
	ErrPlanParse            = &EngineError{Code: -32010, Message: "plan parse failed"}
	ErrPlanNotFound         = &EngineError{Code: -32011, Message: "plan not found"}
	ErrMementoNotFound      = &EngineError{Code: -32012, Message: "memento not found"}
	ErrResumeFault          = &EngineError{Code: -32013, Message: "cannot resume plan"}
	ErrNoPlanRunning        = &EngineError{Code: -32014, Message: "no plan is running"}
	ErrCannotLoadNow        = &EngineError{Code: -32015, Message: "cannot load plan now"}
	ErrPlanBlocked          = &EngineError{Code: -32016, Message: "cannot start plan in BLOCKED state"}
	ErrUnsupportedOperation = &EngineError{Code: -32017, Message: "plan control operation not supported"}
	ErrEngineNotReady       = &EngineError{Code: -32018, Message: "engine not ready: entity state not normal"}
	ErrInvalidManeuver      = &EngineError{Code: -32019, Message: "invalid maneuver"}
)

// ---- Vehicle errors (-32040 to -32069) ----

var (
	ErrProtocolTimeout = &EngineError{Code: -32040, Message: "vehicle reply timeout"}
	ErrVehicleFault    = &EngineError{Code: -32041, Message: "vehicle error"}
	ErrActivationFault = &EngineError{Code: -32042, Message: "payload activation failed"}
	ErrCommandRejected = &EngineError{Code: -32043, Message: "vehicle command failed"}
	ErrVehicleLink     = &EngineError{Code: -32044, Message: "vehicle link failure"}
	ErrCommandPending  = &EngineError{Code: -32045, Message: "vehicle command already pending"}
)

// ---- Transport errors (-32070 to -32099) ----

var (
	ErrReplyTimeout   = &EngineError{Code: -32070, Message: "timed out waiting for plan control reply"}
	ErrEngineStopped  = &EngineError{Code: -32071, Message: "engine is not running"}
	ErrUnknownEvent   = &EngineError{Code: -32072, Message: "unknown event kind"}
	ErrInvalidPayload = &EngineError{Code: -32073, Message: "invalid event payload"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
)
