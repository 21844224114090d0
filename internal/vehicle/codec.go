// Package vehicle connects the engine to a vehicle controller process
// speaking a JSON-line protocol over stdio.
package vehicle

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// CommandKind is the envelope kind of commands written to the controller.
const CommandKind = "vehicle_command"

// Envelope is one line of the link protocol.
type Envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

var decoders = map[string]func([]byte) (domain.Event, error){
	"plan_control":      decodeAs[domain.PlanControlRequest],
	"plan_db":           decodeAs[domain.PlanDBNotification],
	"estimated_state":   decodeAs[domain.EstimatedState],
	"maneuver_state":    decodeAs[domain.ManeuverControlState],
	"power":             decodeAs[domain.PowerOperation],
	"register_maneuver": decodeAs[domain.ManeuverRegistration],
	"command_reply":     decodeAs[domain.VehicleCommandReply],
	"vehicle_state":     decodeVehicleState,
	"entity_info":       decodeAs[domain.EntityInfo],
	"entity_activation": decodeAs[domain.EntityActivationState],
	"fuel":              decodeAs[domain.FuelLevel],
	"checkpoint":        decodeAs[domain.CheckpointNotification],
}

func decodeAs[T domain.Event](data []byte) (domain.Event, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeVehicleState treats a missing last_error_time as "no error
// description available".
func decodeVehicleState(data []byte) (domain.Event, error) {
	vs := domain.VehicleState{LastErrorTime: -1}
	if err := json.Unmarshal(data, &vs); err != nil {
		return nil, err
	}
	return vs, nil
}

// Kinds returns the event kinds DecodeEvent understands, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(decoders))
	for k := range decoders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// DecodeEvent converts a JSON payload of the given kind into an inbound
// event. Unknown kinds match domain.ErrUnknownEvent and malformed payloads
// domain.ErrInvalidPayload.
func DecodeEvent(kind string, data []byte) (domain.Event, error) {
	dec, ok := decoders[kind]
	if !ok {
		return nil, domain.WrapEngineError(domain.ErrUnknownEvent.Code, domain.ErrUnknownEvent.Message, fmt.Errorf("%q", kind))
	}
	if len(data) == 0 {
		data = []byte("{}")
	}
	ev, err := dec(data)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrInvalidPayload.Code, "decode "+kind, err)
	}
	return ev, nil
}

// parseLine decodes one envelope line read from the controller.
func parseLine(line []byte) (domain.Event, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, err
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("envelope has no kind field")
	}
	return DecodeEvent(env.Kind, env.Data)
}

// encodeCommand renders cmd as one envelope line, newline included.
func encodeCommand(cmd domain.VehicleCommand) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	line, err := json.Marshal(Envelope{Kind: CommandKind, Data: data})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
