// Package plan validates plan specifications and tracks the execution of
// a loaded plan: maneuver sequencing, calibration, payload activation,
// progress and fuel use.
package plan

import (
	"fmt"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// Check evaluates one aspect of a plan specification and returns the
// problems it found.
type Check interface {
	Name() string
	Evaluate(spec *domain.PlanSpec, env domain.PlanEnvironment) []string
}

// DefaultChecks returns the checks a plan must pass before it can run.
func DefaultChecks() []Check {
	return []Check{
		structureCheck{},
		startCheck{},
		maneuverTypeCheck{},
		transitionCheck{},
		payloadCheck{},
	}
}

type structureCheck struct{}

func (structureCheck) Name() string { return "structure" }

func (structureCheck) Evaluate(spec *domain.PlanSpec, _ domain.PlanEnvironment) []string {
	var problems []string
	if spec.PlanID == "" {
		problems = append(problems, "plan id is empty")
	}
	if len(spec.Maneuvers) == 0 {
		problems = append(problems, "plan has no maneuvers")
	}
	seen := make(map[string]bool, len(spec.Maneuvers))
	for i, pm := range spec.Maneuvers {
		if pm.ID == "" {
			problems = append(problems, fmt.Sprintf("maneuver %d has no id", i))
			continue
		}
		if seen[pm.ID] {
			problems = append(problems, fmt.Sprintf("duplicate maneuver id %q", pm.ID))
		}
		seen[pm.ID] = true
		if pm.Data == nil {
			problems = append(problems, fmt.Sprintf("%s: actual maneuver not specified", pm.ID))
		}
	}
	return problems
}

type startCheck struct{}

func (startCheck) Name() string { return "start" }

func (startCheck) Evaluate(spec *domain.PlanSpec, _ domain.PlanEnvironment) []string {
	if len(spec.Maneuvers) == 0 {
		return nil
	}
	if spec.Find(spec.StartManeuverID) == nil {
		return []string{fmt.Sprintf("invalid start maneuver %q", spec.StartManeuverID)}
	}
	return nil
}

// maneuverTypeCheck rejects maneuvers the vehicle never registered. An
// empty registry accepts every type.
type maneuverTypeCheck struct{}

func (maneuverTypeCheck) Name() string { return "maneuver-type" }

func (maneuverTypeCheck) Evaluate(spec *domain.PlanSpec, env domain.PlanEnvironment) []string {
	if len(env.Maneuvers) == 0 {
		return nil
	}
	var problems []string
	for _, pm := range spec.Maneuvers {
		if pm.Data == nil {
			continue
		}
		if !env.Maneuvers[pm.Data.Type] {
			problems = append(problems, fmt.Sprintf("%s: unsupported maneuver type %q", pm.ID, pm.Data.Type))
		}
	}
	return problems
}

type transitionCheck struct{}

func (transitionCheck) Name() string { return "transitions" }

func (transitionCheck) Evaluate(spec *domain.PlanSpec, _ domain.PlanEnvironment) []string {
	var problems []string
	for _, tr := range spec.Transitions {
		if spec.Find(tr.Source) == nil {
			problems = append(problems, fmt.Sprintf("transition source %q does not exist", tr.Source))
		}
		if spec.Find(tr.Dest) == nil {
			problems = append(problems, fmt.Sprintf("transition destination %q does not exist", tr.Dest))
		}
	}
	return problems
}

type payloadCheck struct{}

func (payloadCheck) Name() string { return "payloads" }

func (payloadCheck) Evaluate(spec *domain.PlanSpec, env domain.PlanEnvironment) []string {
	var problems []string
	for _, pm := range spec.Maneuvers {
		for _, label := range pm.Payloads {
			if _, ok := env.Entities[label]; !ok {
				problems = append(problems, fmt.Sprintf("%s: unknown payload entity %q", pm.ID, label))
			}
		}
	}
	return problems
}
