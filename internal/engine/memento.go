package engine

import "github.com/tidewater-robotics/plan-engine/internal/domain"

const mementoCapacity = 32

// mementoRegistry remembers the specification started under each recent
// plan reference so checkpoints can be traced back to their plan.
type mementoRegistry struct {
	specs map[uint32]*domain.PlanSpec
	order []uint32
}

func newMementoRegistry() *mementoRegistry {
	return &mementoRegistry{specs: make(map[uint32]*domain.PlanSpec)}
}

func (r *mementoRegistry) add(ref uint32, spec *domain.PlanSpec) {
	if _, ok := r.specs[ref]; !ok {
		r.order = append(r.order, ref)
	}
	r.specs[ref] = spec
	for len(r.order) > mementoCapacity {
		delete(r.specs, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *mementoRegistry) get(ref uint32) *domain.PlanSpec {
	return r.specs[ref]
}

// toMemento converts a checkpoint into a resumable memento. It fails when
// the plan reference is unknown or the maneuver is not part of the plan.
// A checkpoint without an id is stored under the plan id.
func (r *mementoRegistry) toMemento(cp domain.CheckpointNotification) (domain.Memento, bool) {
	spec := r.get(cp.PlanRef)
	if spec == nil || spec.Find(cp.ManeuverID) == nil {
		return domain.Memento{}, false
	}
	id := cp.ID
	if id == "" {
		id = spec.PlanID
	}
	return domain.Memento{
		ID:         id,
		PlanID:     spec.PlanID,
		ManeuverID: cp.ManeuverID,
		Payload:    cp.Payload,
	}, true
}
