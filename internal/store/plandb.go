package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// PlanDB is the plan database used by the engine. It bundles the plan,
// memento and run repositories over a single connection.
type PlanDB struct {
	db       *sql.DB
	plans    PlanRepo
	mementos MementoRepo
	runs     RunRepo
	events   EventRepo
	now      func() time.Time
}

// NewPlanDB wraps an open database.
func NewPlanDB(db *sql.DB) *PlanDB {
	return &PlanDB{db: db, now: time.Now}
}

// DB returns the underlying connection.
func (p *PlanDB) DB() *sql.DB { return p.db }

// FindPlan returns the stored specification for planID, or ErrPlanNotFound.
func (p *PlanDB) FindPlan(ctx context.Context, planID string) (*domain.PlanSpec, error) {
	return p.plans.GetByID(ctx, p.db, planID)
}

// FindMemento returns the memento stored under id, or ErrMementoNotFound.
func (p *PlanDB) FindMemento(ctx context.Context, id string) (*domain.Memento, error) {
	return p.mementos.GetByID(ctx, p.db, id)
}

// SavePlan stores or replaces a plan specification.
func (p *PlanDB) SavePlan(ctx context.Context, spec *domain.PlanSpec) error {
	if err := p.plans.Upsert(ctx, p.db, spec, p.now().Unix()); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save plan", err)
	}
	return nil
}

// DeletePlan removes a plan specification.
func (p *PlanDB) DeletePlan(ctx context.Context, planID string) error {
	return p.plans.Delete(ctx, p.db, planID)
}

// SaveMemento stores a resume checkpoint.
func (p *PlanDB) SaveMemento(ctx context.Context, m domain.Memento) error {
	if err := p.mementos.Save(ctx, p.db, m, p.now().Unix()); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "save memento", err)
	}
	return nil
}

// RecordRun stores the bookkeeping row of a started plan.
func (p *PlanDB) RecordRun(ctx context.Context, run domain.PlanRun) error {
	if err := p.runs.Record(ctx, p.db, run); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "record run", err)
	}
	return nil
}

// LastPlanRef returns the plan reference of the most recent run, or zero
// when no plan has ever run.
func (p *PlanDB) LastPlanRef(ctx context.Context) (uint32, error) {
	run, err := p.runs.Last(ctx, p.db)
	if err != nil || run == nil {
		return 0, err
	}
	return run.PlanRef, nil
}

// ListPlans returns summaries of all stored plans.
func (p *PlanDB) ListPlans(ctx context.Context) ([]PlanSummary, error) {
	return p.plans.List(ctx, p.db)
}

// ListRuns returns the recorded runs of a plan.
func (p *PlanDB) ListRuns(ctx context.Context, planID string) ([]domain.PlanRun, error) {
	return p.runs.ListByPlan(ctx, p.db, planID)
}

// AppendEvent journals an event and returns its sequence number.
func (p *PlanDB) AppendEvent(ctx context.Context, event domain.PlanEvent) (int64, error) {
	if event.CreatedAt == 0 {
		event.CreatedAt = p.now().Unix()
	}
	return p.events.Append(ctx, p.db, event)
}

// ListEvents returns journal entries after sinceSeq. An empty planID
// matches every plan.
func (p *PlanDB) ListEvents(ctx context.Context, planID string, sinceSeq int64, limit int) ([]domain.PlanEvent, error) {
	return p.events.ListSince(ctx, p.db, planID, sinceSeq, limit)
}
