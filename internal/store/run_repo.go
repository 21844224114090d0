package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// RunRepo handles persistence for plan run bookkeeping.
type RunRepo struct{}

// Record inserts a plan run. Plan references wrap at 2^32, so an existing
// row for the same reference is overwritten.
func (r *RunRepo) Record(ctx context.Context, db *sql.DB, run domain.PlanRun) error {
	const q = `INSERT OR REPLACE INTO plan_runs (plan_ref, plan_id, started_at) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, q, run.PlanRef, run.PlanID, run.StartedAt); err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Last returns the most recently started run, or nil when none exist.
func (r *RunRepo) Last(ctx context.Context, db *sql.DB) (*domain.PlanRun, error) {
	const q = `SELECT plan_ref, plan_id, started_at FROM plan_runs
ORDER BY started_at DESC, plan_ref DESC LIMIT 1`

	var run domain.PlanRun
	err := db.QueryRowContext(ctx, q).Scan(&run.PlanRef, &run.PlanID, &run.StartedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last run: %w", err)
	}
	return &run, nil
}

// ListByPlan returns the runs of a plan ordered by start time.
func (r *RunRepo) ListByPlan(ctx context.Context, db *sql.DB, planID string) ([]domain.PlanRun, error) {
	const q = `SELECT plan_ref, plan_id, started_at FROM plan_runs
WHERE plan_id = ?
ORDER BY started_at ASC, plan_ref ASC`

	rows, err := db.QueryContext(ctx, q, planID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.PlanRun
	for rows.Next() {
		var run domain.PlanRun
		if err := rows.Scan(&run.PlanRef, &run.PlanID, &run.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
