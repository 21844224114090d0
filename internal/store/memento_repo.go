package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// MementoRepo handles persistence for resume checkpoints.
type MementoRepo struct{}

// Save stores a memento. A memento saved again under the same ID replaces
// the previous one.
func (r *MementoRepo) Save(ctx context.Context, db *sql.DB, m domain.Memento, now int64) error {
	const q = `INSERT INTO mementos (memento_id, plan_id, maneuver_id, payload, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(memento_id) DO UPDATE SET
	plan_id = excluded.plan_id,
	maneuver_id = excluded.maneuver_id,
	payload = excluded.payload,
	created_at = excluded.created_at`
	_, err := db.ExecContext(ctx, q, m.ID, m.PlanID, m.ManeuverID, m.Payload, now)
	if err != nil {
		return fmt.Errorf("save memento: %w", err)
	}
	return nil
}

// GetByID retrieves a memento by its ID.
func (r *MementoRepo) GetByID(ctx context.Context, db *sql.DB, id string) (*domain.Memento, error) {
	const q = `SELECT memento_id, plan_id, maneuver_id, payload FROM mementos WHERE memento_id = ?`

	var m domain.Memento
	err := db.QueryRowContext(ctx, q, id).Scan(&m.ID, &m.PlanID, &m.ManeuverID, &m.Payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrMementoNotFound
		}
		return nil, fmt.Errorf("get memento: %w", err)
	}
	return &m, nil
}

// ListByPlan returns the mementos saved for a plan, newest first.
func (r *MementoRepo) ListByPlan(ctx context.Context, db *sql.DB, planID string) ([]domain.Memento, error) {
	const q = `SELECT memento_id, plan_id, maneuver_id, payload
FROM mementos
WHERE plan_id = ?
ORDER BY created_at DESC, memento_id ASC`

	rows, err := db.QueryContext(ctx, q, planID)
	if err != nil {
		return nil, fmt.Errorf("list mementos: %w", err)
	}
	defer rows.Close()

	var out []domain.Memento
	for rows.Next() {
		var m domain.Memento
		if err := rows.Scan(&m.ID, &m.PlanID, &m.ManeuverID, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan memento: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
