package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// PlanRepo handles persistence for plan specifications.
type PlanRepo struct{}

// PlanSummary is the listing view of a stored plan.
type PlanSummary struct {
	PlanID        string `json:"plan_id"`
	Description   string `json:"description"`
	Checksum      string `json:"checksum"`
	ManeuverCount int    `json:"maneuver_count"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// Upsert stores a plan specification, replacing any previous version.
func (r *PlanRepo) Upsert(ctx context.Context, db *sql.DB, spec *domain.PlanSpec, now int64) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal plan %s: %w", spec.PlanID, err)
	}
	sum := sha256.Sum256(data)

	const q = `INSERT INTO plans (plan_id, description, spec_json, checksum, maneuver_count, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(plan_id) DO UPDATE SET
	description = excluded.description,
	spec_json = excluded.spec_json,
	checksum = excluded.checksum,
	maneuver_count = excluded.maneuver_count,
	updated_at_unix = excluded.updated_at_unix`
	_, err = db.ExecContext(ctx, q,
		spec.PlanID,
		spec.Description,
		string(data),
		hex.EncodeToString(sum[:]),
		len(spec.Maneuvers),
		now,
	)
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// GetByID retrieves a plan specification by its ID.
func (r *PlanRepo) GetByID(ctx context.Context, db *sql.DB, planID string) (*domain.PlanSpec, error) {
	const q = `SELECT spec_json FROM plans WHERE plan_id = ?`

	var raw string
	err := db.QueryRowContext(ctx, q, planID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan: %w", err)
	}

	var spec domain.PlanSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", planID, err)
	}
	return &spec, nil
}

// Delete removes a plan. Deleting an unknown plan returns ErrPlanNotFound.
func (r *PlanRepo) Delete(ctx context.Context, db *sql.DB, planID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM plans WHERE plan_id = ?`, planID)
	if err != nil {
		return fmt.Errorf("delete plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrPlanNotFound
	}
	return nil
}

// List returns summaries of all stored plans ordered by plan ID.
func (r *PlanRepo) List(ctx context.Context, db *sql.DB) ([]PlanSummary, error) {
	const q = `SELECT plan_id, description, checksum, maneuver_count, updated_at_unix
FROM plans ORDER BY plan_id ASC`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []PlanSummary
	for rows.Next() {
		var p PlanSummary
		if err := rows.Scan(&p.PlanID, &p.Description, &p.Checksum, &p.ManeuverCount, &p.UpdatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
