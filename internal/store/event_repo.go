package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// EventRepo handles persistence for the plan event journal.
type EventRepo struct{}

// Append inserts a journal entry and returns its sequence number. An empty
// ID is replaced with a fresh UUID.
func (r *EventRepo) Append(ctx context.Context, db *sql.DB, event domain.PlanEvent) (int64, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.PayloadJSON == "" {
		event.PayloadJSON = "{}"
	}
	const q = `INSERT INTO plan_events (event_id, kind, plan_id, state, info, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		event.ID,
		event.Kind,
		event.PlanID,
		event.State,
		event.Info,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event sequence: %w", err)
	}
	return seq, nil
}

// ListSince returns journal entries with sequence numbers greater than
// sinceSeq, ordered ascending. An empty planID matches every plan. A limit
// of zero or less returns all matching entries.
func (r *EventRepo) ListSince(ctx context.Context, db *sql.DB, planID string, sinceSeq int64, limit int) ([]domain.PlanEvent, error) {
	q := `SELECT seq_no, event_id, kind, plan_id, state, info, payload_json, created_at
FROM plan_events
WHERE seq_no > ? AND (? = '' OR plan_id = ?)
ORDER BY seq_no ASC`
	args := []any{sinceSeq, planID, planID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.PlanEvent
	for rows.Next() {
		var e domain.PlanEvent
		if err := rows.Scan(&e.SeqNo, &e.ID, &e.Kind, &e.PlanID, &e.State, &e.Info, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
