package cdr

import (
	"context"
	"database/sql"
	"fmt"

	"voicebridge/internal/session"
	"voicebridge/pkg/utils"
)

// PostgresRepo persists records in the call_records table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// Insert writes one record. call_id is the primary key; a duplicate insert
// is a no-op so retried terminations stay idempotent.
func (r *PostgresRepo) Insert(ctx context.Context, rec Record) error {
	const q = `
		INSERT INTO call_records (
			call_id, trunk_id, caller_id, callee_id,
			rule_name, room_name, agent_profile,
			final_state, reason,
			started_at, ended_at, duration_seconds
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO NOTHING`

	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, q,
			rec.CallID, rec.TrunkID, rec.CallerID, rec.CalleeID,
			rec.RuleName, rec.RoomName, rec.AgentProfile,
			string(rec.FinalState), rec.Reason,
			rec.StartedAt, rec.EndedAt, rec.DurationSeconds); err != nil {
			return fmt.Errorf("cdr: insert record for %s: %w", rec.CallID, err)
		}
		return nil
	})
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
		SELECT call_id, trunk_id, caller_id, callee_id,
		       rule_name, room_name, agent_profile,
		       final_state, reason,
		       started_at, ended_at, duration_seconds
		FROM call_records
		ORDER BY ended_at DESC
		LIMIT $1`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("cdr: list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var finalState string
		if err := rows.Scan(
			&rec.CallID, &rec.TrunkID, &rec.CallerID, &rec.CalleeID,
			&rec.RuleName, &rec.RoomName, &rec.AgentProfile,
			&finalState, &rec.Reason,
			&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds); err != nil {
			return nil, fmt.Errorf("cdr: scan record: %w", err)
		}
		rec.FinalState = session.State(finalState)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cdr: iterate records: %w", err)
	}
	return out, nil
}
