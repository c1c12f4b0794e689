package sessionlog

import (
	"context"
	"database/sql"
	"fmt"

	"voicebridge/internal/session"
)

// PostgresRepo persists transition entries in the session_transitions table.
// The table is INSERT-only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO session_transitions (id, call_id, room_name, from_state, to_state, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := r.db.ExecContext(ctx, q,
		e.ID, e.CallID, e.RoomName, string(e.From), string(e.To), e.Reason, e.CreatedAt); err != nil {
		return fmt.Errorf("sessionlog: append entry for %s: %w", e.CallID, err)
	}
	return nil
}

func (r *PostgresRepo) ListByCall(ctx context.Context, callID string) ([]Entry, error) {
	const q = `
		SELECT id, call_id, room_name, from_state, to_state, reason, created_at
		FROM session_transitions
		WHERE call_id = $1
		ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, fmt.Errorf("sessionlog: list entries for %s: %w", callID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var from, to string
		if err := rows.Scan(&e.ID, &e.CallID, &e.RoomName, &from, &to, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sessionlog: scan entry: %w", err)
		}
		e.From = session.State(from)
		e.To = session.State(to)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sessionlog: iterate entries: %w", err)
	}
	return out, nil
}
