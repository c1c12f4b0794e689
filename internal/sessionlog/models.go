package sessionlog

import (
	"time"

	"voicebridge/internal/session"
)

// Entry is an immutable, append-only record of one session state change.
//
// Invariants:
// - Entries are never updated or deleted.
// - Recording is best-effort; session progress must never block on it.
//
// Storage recommendation (Postgres):
// - Table session_transitions with an INSERT-only policy.
// - Optional: partition by time for retention.

type Entry struct {
	ID       string `json:"id" db:"id"`
	CallID   string `json:"call_id" db:"call_id"`
	RoomName string `json:"room_name,omitempty" db:"room_name"`

	From session.State `json:"from_state" db:"from_state"`
	To   session.State `json:"to_state" db:"to_state"`

	// Reason is set on terminal transitions and on ENDING.
	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
