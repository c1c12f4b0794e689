package cdr

import (
	"time"

	"voicebridge/internal/session"
)

// Record is the call detail record written once per session at termination.
//
// Rules:
// - Exactly one record per call id; late duplicates are ignored.
// - DurationSeconds counts answered time only (zero for rejected and
//   never-answered calls).

type Record struct {
	CallID   string `json:"call_id" db:"call_id"`
	TrunkID  string `json:"trunk_id" db:"trunk_id"`
	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	RuleName     string `json:"rule_name,omitempty" db:"rule_name"`
	RoomName     string `json:"room_name,omitempty" db:"room_name"`
	AgentProfile string `json:"agent_profile,omitempty" db:"agent_profile"`

	FinalState session.State `json:"final_state" db:"final_state"`
	Reason     string        `json:"reason" db:"reason"`

	StartedAt       time.Time `json:"started_at" db:"started_at"`
	EndedAt         time.Time `json:"ended_at" db:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds" db:"duration_seconds"`
}

// Summary aggregates records for the operator API.
type Summary struct {
	Total        int64            `json:"total"`
	ByFinalState map[string]int64 `json:"by_final_state"`
	ByReason     map[string]int64 `json:"by_reason"`
	TotalSeconds int64            `json:"total_seconds"`
}
