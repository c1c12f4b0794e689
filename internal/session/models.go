package session

import "time"

// State is the lifecycle phase of one call session. Transitions are
// monotonic forward; terminal states are final.
type State string

const (
	StateArrived       State = "ARRIVED"
	StateMatching      State = "MATCHING"
	StateRoomPending   State = "ROOM_PENDING"
	StateAgentStarting State = "AGENT_STARTING"
	StateActive        State = "ACTIVE"
	StateEnding        State = "ENDING"
	StateEnded         State = "ENDED"
	StateRejected      State = "REJECTED"
	StateFailed        State = "FAILED"
)

// Terminal reports whether a session in this state is finished.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateFailed:
		return true
	default:
		return false
	}
}

// transitions is the fixed forward-only transition table. FAILED is reachable
// from every non-terminal state so unrecoverable internal errors always have
// an exit.
var transitions = map[State]map[State]bool{
	StateArrived: {
		StateMatching: true,
		StateFailed:   true,
	},
	StateMatching: {
		StateRoomPending: true,
		StateRejected:    true,
		StateFailed:      true,
	},
	StateRoomPending: {
		StateAgentStarting: true,
		StateEnding:        true, // caller abandoned while the room was pending
		StateFailed:        true,
	},
	StateAgentStarting: {
		StateActive: true,
		StateEnding: true,
		StateFailed: true,
	},
	StateActive: {
		StateEnding: true,
		StateFailed: true,
	},
	StateEnding: {
		StateEnded:  true,
		StateFailed: true,
	},
	StateEnded:    {},
	StateRejected: {},
	StateFailed:   {},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// Termination reason codes. Every terminal session carries one.
const (
	ReasonNormalHangup      = "NORMAL_HANGUP"
	ReasonOperatorStop      = "OPERATOR_STOP"
	ReasonTrunkBusy         = "TRUNK_BUSY"
	ReasonRoomCreateTimeout = "ROOM_CREATE_TIMEOUT"
	ReasonRoomCreateFailed  = "ROOM_CREATE_FAILED"
	ReasonAgentStartFailure = "AGENT_START_FAILURE"
	ReasonAgentCrash        = "AGENT_CRASH"
	ReasonTeardownTimeout   = "TEARDOWN_TIMEOUT"
	ReasonInternalError     = "INTERNAL_ERROR"
)

// CallSession is the orchestrator's tracked lifecycle object for one call.
//
// Ownership: the Registry owns every CallSession; callers receive copies and
// mutate only through Registry methods. The call id is assigned by the trunk
// and unique for the session's lifetime.
type CallSession struct {
	CallID   string `json:"call_id"`
	TrunkID  string `json:"trunk_id"`
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`

	// Set once the dispatch rule is matched.
	RuleName     string `json:"rule_name,omitempty"`
	RoomName     string `json:"room_name,omitempty"`
	AgentProfile string `json:"agent_profile,omitempty"`

	// AgentID is bound at most once; a failed agent terminates the session
	// rather than being replaced.
	AgentID string `json:"agent_id,omitempty"`

	State State `json:"state"`

	// Reason is the termination reason code once the session is terminal.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
