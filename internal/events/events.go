package events

import (
	"time"

	"github.com/google/uuid"

	"voicebridge/internal/agent"
	"voicebridge/internal/session"
)

// Kind identifies what happened. Telephony kinds carry a call id directly;
// room and agent kinds are addressed by room name and resolved to a call by
// the dispatcher.
type Kind string

const (
	KindCallInvite       Kind = "call.invite"
	KindCallAnswered     Kind = "call.answered"
	KindCallHangup       Kind = "call.hangup"
	KindRoomCreated      Kind = "room.created"
	KindRoomCreateFailed Kind = "room.create_failed"
	KindRoomClosed       Kind = "room.closed"
	KindAgentReady       Kind = "agent.ready"
	KindAgentFailed      Kind = "agent.failed"
	KindAgentExited      Kind = "agent.exited"
	KindStopRequested    Kind = "stop.requested"
	KindDeadline         Kind = "deadline"
	KindTeardownDone     Kind = "teardown.done"
)

// Event is one fact about a call, delivered to the owning session in arrival
// order. Exactly one of CallID / RoomName must be set for routing.
type Event struct {
	ID       string
	Kind     Kind
	CallID   string
	RoomName string

	// Telephony identities, present on call.invite only.
	TrunkID  string
	CallerID string
	CalleeID string

	// Free-form detail: SIP reason, worker exit status, operator note.
	Reason string

	// DeadlineState names the state a deadline event was armed against.
	// The event is stale if the session has since moved on.
	DeadlineState session.State

	OccurredAt time.Time
}

// New stamps an event with identity and time.
func New(kind Kind) Event {
	return Event{ID: uuid.NewString(), Kind: kind, OccurredAt: time.Now().UTC()}
}

// Invite builds the arrival event for a new call.
func Invite(callID, trunkID, callerID, calleeID string) Event {
	e := New(KindCallInvite)
	e.CallID = callID
	e.TrunkID = trunkID
	e.CallerID = callerID
	e.CalleeID = calleeID
	return e
}

// Hangup builds the caller-side termination event.
func Hangup(callID, reason string) Event {
	e := New(KindCallHangup)
	e.CallID = callID
	e.Reason = reason
	return e
}

// Deadline builds a self-delivered timer event armed against state. It rides
// the same per-call queue as external events, so a deadline can never
// overtake the event that would have defused it.
func Deadline(callID string, armed session.State, reason string) Event {
	e := New(KindDeadline)
	e.CallID = callID
	e.DeadlineState = armed
	e.Reason = reason
	return e
}

// FromAgentNotification translates a supervisor notification into an event
// addressed by room name.
func FromAgentNotification(n agent.Notification) Event {
	var kind Kind
	switch n.Kind {
	case agent.NotifReady:
		kind = KindAgentReady
	case agent.NotifFailed:
		kind = KindAgentFailed
	default:
		kind = KindAgentExited
	}
	e := New(kind)
	e.RoomName = n.RoomName
	e.Reason = n.Detail
	return e
}
