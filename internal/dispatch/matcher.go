package dispatch

import "strings"

// Reason codes for reject outcomes.
const (
	ReasonMalformedRequest = "MALFORMED_REQUEST"
	ReasonNoMatchingRule   = "NO_MATCHING_RULE"
)

// Outcome is the provider-agnostic result of evaluating the rule set for one
// inbound call. It carries only what the orchestrator needs to act.
type Outcome struct {
	Action   Action `json:"action"`
	RuleName string `json:"rule_name,omitempty"`

	// RoomName and AgentProfile are set for accept outcomes.
	RoomName     string `json:"room_name,omitempty"`
	AgentProfile string `json:"agent_profile,omitempty"`

	// Reason is set for reject outcomes (reason code for logs and the trunk).
	Reason string `json:"reason,omitempty"`
}

// Matcher evaluates dispatch rules for inbound calls.
//
// Evaluation is pure and deterministic: rules are checked in list order and
// the first satisfied rule wins. No match means reject (default policy).
type Matcher struct {
	rules []Rule
}

func NewMatcher(rules []Rule) *Matcher {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return &Matcher{rules: out}
}

// Match resolves an inbound call to a dispatch outcome. callID is substituted
// into the matched rule's room template so the room name is unique per call.
func (m *Matcher) Match(trunkID, callerID, calleeID, callID string) Outcome {
	if trunkID == "" || callerID == "" || calleeID == "" || callID == "" {
		return Outcome{Action: ActionReject, Reason: ReasonMalformedRequest}
	}

	for _, r := range m.rules {
		if !r.matches(trunkID, callerID, calleeID) {
			continue
		}
		if r.Action == ActionReject {
			reason := r.RejectReason
			if reason == "" {
				reason = ReasonNoMatchingRule
			}
			return Outcome{Action: ActionReject, RuleName: r.Name, Reason: reason}
		}
		return Outcome{
			Action:       ActionAccept,
			RuleName:     r.Name,
			RoomName:     strings.ReplaceAll(r.RoomTemplate, RoomTemplatePlaceholder, callID),
			AgentProfile: r.AgentProfile,
		}
	}

	return Outcome{Action: ActionReject, Reason: ReasonNoMatchingRule}
}

// Rules returns a copy of the loaded rule set (for the operator API).
func (m *Matcher) Rules() []Rule {
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}
