package dispatch

import "strings"

// Action is what a matched rule does with the call.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Rule maps trunk/caller/callee patterns to a room template and agent
// profile. Rules are immutable once loaded; file order is priority order.
//
// Empty match lists are wildcards. A populated list must be satisfied for the
// rule to match.
type Rule struct {
	Name string `yaml:"name"`

	TrunkIDs       []string `yaml:"trunk_ids,omitempty"`
	CallerPrefixes []string `yaml:"caller_prefixes,omitempty"`
	CalleeNumbers  []string `yaml:"callee_numbers,omitempty"`
	CalleePrefixes []string `yaml:"callee_prefixes,omitempty"`

	Action Action `yaml:"action"`

	// RoomTemplate must contain the {callID} placeholder so room names are
	// unique per call even for identical caller/callee pairs.
	RoomTemplate string `yaml:"room_template,omitempty"`
	AgentProfile string `yaml:"agent_profile,omitempty"`

	// RejectReason overrides the default reason code for reject rules.
	RejectReason string `yaml:"reject_reason,omitempty"`
}

// RoomTemplatePlaceholder is substituted with the trunk-assigned call id.
const RoomTemplatePlaceholder = "{callID}"

func (r Rule) matches(trunkID, callerID, calleeID string) bool {
	if len(r.TrunkIDs) > 0 && !containsExact(r.TrunkIDs, trunkID) {
		return false
	}
	if len(r.CallerPrefixes) > 0 && !matchesPrefix(r.CallerPrefixes, callerID) {
		return false
	}
	if len(r.CalleeNumbers) > 0 && !containsExact(r.CalleeNumbers, calleeID) {
		return false
	}
	if len(r.CalleePrefixes) > 0 && !matchesPrefix(r.CalleePrefixes, calleeID) {
		return false
	}
	return true
}

func containsExact(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func matchesPrefix(prefixes []string, v string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}
