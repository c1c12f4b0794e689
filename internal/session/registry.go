package session

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

var (
	ErrDuplicateCall     = errors.New("session: duplicate call")
	ErrNotFound          = errors.New("session: not found")
	ErrInvalidTransition = errors.New("session: invalid transition")
	ErrRoomInUse         = errors.New("session: room already in use")
	ErrAgentBound        = errors.New("session: agent already bound")
)

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

type roomShard struct {
	mu     sync.Mutex
	byName map[string]string // room name -> call id
}

// Registry is the single source of truth for live call sessions.
//
// Invariants enforced here:
// - exactly one CallSession per call id (concurrent creates: one winner)
// - a room name maps to at most one active session
// - the agent handle is bound at most once
// - state changes follow the fixed transition table
//
// Locking is per shard so unrelated calls never serialize on one mutex.
type Registry struct {
	shards [shardCount]shard
	rooms  [shardCount]roomShard

	grace time.Duration
	clock func() time.Time

	hookMu   sync.Mutex
	onRemove func(callID string)
}

// NewRegistry builds a registry retaining terminal sessions for grace before
// the sweeper removes them (late duplicate events are recognized meanwhile).
func NewRegistry(grace time.Duration) *Registry {
	r := &Registry{grace: grace, clock: time.Now}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*CallSession)
	}
	for i := range r.rooms {
		r.rooms[i].byName = make(map[string]string)
	}
	return r
}

// SetClock injects a clock for deterministic tests.
func (r *Registry) SetClock(clock func() time.Time) { r.clock = clock }

// SetRemoveHook registers a callback invoked after a session is removed.
// The event dispatcher uses it to drop the call's mailbox.
func (r *Registry) SetRemoveHook(fn func(callID string)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onRemove = fn
}

func (r *Registry) shardFor(key string) *shard {
	return &r.shards[shardIndex(key)]
}

func (r *Registry) roomShardFor(key string) *roomShard {
	return &r.rooms[shardIndex(key)]
}

func shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// CreateInput carries the trunk-provided identity of a new call.
type CreateInput struct {
	CallID   string
	TrunkID  string
	CallerID string
	CalleeID string
}

// Create registers a new session in ARRIVED. Two simultaneous creates for the
// same call id result in exactly one success and one ErrDuplicateCall.
func (r *Registry) Create(in CreateInput) (CallSession, error) {
	if in.CallID == "" {
		return CallSession{}, ErrNotFound
	}
	now := r.clock().UTC()

	sh := r.shardFor(in.CallID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.sessions[in.CallID]; exists {
		return CallSession{}, ErrDuplicateCall
	}
	s := &CallSession{
		CallID:    in.CallID,
		TrunkID:   in.TrunkID,
		CallerID:  in.CallerID,
		CalleeID:  in.CalleeID,
		State:     StateArrived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sh.sessions[in.CallID] = s
	return *s, nil
}

// Get returns a copy of the session for callID.
func (r *Registry) Get(callID string) (CallSession, error) {
	sh := r.shardFor(callID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	s, ok := sh.sessions[callID]
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return *s, nil
}

// GetByRoom resolves a room name to its owning session.
func (r *Registry) GetByRoom(roomName string) (CallSession, error) {
	rs := r.roomShardFor(roomName)
	rs.mu.Lock()
	callID, ok := rs.byName[roomName]
	rs.mu.Unlock()
	if !ok {
		return CallSession{}, ErrNotFound
	}
	return r.Get(callID)
}

// Transition moves the session to a new state, enforcing the transition
// table. Illegal transitions fail without mutating state. reason is recorded
// when non-empty (terminal transitions should always carry one).
func (r *Registry) Transition(callID string, to State, reason string) (from State, out CallSession, err error) {
	now := r.clock().UTC()

	sh := r.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[callID]
	if !ok {
		return "", CallSession{}, ErrNotFound
	}
	if !CanTransition(s.State, to) {
		return s.State, *s, ErrInvalidTransition
	}

	from = s.State
	s.State = to
	s.UpdatedAt = now
	if reason != "" {
		s.Reason = reason
	}
	if to.Terminal() {
		s.EndedAt = now
	}
	return from, *s, nil
}

// BindMatch records the matched rule and claims the room name. The room claim
// is the serialization point for the one-active-session-per-room invariant.
func (r *Registry) BindMatch(callID, ruleName, roomName, agentProfile string) error {
	if roomName == "" {
		return ErrNotFound
	}

	rs := r.roomShardFor(roomName)
	rs.mu.Lock()
	if owner, taken := rs.byName[roomName]; taken && owner != callID {
		rs.mu.Unlock()
		return ErrRoomInUse
	}
	rs.byName[roomName] = callID
	rs.mu.Unlock()

	sh := r.shardFor(callID)
	sh.mu.Lock()
	s, ok := sh.sessions[callID]
	if !ok {
		sh.mu.Unlock()
		r.releaseRoom(roomName, callID)
		return ErrNotFound
	}
	s.RuleName = ruleName
	s.RoomName = roomName
	s.AgentProfile = agentProfile
	s.UpdatedAt = r.clock().UTC()
	sh.mu.Unlock()
	return nil
}

// BindAgent records the agent handle id. Once assigned it is never
// reassigned; a second bind fails.
func (r *Registry) BindAgent(callID, agentID string) error {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s, ok := sh.sessions[callID]
	if !ok {
		return ErrNotFound
	}
	if s.AgentID != "" {
		return ErrAgentBound
	}
	s.AgentID = agentID
	s.UpdatedAt = r.clock().UTC()
	return nil
}

// Remove deletes the session and releases its room claim. The remove hook
// fires after the session is gone.
func (r *Registry) Remove(callID string) {
	sh := r.shardFor(callID)
	sh.mu.Lock()
	s, ok := sh.sessions[callID]
	var roomName string
	if ok {
		roomName = s.RoomName
		delete(sh.sessions, callID)
	}
	sh.mu.Unlock()

	if !ok {
		return
	}
	if roomName != "" {
		r.releaseRoom(roomName, callID)
	}

	r.hookMu.Lock()
	hook := r.onRemove
	r.hookMu.Unlock()
	if hook != nil {
		hook(callID)
	}
}

func (r *Registry) releaseRoom(roomName, callID string) {
	rs := r.roomShardFor(roomName)
	rs.mu.Lock()
	if owner, ok := rs.byName[roomName]; ok && owner == callID {
		delete(rs.byName, roomName)
	}
	rs.mu.Unlock()
}

// List snapshots all sessions (operator API).
func (r *Registry) List() []CallSession {
	var out []CallSession
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, *s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// StartSweeper runs the terminal-session sweeper until ctx is canceled.
// Terminal sessions older than the grace period are removed.
func (r *Registry) StartSweeper(ctx context.Context) {
	interval := r.grace / 2
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.SweepOnce()
			}
		}
	}()
}

// SweepOnce removes terminal sessions whose grace period has elapsed.
// Exposed for tests; production use goes through StartSweeper.
func (r *Registry) SweepOnce() int {
	cutoff := r.clock().UTC().Add(-r.grace)

	var expired []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id, s := range sh.sessions {
			if s.State.Terminal() && !s.EndedAt.IsZero() && s.EndedAt.Before(cutoff) {
				expired = append(expired, id)
			}
		}
		sh.mu.RUnlock()
	}

	for _, id := range expired {
		r.Remove(id)
	}
	return len(expired)
}
