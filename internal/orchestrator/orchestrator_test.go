package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/agent"
	"voicebridge/internal/cdr"
	"voicebridge/internal/dispatch"
	"voicebridge/internal/events"
	"voicebridge/internal/room"
	"voicebridge/internal/session"
	"voicebridge/internal/sessionlog"
	"voicebridge/internal/trunk"
)

type fakeTrunk struct {
	mu       sync.Mutex
	answered []string
	rejected map[string]string
	hangups  []string
}

func newFakeTrunk() *fakeTrunk {
	return &fakeTrunk{rejected: make(map[string]string)}
}

func (f *fakeTrunk) Answer(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, callID)
	return nil
}

func (f *fakeTrunk) Reject(ctx context.Context, callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected[callID] = reason
	return nil
}

func (f *fakeTrunk) Hangup(ctx context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, callID)
	return nil
}

func (f *fakeTrunk) hangupCount(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.hangups {
		if id == callID {
			n++
		}
	}
	return n
}

type fakeRunner struct {
	mu    sync.Mutex
	procs map[string]*fakeProcess
}

type fakeProcess struct {
	ready chan struct{}
	done  chan struct{}

	mu      sync.Mutex
	exitErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{procs: make(map[string]*fakeProcess)}
}

func (r *fakeRunner) Start(ctx context.Context, spec agent.StartSpec) (agent.Process, error) {
	p := &fakeProcess{ready: make(chan struct{}), done: make(chan struct{})}
	r.mu.Lock()
	r.procs[spec.RoomName] = p
	r.mu.Unlock()
	return p, nil
}

func (r *fakeRunner) proc(t *testing.T, roomName string) *fakeProcess {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		p := r.procs[roomName]
		r.mu.Unlock()
		if p != nil {
			return p
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no worker launched for %s", roomName)
	return nil
}

func (p *fakeProcess) Ready() <-chan struct{} { return p.ready }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitErr = err
	close(p.done)
}

type denyLimiter struct{}

func (denyLimiter) Acquire(ctx context.Context, trunkID string) (bool, error) { return false, nil }
func (denyLimiter) Release(ctx context.Context, trunkID string)               {}

type harness struct {
	registry   *session.Registry
	dispatcher *events.Dispatcher
	orch       *Orchestrator
	trunk      *fakeTrunk
	rooms      *room.MemoryService
	runner     *fakeRunner
	cdrs       *cdr.MemoryRepo
	translog   *sessionlog.MemoryRepo
}

func testRules() []dispatch.Rule {
	return []dispatch.Rule{
		{
			Name:           "blocked",
			CallerPrefixes: []string{"+1900"},
			Action:         dispatch.ActionReject,
			RejectReason:   "PREMIUM_BLOCKED",
		},
		{
			Name:         "support",
			TrunkIDs:     []string{"trunk-a"},
			Action:       dispatch.ActionAccept,
			RoomTemplate: "room-{callID}",
			AgentProfile: "receptionist",
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	log := quietLogger()

	h := &harness{
		registry: session.NewRegistry(time.Hour),
		trunk:    newFakeTrunk(),
		rooms:    room.NewMemoryService(),
		runner:   newFakeRunner(),
		cdrs:     cdr.NewMemoryRepo(),
		translog: sessionlog.NewMemoryRepo(),
	}

	deps := Deps{
		Registry: h.registry,
		Matcher:  dispatch.NewMatcher(testRules()),
		Rooms:    h.rooms,
		Trunk:    h.trunk,
		Translog: sessionlog.NewService(h.translog, log),
		Records:  cdr.NewService(h.cdrs, log),
		Timeouts: Timeouts{
			RoomCreate: 150 * time.Millisecond,
			AgentReady: 150 * time.Millisecond,
			Teardown:   150 * time.Millisecond,
		},
		Log: log,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h.orch = New(deps)
	h.dispatcher = events.NewDispatcher(h.orch, h.registry, log)
	h.orch.Bind(h.dispatcher)
	h.registry.SetRemoveHook(h.dispatcher.Release)

	sup := agent.NewSupervisor(h.runner, func(n agent.Notification) {
		h.dispatcher.Deliver(context.Background(), events.FromAgentNotification(n))
	}, log)
	h.orch.agents = sup

	return h
}

func (h *harness) invite(callID string) {
	h.dispatcher.Deliver(context.Background(), events.Invite(callID, "trunk-a", "+15550001", "+15559999"))
}

func (h *harness) waitState(t *testing.T, callID string, want session.State) session.CallSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last session.CallSession
	for time.Now().Before(deadline) {
		sess, err := h.registry.Get(callID)
		if err == nil {
			last = sess
			if sess.State == want {
				return sess
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s, last seen %+v", callID, want, last)
	return session.CallSession{}
}

func (p *fakeProcess) signalReady() { close(p.ready) }

func TestHappyPathInviteToEnded(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)

	if !h.rooms.Exists("room-c1") {
		t.Fatal("room must exist before the agent starts")
	}

	h.runner.proc(t, "room-c1").signalReady()
	sess := h.waitState(t, "c1", session.StateActive)
	if sess.AgentID == "" || sess.RuleName != "support" {
		t.Fatalf("unexpected active session: %+v", sess)
	}

	h.dispatcher.Deliver(context.Background(), events.Hangup("c1", "caller hangup"))
	sess = h.waitState(t, "c1", session.StateEnded)
	if sess.Reason != session.ReasonNormalHangup {
		t.Fatalf("expected NORMAL_HANGUP, got %q", sess.Reason)
	}

	if len(h.trunk.answered) != 1 || h.trunk.answered[0] != "c1" {
		t.Fatalf("expected exactly one answer, got %v", h.trunk.answered)
	}
	if h.trunk.hangupCount("c1") != 0 {
		t.Fatal("caller hung up first; no hangup back toward the trunk")
	}

	waitFor(t, func() bool { return !h.rooms.Exists("room-c1") })
	waitFor(t, func() bool {
		records, _ := h.cdrs.List(context.Background(), 0)
		return len(records) == 1 && records[0].FinalState == session.StateEnded
	})
}

func TestNoMatchingRuleRejects(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.Deliver(context.Background(), events.Invite("c1", "trunk-unknown", "+15550001", "+15559999"))
	sess := h.waitState(t, "c1", session.StateRejected)
	if sess.Reason != dispatch.ReasonNoMatchingRule {
		t.Fatalf("expected NO_MATCHING_RULE, got %q", sess.Reason)
	}

	h.trunk.mu.Lock()
	reason := h.trunk.rejected["c1"]
	answered := len(h.trunk.answered)
	h.trunk.mu.Unlock()
	if reason != dispatch.ReasonNoMatchingRule {
		t.Fatalf("trunk not told to reject with reason, got %q", reason)
	}
	if answered != 0 {
		t.Fatal("rejected call must never be answered")
	}
	if h.rooms.Exists("room-c1") {
		t.Fatal("rejected call must not provision a room")
	}
}

func TestRejectRuleUsesItsReason(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.Deliver(context.Background(), events.Invite("c1", "trunk-a", "+19005551234", "+15559999"))
	sess := h.waitState(t, "c1", session.StateRejected)
	if sess.Reason != "PREMIUM_BLOCKED" {
		t.Fatalf("expected rule reject reason, got %q", sess.Reason)
	}
}

func TestMalformedInviteRejects(t *testing.T) {
	h := newHarness(t)

	h.dispatcher.Deliver(context.Background(), events.Invite("c1", "trunk-a", "", "+15559999"))
	sess := h.waitState(t, "c1", session.StateRejected)
	if sess.Reason != dispatch.ReasonMalformedRequest {
		t.Fatalf("expected MALFORMED_REQUEST, got %q", sess.Reason)
	}
}

func TestRoomCreateTimeoutFailsSession(t *testing.T) {
	h := newHarness(t)
	h.rooms.CreateDelay = make(chan struct{}) // never closes

	h.invite("c1")
	sess := h.waitState(t, "c1", session.StateFailed)
	if sess.Reason != session.ReasonRoomCreateTimeout {
		t.Fatalf("expected ROOM_CREATE_TIMEOUT, got %q", sess.Reason)
	}

	// Cleanup hangs up the already-answered leg exactly once.
	waitFor(t, func() bool { return h.trunk.hangupCount("c1") == 1 })
}

func TestAgentNeverReadyFailsSession(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	// Worker launches but never prints the ready marker.
	h.runner.proc(t, "room-c1")

	sess := h.waitState(t, "c1", session.StateFailed)
	if sess.Reason != session.ReasonAgentStartFailure {
		t.Fatalf("expected AGENT_START_FAILURE, got %q", sess.Reason)
	}
}

func TestAgentCrashEndsSession(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	proc := h.runner.proc(t, "room-c1")
	proc.signalReady()
	h.waitState(t, "c1", session.StateActive)

	proc.exit(crashErr{})
	sess := h.waitState(t, "c1", session.StateEnded)
	if sess.Reason != session.ReasonAgentCrash {
		t.Fatalf("expected AGENT_CRASH, got %q", sess.Reason)
	}
	waitFor(t, func() bool { return h.trunk.hangupCount("c1") == 1 })
}

func TestTeardownTimeoutStillEndsSession(t *testing.T) {
	h := newHarness(t)
	h.rooms.CloseDelay = make(chan struct{}) // wedged provider, never closes

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	h.runner.proc(t, "room-c1").signalReady()
	h.waitState(t, "c1", session.StateActive)

	h.dispatcher.Deliver(context.Background(), events.Hangup("c1", "caller hangup"))
	sess := h.waitState(t, "c1", session.StateEnded)
	if sess.Reason != session.ReasonTeardownTimeout {
		t.Fatalf("expected TEARDOWN_TIMEOUT, got %q", sess.Reason)
	}

	// The caller hung up first; the overrunning teardown must not grow a
	// second round of commands toward the trunk.
	if got := h.trunk.hangupCount("c1"); got != 0 {
		t.Fatalf("expected no trunk hangup, got %d", got)
	}
	// Best-effort: the room the provider never released stays behind.
	if !h.rooms.Exists("room-c1") {
		t.Fatal("wedged close should leave the room provisioned")
	}
	waitFor(t, func() bool {
		records, _ := h.cdrs.List(context.Background(), 0)
		return len(records) == 1 && records[0].FinalState == session.StateEnded
	})
}

type crashErr struct{}

func (crashErr) Error() string { return "exit status 137" }

func TestOperatorStop(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	h.runner.proc(t, "room-c1").signalReady()
	h.waitState(t, "c1", session.StateActive)

	if err := h.orch.Stop(context.Background(), "c1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	sess := h.waitState(t, "c1", session.StateEnded)
	if sess.Reason != session.ReasonOperatorStop {
		t.Fatalf("expected OPERATOR_STOP, got %q", sess.Reason)
	}
	waitFor(t, func() bool { return h.trunk.hangupCount("c1") == 1 })
}

func TestStopUnknownCall(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.Stop(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown call")
	}
}

func TestDuplicateHangupIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	h.runner.proc(t, "room-c1").signalReady()
	h.waitState(t, "c1", session.StateActive)

	ctx := context.Background()
	h.dispatcher.Deliver(ctx, events.Hangup("c1", "caller hangup"))
	h.dispatcher.Deliver(ctx, events.Hangup("c1", "caller hangup"))
	h.dispatcher.Deliver(ctx, events.Hangup("c1", "caller hangup"))

	h.waitState(t, "c1", session.StateEnded)
	waitFor(t, func() bool {
		records, _ := h.cdrs.List(ctx, 0)
		return len(records) == 1
	})
}

func TestTrunkBusyRejects(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Limiter = denyLimiter{} })

	h.invite("c1")
	sess := h.waitState(t, "c1", session.StateRejected)
	if sess.Reason != session.ReasonTrunkBusy {
		t.Fatalf("expected TRUNK_BUSY, got %q", sess.Reason)
	}
}

func TestDuplicateInviteDropped(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)

	if len(h.registry.List()) != 1 {
		t.Fatalf("expected a single session, got %d", len(h.registry.List()))
	}
	h.trunk.mu.Lock()
	answered := len(h.trunk.answered)
	h.trunk.mu.Unlock()
	if answered != 1 {
		t.Fatalf("retransmitted invite must not answer twice, got %d", answered)
	}
}

func TestTransitionHistoryRecorded(t *testing.T) {
	h := newHarness(t)

	h.invite("c1")
	h.waitState(t, "c1", session.StateAgentStarting)
	h.runner.proc(t, "room-c1").signalReady()
	h.waitState(t, "c1", session.StateActive)
	h.dispatcher.Deliver(context.Background(), events.Hangup("c1", "caller hangup"))
	h.waitState(t, "c1", session.StateEnded)

	waitFor(t, func() bool {
		entries, _ := h.translog.ListByCall(context.Background(), "c1")
		return len(entries) >= 5
	})
	entries, _ := h.translog.ListByCall(context.Background(), "c1")
	if entries[0].To != session.StateMatching {
		t.Fatalf("first recorded transition should enter MATCHING, got %s", entries[0].To)
	}
	last := entries[len(entries)-1]
	if last.To != session.StateEnded {
		t.Fatalf("last recorded transition should enter ENDED, got %s", last.To)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

var _ trunk.Commander = (*fakeTrunk)(nil)
