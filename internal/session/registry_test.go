package session

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestRegistry() *Registry {
	return NewRegistry(time.Minute)
}

func mustCreate(t *testing.T, r *Registry, callID string) CallSession {
	t.Helper()
	s, err := r.Create(CreateInput{CallID: callID, TrunkID: "t1", CallerID: "+1555", CalleeID: "+1800"})
	if err != nil {
		t.Fatalf("create %s: %v", callID, err)
	}
	return s
}

func TestCreate_ConcurrentDuplicates_ExactlyOneWins(t *testing.T) {
	r := newTestRegistry()

	const attempts = 64
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Create(CreateInput{CallID: "c1", TrunkID: "t1", CallerID: "+1", CalleeID: "+2"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDuplicateCall):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || dup != attempts-1 {
		t.Fatalf("expected exactly one success, got %d successes and %d duplicates", ok, dup)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one session, got %d", r.Len())
	}
}

func TestTransition_IllegalDoesNotMutate(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "c1")

	if _, _, err := r.Transition("c1", StateActive, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, err := r.Get("c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateArrived {
		t.Fatalf("state mutated by illegal transition: %s", got.State)
	}

	from, out, err := r.Transition("c1", StateMatching, "")
	if err != nil {
		t.Fatalf("legal transition failed: %v", err)
	}
	if from != StateArrived || out.State != StateMatching {
		t.Fatalf("unexpected transition result: from=%s state=%s", from, out.State)
	}
}

func TestTransition_TerminalRecordsReasonAndEndedAt(t *testing.T) {
	r := newTestRegistry()
	now := time.Unix(1700000000, 0).UTC()
	r.SetClock(func() time.Time { return now })
	mustCreate(t, r, "c1")

	if _, _, err := r.Transition("c1", StateMatching, ""); err != nil {
		t.Fatal(err)
	}
	_, out, err := r.Transition("c1", StateRejected, ReasonTrunkBusy)
	if err != nil {
		t.Fatal(err)
	}
	if out.Reason != ReasonTrunkBusy {
		t.Fatalf("expected reason, got %q", out.Reason)
	}
	if !out.EndedAt.Equal(now) {
		t.Fatalf("expected ended_at %v, got %v", now, out.EndedAt)
	}

	if _, _, err := r.Transition("c1", StateEnded, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal state to be final, got %v", err)
	}
}

func TestTransition_UnknownCall(t *testing.T) {
	r := newTestRegistry()
	if _, _, err := r.Transition("ghost", StateMatching, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBindMatch_RoomConflict(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "c1")
	mustCreate(t, r, "c2")

	if err := r.BindMatch("c1", "r", "room-x", "p"); err != nil {
		t.Fatalf("bind c1: %v", err)
	}
	if err := r.BindMatch("c2", "r", "room-x", "p"); !errors.Is(err, ErrRoomInUse) {
		t.Fatalf("expected room in use, got %v", err)
	}

	got, err := r.GetByRoom("room-x")
	if err != nil || got.CallID != "c1" {
		t.Fatalf("expected room lookup to resolve c1, got %+v err=%v", got, err)
	}
}

func TestBindAgent_OnceOnly(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "c1")

	if err := r.BindAgent("c1", "agent-1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := r.BindAgent("c1", "agent-2"); !errors.Is(err, ErrAgentBound) {
		t.Fatalf("expected agent already bound, got %v", err)
	}
	got, _ := r.Get("c1")
	if got.AgentID != "agent-1" {
		t.Fatalf("agent id overwritten: %q", got.AgentID)
	}
}

func TestRemove_ReleasesRoomAndFiresHook(t *testing.T) {
	r := newTestRegistry()
	mustCreate(t, r, "c1")
	if err := r.BindMatch("c1", "r", "room-1", "p"); err != nil {
		t.Fatal(err)
	}

	var hooked []string
	r.SetRemoveHook(func(callID string) { hooked = append(hooked, callID) })

	r.Remove("c1")
	if _, err := r.Get("c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected removed session to be gone, got %v", err)
	}
	if _, err := r.GetByRoom("room-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected room claim released")
	}
	if len(hooked) != 1 || hooked[0] != "c1" {
		t.Fatalf("expected hook for c1, got %v", hooked)
	}

	// Room is reusable after release.
	mustCreate(t, r, "c2")
	if err := r.BindMatch("c2", "r", "room-1", "p"); err != nil {
		t.Fatalf("expected room reusable, got %v", err)
	}
}

func TestSweepOnce_RemovesOnlyExpiredTerminals(t *testing.T) {
	r := NewRegistry(30 * time.Second)
	now := time.Unix(1700000000, 0).UTC()
	r.SetClock(func() time.Time { return now })

	mustCreate(t, r, "live")

	mustCreate(t, r, "done")
	if _, _, err := r.Transition("done", StateMatching, ""); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Transition("done", StateRejected, ReasonNormalHangup); err != nil {
		t.Fatal(err)
	}

	// Inside the grace period: nothing removed.
	if n := r.SweepOnce(); n != 0 {
		t.Fatalf("expected no sweep inside grace, removed %d", n)
	}

	// Past grace: only the terminal session goes.
	now = now.Add(time.Minute)
	if n := r.SweepOnce(); n != 1 {
		t.Fatalf("expected one removal, got %d", n)
	}
	if _, err := r.Get("live"); err != nil {
		t.Fatalf("live session should survive sweep: %v", err)
	}
	if _, err := r.Get("done"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("terminal session should be swept")
	}
}

func TestParallelSessionsIndependent(t *testing.T) {
	r := newTestRegistry()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "call-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
			if _, err := r.Create(CreateInput{CallID: id, TrunkID: "t", CallerID: "+1", CalleeID: "+2"}); err != nil {
				t.Errorf("create %s: %v", id, err)
				return
			}
			if _, _, err := r.Transition(id, StateMatching, ""); err != nil {
				t.Errorf("transition %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != n {
		t.Fatalf("expected %d sessions, got %d", n, r.Len())
	}
}
