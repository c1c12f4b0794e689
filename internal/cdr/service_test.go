package cdr

import (
	"context"
	"testing"
	"time"

	"voicebridge/internal/session"
)

func terminalSession(callID string, state session.State, reason string, talkTime time.Duration) session.CallSession {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	return session.CallSession{
		CallID:       callID,
		TrunkID:      "trunk-a",
		CallerID:     "+15550001",
		CalleeID:     "+15559999",
		RuleName:     "support",
		RoomName:     "room-" + callID,
		AgentProfile: "receptionist",
		State:        state,
		Reason:       reason,
		CreatedAt:    start,
		EndedAt:      start.Add(talkTime),
	}
}

func TestRecordTerminationEndedSessionHasDuration(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	svc.RecordTermination(context.Background(), terminalSession("c1", session.StateEnded, session.ReasonNormalHangup, 90*time.Second))

	records, err := repo.List(context.Background(), 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.FinalState != session.StateEnded || rec.Reason != session.ReasonNormalHangup {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.DurationSeconds != 90 {
		t.Fatalf("expected 90s duration, got %d", rec.DurationSeconds)
	}
}

func TestRecordTerminationRejectedHasZeroDuration(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	svc.RecordTermination(context.Background(), terminalSession("c1", session.StateRejected, "NO_MATCHING_RULE", 5*time.Second))

	records, _ := repo.List(context.Background(), 0)
	if records[0].DurationSeconds != 0 {
		t.Fatalf("rejected call must not accrue talk time, got %d", records[0].DurationSeconds)
	}
}

func TestRecordTerminationIgnoresNonTerminal(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	svc.RecordTermination(context.Background(), terminalSession("c1", session.StateActive, "", time.Minute))

	records, _ := repo.List(context.Background(), 0)
	if len(records) != 0 {
		t.Fatal("non-terminal session must not produce a record")
	}
}

func TestRecordTerminationDuplicateIsDropped(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	svc.RecordTermination(ctx, terminalSession("c1", session.StateEnded, session.ReasonNormalHangup, time.Minute))
	svc.RecordTermination(ctx, terminalSession("c1", session.StateFailed, session.ReasonAgentCrash, time.Minute))

	records, _ := repo.List(ctx, 0)
	if len(records) != 1 {
		t.Fatalf("expected 1 record after duplicate, got %d", len(records))
	}
	if records[0].FinalState != session.StateEnded {
		t.Fatal("first record must win")
	}
}

func TestSummarize(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	svc.RecordTermination(ctx, terminalSession("c1", session.StateEnded, session.ReasonNormalHangup, 60*time.Second))
	svc.RecordTermination(ctx, terminalSession("c2", session.StateEnded, session.ReasonOperatorStop, 30*time.Second))
	svc.RecordTermination(ctx, terminalSession("c3", session.StateFailed, session.ReasonAgentCrash, 10*time.Second))

	sum, err := svc.Summarize(ctx, 0)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if sum.Total != 3 {
		t.Fatalf("expected 3 records, got %d", sum.Total)
	}
	if sum.ByFinalState["ENDED"] != 2 || sum.ByFinalState["FAILED"] != 1 {
		t.Fatalf("unexpected state counts: %+v", sum.ByFinalState)
	}
	if sum.ByReason[session.ReasonAgentCrash] != 1 {
		t.Fatalf("unexpected reason counts: %+v", sum.ByReason)
	}
	if sum.TotalSeconds != 90 {
		t.Fatalf("expected 90 total seconds, got %d", sum.TotalSeconds)
	}
}
