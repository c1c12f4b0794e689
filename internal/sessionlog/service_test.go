package sessionlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"voicebridge/internal/session"
)

func TestRecordTransitionStampsEntry(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return fixed })

	svc.RecordTransition(context.Background(), "c1", "room-c1", session.StateMatching, session.StateRoomPending, "")

	entries := repo.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Fatal("expected generated id")
	}
	if e.From != session.StateMatching || e.To != session.StateRoomPending {
		t.Fatalf("unexpected states: %+v", e)
	}
	if !e.CreatedAt.Equal(fixed) {
		t.Fatalf("expected clock time, got %v", e.CreatedAt)
	}
}

func TestRecordTransitionDropsInvalid(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	svc.RecordTransition(context.Background(), "", "", session.StateArrived, session.StateMatching, "")
	if len(repo.Entries()) != 0 {
		t.Fatal("entry without call id must be dropped")
	}
}

type failingRepo struct{}

func (failingRepo) Append(ctx context.Context, e Entry) error { return errors.New("db down") }
func (failingRepo) ListByCall(ctx context.Context, callID string) ([]Entry, error) {
	return nil, errors.New("db down")
}

func TestRecordTransitionSwallowsRepoErrors(t *testing.T) {
	svc := NewService(failingRepo{}, nil)
	// Must not panic or propagate.
	svc.RecordTransition(context.Background(), "c1", "", session.StateActive, session.StateEnding, session.ReasonNormalHangup)
}

func TestHistoryFiltersByCall(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	svc.RecordTransition(ctx, "c1", "", session.StateArrived, session.StateMatching, "")
	svc.RecordTransition(ctx, "c2", "", session.StateArrived, session.StateMatching, "")
	svc.RecordTransition(ctx, "c1", "room-c1", session.StateMatching, session.StateRoomPending, "")

	got, err := svc.History(ctx, "c1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for c1, got %d", len(got))
	}
}
