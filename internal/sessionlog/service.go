package sessionlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"voicebridge/internal/session"
)

// Repository is the persistence contract for transition entries.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.

type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByCall(ctx context.Context, callID string) ([]Entry, error)
}

var ErrInvalidEntry = errors.New("sessionlog: invalid entry")

// Service records session state changes.
//
// IMPORTANT:
// - Recording is best-effort. A failed append is logged and swallowed;
//   session progress never depends on it.

type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// RecordTransition appends one state change. Errors are logged, not
// returned.
func (s *Service) RecordTransition(ctx context.Context, callID, roomName string, from, to session.State, reason string) {
	if s.repo == nil {
		return
	}
	e := Entry{
		ID:        uuid.NewString(),
		CallID:    callID,
		RoomName:  roomName,
		From:      from,
		To:        to,
		Reason:    reason,
		CreatedAt: s.clock().UTC(),
	}
	if callID == "" || to == "" {
		s.log.Error("invalid transition entry dropped", "call_id", callID, "to", string(to))
		return
	}
	if err := s.repo.Append(ctx, e); err != nil {
		s.log.Error("transition append failed", "call_id", callID, "err", err)
	}
}

// History returns the recorded transitions for one call, oldest first.
func (s *Service) History(ctx context.Context, callID string) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("sessionlog: repository not configured")
	}
	if callID == "" {
		return nil, ErrInvalidEntry
	}
	return s.repo.ListByCall(ctx, callID)
}
