package cdr

import (
	"context"
	"errors"
	"log/slog"

	"voicebridge/internal/session"
)

// Repository is the persistence contract for call detail records.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}

var ErrInvalidRecord = errors.New("cdr: invalid record")

// Service writes one record per terminated session and aggregates them for
// the operator API. Recording is best-effort.
type Service struct {
	repo Repository
	log  *slog.Logger
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log}
}

// RecordTermination derives a record from a terminal session and persists
// it. Non-terminal sessions are rejected; repository failures are logged and
// swallowed.
func (s *Service) RecordTermination(ctx context.Context, sess session.CallSession) {
	if s.repo == nil {
		return
	}
	if !sess.State.Terminal() {
		s.log.Error("record for non-terminal session dropped", "call_id", sess.CallID, "state", string(sess.State))
		return
	}

	rec := Record{
		CallID:       sess.CallID,
		TrunkID:      sess.TrunkID,
		CallerID:     sess.CallerID,
		CalleeID:     sess.CalleeID,
		RuleName:     sess.RuleName,
		RoomName:     sess.RoomName,
		AgentProfile: sess.AgentProfile,
		FinalState:   sess.State,
		Reason:       sess.Reason,
		StartedAt:    sess.CreatedAt,
		EndedAt:      sess.EndedAt,
	}
	// Only sessions that reached ACTIVE accrue talk time.
	if sess.State == session.StateEnded && !sess.EndedAt.IsZero() && sess.EndedAt.After(sess.CreatedAt) {
		rec.DurationSeconds = int64(sess.EndedAt.Sub(sess.CreatedAt).Seconds())
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		s.log.Error("record insert failed", "call_id", sess.CallID, "err", err)
	}
}

// List returns recent records, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	if s.repo == nil {
		return nil, errors.New("cdr: repository not configured")
	}
	return s.repo.List(ctx, limit)
}

// Summarize aggregates the most recent records.
func (s *Service) Summarize(ctx context.Context, limit int) (Summary, error) {
	records, err := s.List(ctx, limit)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{
		ByFinalState: make(map[string]int64),
		ByReason:     make(map[string]int64),
	}
	for _, rec := range records {
		sum.Total++
		sum.ByFinalState[string(rec.FinalState)]++
		if rec.Reason != "" {
			sum.ByReason[rec.Reason]++
		}
		sum.TotalSeconds += rec.DurationSeconds
	}
	return sum, nil
}
