package cdr

import (
	"context"
	"sync"
)

// MemoryRepo keeps records in memory. Useful for tests and local runs
// without Postgres.

type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{records: make(map[string]Record)}
}

func (r *MemoryRepo) Insert(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.CallID]; exists {
		// One record per call; duplicates are dropped silently.
		return nil
	}
	r.records[rec.CallID] = rec
	r.order = append(r.order, rec.CallID)
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.order))
	// Newest first.
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.records[r.order[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
