package room

import (
	"context"
	"sync"
)

// MemoryService is an in-process room provider for local development and
// tests. Rooms exist only as names in a map.
type MemoryService struct {
	mu    sync.Mutex
	rooms map[string]string

	// CreateErr / CloseErr, when set, are returned by the next matching
	// call. Used by tests to simulate provider outages.
	CreateErr error
	CloseErr  error

	// CreateDelay lets tests hold a create past its deadline. CloseDelay
	// wedges Close entirely, ignoring cancellation, the way a hung provider
	// would.
	CreateDelay <-chan struct{}
	CloseDelay  <-chan struct{}
}

func NewMemoryService() *MemoryService {
	return &MemoryService{rooms: make(map[string]string)}
}

func (s *MemoryService) Create(ctx context.Context, name, metadata string) error {
	if s.CreateDelay != nil {
		select {
		case <-s.CreateDelay:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return s.CreateErr
	}
	if _, exists := s.rooms[name]; exists {
		return ErrRoomExists
	}
	s.rooms[name] = metadata
	return nil
}

func (s *MemoryService) Close(ctx context.Context, name string) error {
	if s.CloseDelay != nil {
		<-s.CloseDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseErr != nil {
		return s.CloseErr
	}
	if _, exists := s.rooms[name]; !exists {
		return ErrRoomNotFound
	}
	delete(s.rooms, name)
	return nil
}

// Exists reports whether a room is currently provisioned.
func (s *MemoryService) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[name]
	return ok
}

// Metadata returns the metadata a room was created with.
func (s *MemoryService) Metadata(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.rooms[name]
	return md, ok
}
