// Package room provisions media rooms for bridged calls.
package room

import (
	"context"
	"errors"
)

var (
	ErrRoomExists   = errors.New("room: already exists")
	ErrRoomNotFound = errors.New("room: not found")
)

// Service creates and tears down media rooms. Implementations must be safe
// for concurrent use; the orchestrator calls them from per-call goroutines.
type Service interface {
	// Create provisions a room. Metadata is attached verbatim for the agent
	// worker to read.
	Create(ctx context.Context, name, metadata string) error
	// Close tears the room down, disconnecting any remaining participants.
	// Closing an unknown room returns ErrRoomNotFound.
	Close(ctx context.Context, name string) error
}
