// Package trunk adapts telephony providers to the event model. Two adapters
// exist: a native SIP endpoint and a webhook bridge for HTTP-speaking
// gateways.
package trunk

import (
	"context"
	"errors"

	"voicebridge/internal/events"
)

var ErrCallUnknown = errors.New("trunk: call not known to adapter")

// Sink receives telephony events from an adapter. Implemented by the event
// dispatcher.
type Sink interface {
	Deliver(ctx context.Context, e events.Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e events.Event)

func (f SinkFunc) Deliver(ctx context.Context, e events.Event) { f(ctx, e) }

// Commander issues signaling actions back toward the caller. Implementations
// must tolerate commands for calls they no longer know about; teardown is
// best-effort and may race the far end.
type Commander interface {
	// Answer accepts the call and starts media flowing.
	Answer(ctx context.Context, callID string) error
	// Reject declines a call that was never answered. Reason is a
	// provider-visible label, not a SIP code.
	Reject(ctx context.Context, callID, reason string) error
	// Hangup terminates an answered call.
	Hangup(ctx context.Context, callID string) error
}
