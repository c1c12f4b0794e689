package events

import (
	"context"
	"log/slog"
	"sync"

	"voicebridge/internal/session"
)

// mailboxCap bounds the number of queued events per call. A session that far
// behind is wedged; further events are dropped with a warning rather than
// blocking the producers.
const mailboxCap = 256

// Handler consumes events for one call, one at a time.
type Handler interface {
	HandleEvent(ctx context.Context, e Event)
}

// RoomResolver maps a room name to its owning session. Room and agent events
// arrive addressed by room; the dispatcher resolves them before queueing.
// Satisfied by the session registry.
type RoomResolver interface {
	GetByRoom(roomName string) (session.CallSession, error)
}

// Dispatcher fans events into per-call mailboxes and drains each mailbox with
// a single goroutine, so a session only ever processes one event at a time
// and always in arrival order. Events for different calls proceed
// independently.
type Dispatcher struct {
	handler Handler
	rooms   RoomResolver
	log     *slog.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

type mailbox struct {
	queue    []Event
	draining bool

	// released marks a mailbox whose call is gone but whose drain goroutine
	// is still flushing. The drain goroutine removes the map entry itself, so
	// a call id reused right after removal lands in this mailbox and keeps a
	// single drain per call.
	released bool
}

func NewDispatcher(handler Handler, rooms RoomResolver, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handler:   handler,
		rooms:     rooms,
		log:       log,
		mailboxes: make(map[string]*mailbox),
	}
}

// Deliver routes one event. call.invite creates the mailbox; every other
// kind requires one to exist already. Events that cannot be routed are
// logged and dropped. A late agent exit for a finished call is normal, not
// an error.
func (d *Dispatcher) Deliver(ctx context.Context, e Event) {
	callID := e.CallID
	if callID == "" && e.RoomName != "" {
		sess, err := d.rooms.GetByRoom(e.RoomName)
		if err != nil {
			d.log.Warn("event for unknown room dropped", "kind", string(e.Kind), "room", e.RoomName)
			return
		}
		callID = sess.CallID
		e.CallID = sess.CallID
	}
	if callID == "" {
		d.log.Warn("event without routing identity dropped", "kind", string(e.Kind))
		return
	}

	d.mu.Lock()
	mb, ok := d.mailboxes[callID]
	if ok && mb.released {
		if e.Kind != KindCallInvite {
			d.mu.Unlock()
			d.log.Warn("event for unknown call dropped", "kind", string(e.Kind), "call_id", callID)
			return
		}
		// Call id reused while the old mailbox is still flushing: revive it
		// so the existing drain goroutine keeps per-call order.
		mb.released = false
	}
	if !ok {
		if e.Kind != KindCallInvite {
			d.mu.Unlock()
			d.log.Warn("event for unknown call dropped", "kind", string(e.Kind), "call_id", callID)
			return
		}
		mb = &mailbox{}
		d.mailboxes[callID] = mb
	}
	if len(mb.queue) >= mailboxCap {
		d.mu.Unlock()
		d.log.Warn("mailbox full, event dropped", "kind", string(e.Kind), "call_id", callID)
		return
	}
	mb.queue = append(mb.queue, e)
	startDrain := !mb.draining
	if startDrain {
		mb.draining = true
	}
	d.mu.Unlock()

	if startDrain {
		go d.drain(ctx, callID, mb)
	}
}

func (d *Dispatcher) drain(ctx context.Context, callID string, mb *mailbox) {
	for {
		d.mu.Lock()
		if len(mb.queue) == 0 {
			mb.draining = false
			if mb.released {
				delete(d.mailboxes, callID)
			}
			d.mu.Unlock()
			return
		}
		e := mb.queue[0]
		mb.queue = mb.queue[1:]
		d.mu.Unlock()

		d.handler.HandleEvent(ctx, e)
	}
}

// Release forgets the mailbox for a call. Already-queued events still drain;
// later deliveries are dropped as unknown. A mailbox still being drained is
// handed off to its drain goroutine for removal instead of being deleted out
// from under it. Wired as the registry's remove hook.
func (d *Dispatcher) Release(callID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mb, ok := d.mailboxes[callID]
	if !ok {
		return
	}
	if mb.draining {
		mb.released = true
		return
	}
	delete(d.mailboxes, callID)
}

// Pending reports the number of live mailboxes.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, mb := range d.mailboxes {
		if !mb.released {
			n++
		}
	}
	return n
}
