package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ReadyState is the lifecycle phase of one agent worker.
type ReadyState string

const (
	StateStarting ReadyState = "STARTING"
	StateReady    ReadyState = "READY"
	StateFailed   ReadyState = "FAILED"
	StateStopped  ReadyState = "STOPPED"
)

// Handle is the supervisor-owned identity of one agent worker. Callers hold
// copies; a handle never outlives its owning session.
type Handle struct {
	AgentID  string     `json:"agent_id"`
	RoomName string     `json:"room_name"`
	Profile  string     `json:"profile"`
	State    ReadyState `json:"state"`
}

// NotificationKind tags asynchronous supervisor notifications.
type NotificationKind string

const (
	// NotifReady: the worker signaled readiness.
	NotifReady NotificationKind = "ready"
	// NotifFailed: the worker failed before becoming ready.
	NotifFailed NotificationKind = "failed"
	// NotifExited: the worker exited after it was ready and was not stopped
	// by the supervisor (a crash from the session's point of view).
	NotifExited NotificationKind = "exited"
)

// Notification is emitted asynchronously as workers change state. Consumers
// route it by room name.
type Notification struct {
	Kind     NotificationKind
	RoomName string
	AgentID  string
	Detail   string
}

var ErrWorkerExists = errors.New("agent: worker already running for room")

// Supervisor starts, stops and monitors agent workers, one per room.
//
// Starting is asynchronous: Start returns a STARTING handle immediately and
// readiness arrives as a notification. A crashed worker is never restarted in
// place; the owning session must be terminated and a fresh dispatch decision
// made if the call is to continue.
type Supervisor struct {
	runner Runner
	notify func(Notification)
	log    *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

type worker struct {
	handle   Handle
	proc     Process
	cancel   context.CancelFunc
	stopping bool
}

func NewSupervisor(runner Runner, notify func(Notification), log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		runner:  runner,
		notify:  notify,
		log:     log,
		workers: make(map[string]*worker),
	}
}

// Start launches a worker bound to roomName. It returns immediately with a
// STARTING handle; READY/FAILED arrives later as a notification.
func (s *Supervisor) Start(roomName, profile string) (Handle, error) {
	if roomName == "" || profile == "" {
		return Handle{}, fmt.Errorf("agent: room name and profile are required")
	}

	s.mu.Lock()
	if _, exists := s.workers[roomName]; exists {
		s.mu.Unlock()
		return Handle{}, ErrWorkerExists
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		handle: Handle{
			AgentID:  uuid.NewString(),
			RoomName: roomName,
			Profile:  profile,
			State:    StateStarting,
		},
		cancel: cancel,
	}
	s.workers[roomName] = w
	handle := w.handle
	s.mu.Unlock()

	go s.run(ctx, w)
	return handle, nil
}

func (s *Supervisor) run(ctx context.Context, w *worker) {
	spec := StartSpec{
		RoomName: w.handle.RoomName,
		Profile:  w.handle.Profile,
		AgentID:  w.handle.AgentID,
	}

	proc, err := s.runner.Start(ctx, spec)
	if err != nil {
		s.log.Error("agent worker launch failed", "room", spec.RoomName, "agent_id", spec.AgentID, "err", err)
		s.finish(w, StateFailed)
		s.emit(Notification{Kind: NotifFailed, RoomName: spec.RoomName, AgentID: spec.AgentID, Detail: err.Error()})
		return
	}

	s.mu.Lock()
	w.proc = proc
	s.mu.Unlock()

	select {
	case <-proc.Ready():
		s.setState(w, StateReady)
		s.emit(Notification{Kind: NotifReady, RoomName: spec.RoomName, AgentID: spec.AgentID})
	case <-proc.Done():
		// Exited before signaling readiness.
		s.finish(w, StateFailed)
		s.emit(Notification{Kind: NotifFailed, RoomName: spec.RoomName, AgentID: spec.AgentID, Detail: exitDetail(proc.Err())})
		return
	case <-ctx.Done():
		s.finish(w, StateStopped)
		return
	}

	<-proc.Done()
	exitErr := proc.Err()

	s.mu.Lock()
	stopped := w.stopping
	s.mu.Unlock()

	if stopped {
		s.finish(w, StateStopped)
		return
	}
	// Unsolicited exit after readiness: a crash for the owning session.
	s.finish(w, StateFailed)
	s.emit(Notification{Kind: NotifExited, RoomName: spec.RoomName, AgentID: spec.AgentID, Detail: exitDetail(exitErr)})
}

// Stop terminates the worker for roomName and waits for it to exit, bounded
// by ctx. Stopping an unknown room is not an error (teardown is best-effort
// and may race a crash).
func (s *Supervisor) Stop(ctx context.Context, roomName string) error {
	s.mu.Lock()
	w, ok := s.workers[roomName]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	w.stopping = true
	proc := w.proc
	cancel := w.cancel
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Stop(ctx); err != nil {
			// Escalate: cancel the worker context, which kills the process.
			cancel()
			return fmt.Errorf("agent: stop worker for %s: %w", roomName, err)
		}
		select {
		case <-proc.Done():
		case <-ctx.Done():
			cancel()
			return ctx.Err()
		}
		return nil
	}

	// Launch still in flight; cancel it.
	cancel()
	return nil
}

// Lookup returns the current handle for a room.
func (s *Supervisor) Lookup(roomName string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[roomName]
	if !ok {
		return Handle{}, false
	}
	return w.handle, true
}

func (s *Supervisor) setState(w *worker, st ReadyState) {
	s.mu.Lock()
	w.handle.State = st
	s.mu.Unlock()
}

// finish records the final worker state and forgets the room binding so the
// room name could in principle be reused by a fresh session.
func (s *Supervisor) finish(w *worker, st ReadyState) {
	s.mu.Lock()
	w.handle.State = st
	delete(s.workers, w.handle.RoomName)
	s.mu.Unlock()
}

func (s *Supervisor) emit(n Notification) {
	if s.notify != nil {
		s.notify(n)
	}
}

func exitDetail(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

// StartSpec describes one worker launch.
type StartSpec struct {
	RoomName string
	Profile  string
	AgentID  string
}

// Process is a launched agent worker.
type Process interface {
	// Ready is closed once the worker signals readiness.
	Ready() <-chan struct{}
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err reports the exit result. Valid only after Done is closed.
	Err() error
	// Stop requests a graceful shutdown, bounded by ctx.
	Stop(ctx context.Context) error
}

// Runner launches agent worker processes. Implementations must honor ctx
// cancellation by killing the worker.
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (Process, error)
}
