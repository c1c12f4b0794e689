// Package orchestrator drives each call session through its lifecycle. It is
// the single consumer of the event dispatcher: every state change happens
// inside HandleEvent, which the dispatcher serializes per call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"voicebridge/internal/agent"
	"voicebridge/internal/cdr"
	"voicebridge/internal/dispatch"
	"voicebridge/internal/events"
	"voicebridge/internal/room"
	"voicebridge/internal/session"
	"voicebridge/internal/sessionlog"
	"voicebridge/internal/trunk"
	"voicebridge/pkg/logger"
)

// Sink is where the orchestrator posts its own events (deadlines, teardown
// completions). They ride the same per-call queue as external events, so a
// timer can never overtake the event that defuses it.
type Sink interface {
	Deliver(ctx context.Context, e events.Event)
}

// Timeouts bound the async stages of a session.
type Timeouts struct {
	RoomCreate time.Duration
	AgentReady time.Duration
	Teardown   time.Duration
}

// Orchestrator owns the session state machine.
//
// Rules:
// - All transitions go through the registry; an illegal transition is a bug
//   upstream and is logged, never forced.
// - Slow work (room create, teardown) runs in per-call goroutines that
//   report back as events. HandleEvent itself never blocks on providers.
// - A crashed agent terminates the session. No restarts.
type Orchestrator struct {
	registry *session.Registry
	matcher  *dispatch.Matcher
	rooms    room.Service
	agents   *agent.Supervisor
	trunk    trunk.Commander
	limiter  TrunkLimiter
	translog *sessionlog.Service
	records  *cdr.Service
	timeouts Timeouts
	log      *slog.Logger

	sink Sink

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

type Deps struct {
	Registry *session.Registry
	Matcher  *dispatch.Matcher
	Rooms    room.Service
	Agents   *agent.Supervisor
	Trunk    trunk.Commander
	Limiter  TrunkLimiter
	Translog *sessionlog.Service
	Records  *cdr.Service
	Timeouts Timeouts
	Log      *slog.Logger
}

func New(d Deps) *Orchestrator {
	if d.Limiter == nil {
		d.Limiter = NoopLimiter{}
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Orchestrator{
		registry: d.Registry,
		matcher:  d.Matcher,
		rooms:    d.Rooms,
		agents:   d.Agents,
		trunk:    d.Trunk,
		limiter:  d.Limiter,
		translog: d.Translog,
		records:  d.Records,
		timeouts: d.Timeouts,
		log:      d.Log,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Bind wires the event sink. Must be called before the first event; the
// dispatcher and orchestrator reference each other, so the sink cannot be a
// constructor argument.
func (o *Orchestrator) Bind(sink Sink) { o.sink = sink }

// Stop requests operator-initiated termination of a live session.
func (o *Orchestrator) Stop(ctx context.Context, callID string) error {
	sess, err := o.registry.Get(callID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return fmt.Errorf("orchestrator: session %s already terminal: %w", callID, session.ErrInvalidTransition)
	}

	e := events.New(events.KindStopRequested)
	e.CallID = callID
	e.Reason = session.ReasonOperatorStop
	o.sink.Deliver(ctx, e)
	return nil
}

// HandleEvent processes one event for one call. The dispatcher guarantees
// per-call serialization; no locking around session state is needed here
// beyond what the registry does.
func (o *Orchestrator) HandleEvent(ctx context.Context, e events.Event) {
	log := logger.ForCall(o.log, e.CallID)

	switch e.Kind {
	case events.KindCallInvite:
		o.onInvite(ctx, e, log)
	case events.KindCallAnswered:
		log.Debug("media path confirmed")
	case events.KindCallHangup:
		o.onHangup(ctx, e, log)
	case events.KindStopRequested:
		o.onStop(ctx, e, log)
	case events.KindRoomCreated:
		o.onRoomCreated(ctx, e, log)
	case events.KindRoomCreateFailed:
		o.onRoomCreateFailed(ctx, e, log)
	case events.KindAgentReady:
		o.onAgentReady(ctx, e, log)
	case events.KindAgentFailed:
		o.onAgentFailed(ctx, e, log)
	case events.KindAgentExited:
		o.onAgentExited(ctx, e, log)
	case events.KindDeadline:
		o.onDeadline(ctx, e, log)
	case events.KindTeardownDone:
		o.onTeardownDone(ctx, e, log)
	case events.KindRoomClosed:
		log.Debug("room closed by provider")
	default:
		log.Warn("unhandled event kind", "kind", string(e.Kind))
	}
}

func (o *Orchestrator) onInvite(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Create(session.CreateInput{
		CallID:   e.CallID,
		TrunkID:  e.TrunkID,
		CallerID: e.CallerID,
		CalleeID: e.CalleeID,
	})
	if err != nil {
		if errors.Is(err, session.ErrDuplicateCall) {
			// Retransmitted or replayed invite; the first one owns the call.
			log.Debug("duplicate invite dropped")
			return
		}
		log.Error("session create failed", "err", err)
		return
	}

	if _, sess, err = o.transition(ctx, e.CallID, session.StateMatching, ""); err != nil {
		return
	}

	outcome := o.matcher.Match(sess.TrunkID, sess.CallerID, sess.CalleeID, sess.CallID)
	if outcome.Action == dispatch.ActionReject {
		o.reject(ctx, sess, outcome.Reason, log)
		return
	}

	admitted, err := o.limiter.Acquire(ctx, sess.TrunkID)
	if err != nil {
		log.Error("trunk slot check failed", "err", err)
		o.reject(ctx, sess, session.ReasonInternalError, log)
		return
	}
	if !admitted {
		o.reject(ctx, sess, session.ReasonTrunkBusy, log)
		return
	}

	if err := o.registry.BindMatch(sess.CallID, outcome.RuleName, outcome.RoomName, outcome.AgentProfile); err != nil {
		log.Error("match bind failed", "room", outcome.RoomName, "err", err)
		o.limiter.Release(ctx, sess.TrunkID)
		o.reject(ctx, sess, session.ReasonInternalError, log)
		return
	}

	if err := o.trunk.Answer(ctx, sess.CallID); err != nil {
		log.Error("answer failed", "err", err)
		o.fail(ctx, sess.CallID, session.ReasonInternalError, log)
		return
	}

	if _, sess, err = o.transition(ctx, sess.CallID, session.StateRoomPending, ""); err != nil {
		return
	}
	log.Info("call accepted", "rule", outcome.RuleName, "room", outcome.RoomName, "profile", outcome.AgentProfile)

	o.startRoomCreate(sess, log)
}

// startRoomCreate provisions the room in a bounded goroutine and reports the
// result as an event.
func (o *Orchestrator) startRoomCreate(sess session.CallSession, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeouts.RoomCreate)
	o.trackInflight(sess.CallID, cancel)

	go func() {
		defer cancel()
		metadata := fmt.Sprintf(`{"call_id":%q,"agent_profile":%q,"caller_id":%q}`,
			sess.CallID, sess.AgentProfile, sess.CallerID)
		err := o.rooms.Create(ctx, sess.RoomName, metadata)

		var out events.Event
		switch {
		case err == nil:
			out = events.New(events.KindRoomCreated)
		case errors.Is(err, context.DeadlineExceeded):
			out = events.New(events.KindRoomCreateFailed)
			out.Reason = session.ReasonRoomCreateTimeout
		default:
			out = events.New(events.KindRoomCreateFailed)
			out.Reason = session.ReasonRoomCreateFailed
			log.Error("room create failed", "room", sess.RoomName, "err", err)
		}
		out.CallID = sess.CallID
		o.sink.Deliver(context.Background(), out)
	}()
}

func (o *Orchestrator) onRoomCreated(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != session.StateRoomPending {
		log.Debug("stale room created event dropped")
		return
	}
	o.clearInflight(e.CallID)

	if _, sess, err = o.transition(ctx, e.CallID, session.StateAgentStarting, ""); err != nil {
		return
	}

	handle, err := o.agents.Start(sess.RoomName, sess.AgentProfile)
	if err != nil {
		log.Error("agent start failed", "room", sess.RoomName, "err", err)
		o.fail(ctx, e.CallID, session.ReasonAgentStartFailure, log)
		return
	}
	if err := o.registry.BindAgent(e.CallID, handle.AgentID); err != nil {
		log.Error("agent bind failed", "agent_id", handle.AgentID, "err", err)
		o.fail(ctx, e.CallID, session.ReasonAgentStartFailure, log)
		return
	}
	log.Info("agent starting", "agent_id", handle.AgentID, "room", sess.RoomName)

	o.armDeadline(e.CallID, session.StateAgentStarting, session.ReasonAgentStartFailure, o.timeouts.AgentReady)
}

func (o *Orchestrator) onRoomCreateFailed(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != session.StateRoomPending {
		log.Debug("stale room failure dropped")
		return
	}
	o.fail(ctx, e.CallID, e.Reason, log)
}

func (o *Orchestrator) onAgentReady(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != session.StateAgentStarting {
		log.Debug("stale agent ready dropped")
		return
	}
	if _, _, err := o.transition(ctx, e.CallID, session.StateActive, ""); err != nil {
		return
	}
	log.Info("session active", "room", sess.RoomName, "agent_id", sess.AgentID)
}

func (o *Orchestrator) onAgentFailed(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != session.StateAgentStarting {
		log.Debug("stale agent failure dropped")
		return
	}
	log.Error("agent failed to start", "detail", e.Reason)
	o.fail(ctx, e.CallID, session.ReasonAgentStartFailure, log)
}

func (o *Orchestrator) onAgentExited(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil {
		return
	}
	switch sess.State {
	case session.StateActive:
		log.Error("agent crashed mid-call", "detail", e.Reason)
		o.beginEnding(ctx, sess, session.ReasonAgentCrash, true, log)
	case session.StateAgentStarting:
		o.fail(ctx, e.CallID, session.ReasonAgentStartFailure, log)
	default:
		log.Debug("agent exit in state ignored", "state", string(sess.State))
	}
}

func (o *Orchestrator) onHangup(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil {
		log.Debug("hangup for unknown call dropped")
		return
	}
	switch sess.State {
	case session.StateRoomPending, session.StateAgentStarting, session.StateActive:
		// Caller already left; no hangup back toward the trunk.
		o.beginEnding(ctx, sess, session.ReasonNormalHangup, false, log)
	case session.StateEnding, session.StateEnded, session.StateRejected, session.StateFailed:
		log.Debug("duplicate hangup dropped", "state", string(sess.State))
	default:
		log.Warn("hangup in unexpected state", "state", string(sess.State))
	}
}

func (o *Orchestrator) onStop(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil {
		return
	}
	switch sess.State {
	case session.StateRoomPending, session.StateAgentStarting, session.StateActive:
		o.beginEnding(ctx, sess, session.ReasonOperatorStop, true, log)
	default:
		log.Debug("stop in state ignored", "state", string(sess.State))
	}
}

func (o *Orchestrator) onDeadline(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != e.DeadlineState {
		// The session moved on before the timer fired.
		return
	}
	if e.DeadlineState == session.StateEnding {
		// Teardown overran its budget. Teardown is best-effort past this
		// point: the in-flight cleanup goroutine keeps running on its own
		// deadline, and the session still closes as ENDED. No second
		// teardown is started; the stop/close/hangup commands were already
		// issued once by beginEnding.
		log.Error("teardown deadline expired")
		if _, sess, err = o.transition(ctx, e.CallID, session.StateEnded, e.Reason); err != nil {
			return
		}
		o.finalize(ctx, sess, log)
		log.Info("session ended", "reason", sess.Reason)
		return
	}
	log.Error("deadline expired", "state", string(e.DeadlineState), "reason", e.Reason)
	o.fail(ctx, e.CallID, e.Reason, log)
}

func (o *Orchestrator) onTeardownDone(ctx context.Context, e events.Event, log *slog.Logger) {
	sess, err := o.registry.Get(e.CallID)
	if err != nil || sess.State != session.StateEnding {
		return
	}
	if _, sess, err = o.transition(ctx, e.CallID, session.StateEnded, e.Reason); err != nil {
		return
	}
	o.finalize(ctx, sess, log)
	log.Info("session ended", "reason", sess.Reason)
}

// reject declines an unanswered call and terminates the session as REJECTED.
func (o *Orchestrator) reject(ctx context.Context, sess session.CallSession, reason string, log *slog.Logger) {
	if err := o.trunk.Reject(ctx, sess.CallID, reason); err != nil && !errors.Is(err, trunk.ErrCallUnknown) {
		log.Error("trunk reject failed", "err", err)
	}
	_, out, err := o.transition(ctx, sess.CallID, session.StateRejected, reason)
	if err != nil {
		return
	}
	o.finalize(ctx, out, log)
	log.Info("call rejected", "reason", reason)
}

// beginEnding moves the session to ENDING and starts graceful teardown. The
// teardown completion arrives as an event; a deadline guards against it
// never arriving.
func (o *Orchestrator) beginEnding(ctx context.Context, sess session.CallSession, reason string, hangupTrunk bool, log *slog.Logger) {
	o.clearInflight(sess.CallID)
	if _, _, err := o.transition(ctx, sess.CallID, session.StateEnding, reason); err != nil {
		return
	}
	o.armDeadline(sess.CallID, session.StateEnding, session.ReasonTeardownTimeout, o.timeouts.Teardown)

	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), o.timeouts.Teardown)
		defer cancel()
		o.teardownResources(tctx, sess, hangupTrunk, log)

		done := events.New(events.KindTeardownDone)
		done.CallID = sess.CallID
		done.Reason = reason
		o.sink.Deliver(context.Background(), done)
	}()
}

// fail force-terminates the session and cleans up whatever was provisioned.
// Legal from every non-terminal state.
func (o *Orchestrator) fail(ctx context.Context, callID, reason string, log *slog.Logger) {
	o.clearInflight(callID)
	_, sess, err := o.transition(ctx, callID, session.StateFailed, reason)
	if err != nil {
		return
	}
	o.finalize(ctx, sess, log)
	log.Error("session failed", "reason", reason)

	// Cleanup after the terminal transition: the session outcome must not
	// depend on how teardown goes.
	go func() {
		tctx, cancel := context.WithTimeout(context.Background(), o.timeouts.Teardown)
		defer cancel()
		o.teardownResources(tctx, sess, true, log)
	}()
}

// teardownResources releases everything a session may hold: agent worker,
// media room, trunk leg. Each step is independent and best-effort.
func (o *Orchestrator) teardownResources(ctx context.Context, sess session.CallSession, hangupTrunk bool, log *slog.Logger) {
	if sess.RoomName != "" {
		if err := o.agents.Stop(ctx, sess.RoomName); err != nil {
			log.Error("agent stop failed", "room", sess.RoomName, "err", err)
		}
		if err := o.rooms.Close(ctx, sess.RoomName); err != nil && !errors.Is(err, room.ErrRoomNotFound) {
			log.Error("room close failed", "room", sess.RoomName, "err", err)
		}
	}
	if hangupTrunk {
		if err := o.trunk.Hangup(ctx, sess.CallID); err != nil && !errors.Is(err, trunk.ErrCallUnknown) {
			log.Error("trunk hangup failed", "err", err)
		}
	}
}

// transition applies one state change, records it, and finalizes terminal
// FAILED reached through the registry.
func (o *Orchestrator) transition(ctx context.Context, callID string, to session.State, reason string) (session.State, session.CallSession, error) {
	from, sess, err := o.registry.Transition(callID, to, reason)
	if err != nil {
		o.log.Warn("transition refused", "call_id", callID, "to", string(to), "err", err)
		return from, sess, err
	}
	o.translog.RecordTransition(ctx, callID, sess.RoomName, from, to, reason)
	return from, sess, nil
}

// finalize runs once per terminal session: CDR write and slot release.
func (o *Orchestrator) finalize(ctx context.Context, sess session.CallSession, log *slog.Logger) {
	o.clearInflight(sess.CallID)
	o.records.RecordTermination(ctx, sess)
	// A slot was acquired exactly when a room was bound.
	if sess.RoomName != "" {
		o.limiter.Release(ctx, sess.TrunkID)
	}
}

// armDeadline schedules a self-delivered deadline event. If the session has
// left the armed state by the time it fires, the handler drops it as stale.
func (o *Orchestrator) armDeadline(callID string, armed session.State, reason string, after time.Duration) {
	time.AfterFunc(after, func() {
		o.sink.Deliver(context.Background(), events.Deadline(callID, armed, reason))
	})
}

func (o *Orchestrator) trackInflight(callID string, cancel context.CancelFunc) {
	o.mu.Lock()
	if prev, ok := o.inflight[callID]; ok {
		prev()
	}
	o.inflight[callID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) clearInflight(callID string) {
	o.mu.Lock()
	if cancel, ok := o.inflight[callID]; ok {
		cancel()
		delete(o.inflight, callID)
	}
	o.mu.Unlock()
}
