package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/cdr"
	"voicebridge/internal/dispatch"
	"voicebridge/internal/events"
	"voicebridge/internal/orchestrator"
	"voicebridge/internal/room"
	"voicebridge/internal/session"
	"voicebridge/internal/sessionlog"
)

type nopTrunk struct{}

func (nopTrunk) Answer(ctx context.Context, callID string) error         { return nil }
func (nopTrunk) Reject(ctx context.Context, callID, reason string) error { return nil }
func (nopTrunk) Hangup(ctx context.Context, callID string) error         { return nil }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testHandlers(t *testing.T) (Handlers, *session.Registry) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(discard{}, nil))
	registry := session.NewRegistry(time.Hour)
	translog := sessionlog.NewService(sessionlog.NewMemoryRepo(), log)
	records := cdr.NewService(cdr.NewMemoryRepo(), log)

	orch := orchestrator.New(orchestrator.Deps{
		Registry: registry,
		Matcher:  dispatch.NewMatcher(nil),
		Rooms:    room.NewMemoryService(),
		Trunk:    nopTrunk{},
		Translog: translog,
		Records:  records,
		Timeouts: orchestrator.Timeouts{
			RoomCreate: time.Second,
			AgentReady: time.Second,
			Teardown:   time.Second,
		},
		Log: log,
	})
	d := events.NewDispatcher(orch, registry, log)
	orch.Bind(d)

	return Handlers{
		Registry: registry,
		Orch:     orch,
		Matcher:  dispatch.NewMatcher(nil),
		Translog: translog,
		Records:  records,
	}, registry
}

func sessionRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/sessions", h.ListSessions)
	r.GET("/v1/sessions/:call_id", h.GetSession)
	r.POST("/v1/sessions/:call_id/stop", h.StopSession)
	return r
}

func TestGetSession(t *testing.T) {
	h, registry := testHandlers(t)
	if _, err := registry.Create(session.CreateInput{CallID: "c1", TrunkID: "trunk-a", CallerID: "+1", CalleeID: "+2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := sessionRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/c1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got session.CallSession
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CallID != "c1" || got.State != session.StateArrived {
		t.Fatalf("unexpected session: %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStopSessionNotFound(t *testing.T) {
	h, _ := testHandlers(t)
	r := sessionRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/missing/stop", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStopSessionTerminalConflict(t *testing.T) {
	h, registry := testHandlers(t)
	if _, err := registry.Create(session.CreateInput{CallID: "c1", TrunkID: "trunk-a", CallerID: "+1", CalleeID: "+2"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, _, err := registry.Transition("c1", session.StateFailed, session.ReasonInternalError); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	r := sessionRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sessions/c1/stop", nil))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}
