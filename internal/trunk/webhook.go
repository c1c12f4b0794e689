package trunk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"voicebridge/internal/events"
	"voicebridge/pkg/logger"
)

// WebhookEvent is the JSON body an HTTP telephony gateway posts for each
// signaling change on a call.
type WebhookEvent struct {
	Type     string `json:"type" binding:"required"`
	CallID   string `json:"call_id" binding:"required"`
	TrunkID  string `json:"trunk_id"`
	CallerID string `json:"caller_id"`
	CalleeID string `json:"callee_id"`
	Reason   string `json:"reason"`
}

// WebhookHandler converts gateway webhooks into events. Mounted by the HTTP
// router under /v1/trunk/events.
type WebhookHandler struct {
	sink Sink
}

func NewWebhookHandler(sink Sink) *WebhookHandler {
	return &WebhookHandler{sink: sink}
}

func (h *WebhookHandler) HandleEvent(c *gin.Context) {
	var in WebhookEvent
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event payload"})
		return
	}

	var e events.Event
	switch in.Type {
	case "invite":
		e = events.Invite(in.CallID, in.TrunkID, in.CallerID, in.CalleeID)
	case "answered":
		e = events.New(events.KindCallAnswered)
		e.CallID = in.CallID
	case "hangup":
		reason := in.Reason
		if reason == "" {
			reason = "caller hangup"
		}
		e = events.Hangup(in.CallID, reason)
	default:
		logger.FromGin(c).Warn("unknown trunk event type", "type", in.Type, "call_id", in.CallID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type"})
		return
	}

	h.sink.Deliver(c.Request.Context(), e)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// command is the JSON body posted back to the gateway.
type command struct {
	Action string `json:"action"`
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// HTTPCommander drives an HTTP telephony gateway: each signaling action is a
// POST to the gateway's command endpoint.
type HTTPCommander struct {
	gatewayURL string
	client     *http.Client
	log        *slog.Logger
}

func NewHTTPCommander(gatewayURL string, log *slog.Logger) (*HTTPCommander, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("trunk: gateway url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPCommander{
		gatewayURL: gatewayURL,
		client:     &http.Client{},
		log:        log,
	}, nil
}

func (c *HTTPCommander) Answer(ctx context.Context, callID string) error {
	return c.post(ctx, command{Action: "answer", CallID: callID})
}

func (c *HTTPCommander) Reject(ctx context.Context, callID, reason string) error {
	return c.post(ctx, command{Action: "reject", CallID: callID, Reason: reason})
}

func (c *HTTPCommander) Hangup(ctx context.Context, callID string) error {
	return c.post(ctx, command{Action: "hangup", CallID: callID})
}

func (c *HTTPCommander) post(ctx context.Context, cmd command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("trunk: marshal %s command: %w", cmd.Action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/commands", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("trunk: build %s request: %w", cmd.Action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trunk: %s %s: %w", cmd.Action, cmd.CallID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return ErrCallUnknown
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("trunk: %s %s: gateway returned %d", cmd.Action, cmd.CallID, resp.StatusCode)
	}
	return nil
}
