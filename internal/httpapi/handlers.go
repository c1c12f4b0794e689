package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"voicebridge/internal/auth"
	"voicebridge/internal/cdr"
	"voicebridge/internal/dispatch"
	"voicebridge/internal/orchestrator"
	"voicebridge/internal/session"
	"voicebridge/internal/sessionlog"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth     *auth.Manager
	Registry *session.Registry
	Orch     *orchestrator.Orchestrator
	Matcher  *dispatch.Matcher
	Translog *sessionlog.Service
	Records  *cdr.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Sessions ---

func (h Handlers) ListSessions(c *gin.Context) {
	sessions := h.Registry.List()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h Handlers) GetSession(c *gin.Context) {
	callID := c.Param("call_id")
	sess, err := h.Registry.Get(callID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h Handlers) GetSessionHistory(c *gin.Context) {
	callID := c.Param("call_id")
	entries, err := h.Translog.History(c.Request.Context(), callID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "transitions": entries})
}

// StopSession terminates a live session.
// RBAC: operator or admin.
func (h Handlers) StopSession(c *gin.Context) {
	callID := c.Param("call_id")
	if err := h.Orch.Stop(c.Request.Context(), callID); err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, session.ErrInvalidTransition):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "session already terminal"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "stop failed"})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "stopping", "call_id": callID})
}

// --- Dispatch rules ---

func (h Handlers) ListRules(c *gin.Context) {
	rules := h.Matcher.Rules()
	c.JSON(http.StatusOK, gin.H{"rules": rules, "count": len(rules)})
}

// --- Records ---

func (h Handlers) ListRecords(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = n
	}
	records, err := h.Records.List(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "record lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

func (h Handlers) RecordsSummary(c *gin.Context) {
	sum, err := h.Records.Summarize(c.Request.Context(), 1000)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Health ---

func (h Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "active_sessions": h.Registry.Len()})
}
