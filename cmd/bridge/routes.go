package main

import (
	"voicebridge/internal/auth"
	"voicebridge/internal/httpapi"
	"voicebridge/internal/rbac"
	"voicebridge/internal/trunk"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc, webhook *trunk.WebhookHandler) {
	// public
	r.GET("/healthz", h.Health)

	// Gateway webhooks (public). Only registered for the http trunk provider.
	// NOTE: protect this endpoint with gateway signature validation in production.
	if webhook != nil {
		r.POST("/webhooks/trunk/events", webhook.HandleEvent)
	}

	r.POST("/v1/auth/login", h.Login)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// SESSION routes
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", h.ListSessions)
			sessions.GET("/:call_id", h.GetSession)
			sessions.GET("/:call_id/history", h.GetSessionHistory)
			sessions.POST("/:call_id/stop", rbac.RequireAnyRole(rbac.RoleOperator), h.StopSession)
		}

		// DISPATCH routes
		v1.GET("/rules", h.ListRules)

		// CDR routes
		cdrs := v1.Group("/cdrs")
		{
			cdrs.GET("", h.ListRecords)
			cdrs.GET("/summary", h.RecordsSummary)
		}
	}
}
