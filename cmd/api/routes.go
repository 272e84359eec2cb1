package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"medication-reminder/internal/audit"
	"medication-reminder/internal/auth"
	"medication-reminder/internal/calls"
	"medication-reminder/internal/httpapi"
	"medication-reminder/internal/rbac"
	"medication-reminder/internal/reporting"
	"medication-reminder/internal/telephony"
	"medication-reminder/pkg/utils"
)

type routeDeps struct {
	authMW   gin.HandlerFunc
	metrics  http.Handler
	audioDir string
	db       *sql.DB

	webhooks telephony.WebhookHandler
	api      httpapi.Handlers
}

func httpapiHandlers(m *auth.Manager, store calls.Store, dialer httpapi.Dialer, reports *reporting.Service, a *audit.Service) httpapi.Handlers {
	return httpapi.Handlers{Auth: m, Store: store, Dialer: dialer, Reports: reports, Audit: a}
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		if d.db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		pool, err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "db": err.Error(), "pool": pool})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "pool": pool})
	})
	r.GET("/metrics", gin.WrapH(d.metrics))

	// Synthesized prompts fetched by Twilio's <Play>.
	r.Static(telephony.PathAudio, d.audioDir)

	// Provider webhooks (public).
	// NOTE: These endpoints should be protected by Twilio signature validation in production.
	wh := d.webhooks
	r.POST(telephony.PathVoiceResponse, wh.VoiceResponse)
	r.POST(telephony.PathIncomingCall, wh.IncomingCall)
	r.POST(telephony.PathHandleResponse, wh.HandleResponse)
	r.POST(telephony.PathCallStatus, wh.CallStatus)
	r.POST(telephony.PathVoicemail, wh.Voicemail)

	api := r.Group("/api")
	api.POST("/auth/refresh", d.api.Refresh)

	protected := api.Group("")
	protected.Use(d.authMW)
	{
		protected.POST("/trigger-call", rbac.RequireAnyRole(rbac.RoleClinician), d.api.TriggerCall)

		read := rbac.RequireAnyRole(rbac.RoleClinician, rbac.RoleViewer)
		protected.GET("/call-logs", read, d.api.CallLogs)
		protected.GET("/call-log/:callSid", read, d.api.CallLog)
		protected.GET("/reports/adherence", read, d.api.AdherenceReport)
	}
}
