// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Provider webhooks outside the rate-limited group: platforms retry
//     on throttling and only amplify traffic
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-crm-bridge/internal/channels"
	"github.com/tbourn/go-crm-bridge/internal/config"
	"github.com/tbourn/go-crm-bridge/internal/crm"
	"github.com/tbourn/go-crm-bridge/internal/http/handlers"
	"github.com/tbourn/go-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-crm-bridge/internal/services"
)

// Deps carries the constructed application services the router mounts.
type Deps struct {
	DB            *gorm.DB
	Channels      *channels.Registry
	Providers     *crm.Registry
	Catalog       *crm.Catalog
	Conversations *services.ConversationService
	Sync          *services.SyncService
	Scheduler     *services.Scheduler
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine: observability (tracing, metrics), rate limiting, CORS and security
// headers, health endpoints, the provider webhook surface, the widget API,
// and the admin API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//
// The rate limiter is applied per route group, not globally: webhook
// endpoints are exempt.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Avito-Signature", // webhook signature, never log raw
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	webhookH := &handlers.WebhookHandler{DB: deps.DB, Channels: deps.Channels, Conversations: deps.Conversations}
	crmH := &handlers.CrmWebhookHandler{Sync: deps.Sync}
	widgetH := &handlers.WidgetHandler{DB: deps.DB, Channels: deps.Channels, Conversations: deps.Conversations}
	adminH := &handlers.AdminHandler{
		DB:            deps.DB,
		Conversations: deps.Conversations,
		Sync:          deps.Sync,
		Scheduler:     deps.Scheduler,
		Providers:     deps.Providers,
		Catalog:       deps.Catalog,
	}

	// Provider webhooks: no rate limiting, platform-specific status contracts.
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/channels/:type/:channelID", webhookH.Receive)
		webhooks.GET("/channels/whatsapp/:channelID", webhookH.Verify)
		webhooks.POST("/crm/:provider/:integrationID", crmH.Receive)
	}

	// Token-bucket rate limiter for the browser-facing and admin surfaces.
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByVisitorOrIP())

	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(rl.Handler())
	// Transcript pages and sync-log listings compress well; webhook acks
	// stay uncompressed so platform retry logic sees plain bodies.
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		// Widget
		api.POST("/widget/:channelID/messages", widgetH.Send)
		api.GET("/widget/:channelID/conversations/:conversationID/messages", widgetH.Transcript)

		// Admin, operator-scoped via X-User-ID
		admin := api.Group("/admin")
		admin.Use(middleware.RequireUserID())
		{
			admin.GET("/bots/:botID/conversations", adminH.ListConversations)
			admin.GET("/conversations/:id", adminH.GetConversation)
			admin.POST("/conversations/:id/takeover", adminH.Takeover)
			admin.POST("/conversations/:id/release", adminH.Release)
			admin.POST("/conversations/:id/close", adminH.Close)
			admin.POST("/conversations/:id/messages", adminH.SendOperatorMessage)

			admin.POST("/integrations/:id/test", adminH.TestIntegration)
			admin.POST("/integrations/:id/reactivate", adminH.ReactivateIntegration)
			admin.GET("/integrations/:id/fields", adminH.IntegrationFields)
			admin.GET("/integrations/:id/users", adminH.IntegrationUsers)
			admin.GET("/integrations/:id/pipelines", adminH.IntegrationPipelines)
			admin.GET("/integrations/:id/pipelines/:pipelineID/stages", adminH.IntegrationStages)
			admin.GET("/integrations/:id/stats", adminH.IntegrationStats)

			admin.POST("/sync/run", adminH.TriggerSync)
		}
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
