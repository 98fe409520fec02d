package server

import (
	"net/http"

	"github.com/hookrelay/hookrelay/internal/config"
	"github.com/hookrelay/hookrelay/internal/handler"
	middleware2 "github.com/hookrelay/hookrelay/internal/server/middleware"
	"github.com/hookrelay/hookrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter wires middleware and routes onto the engine.
func SetupRouter(
	r *gin.Engine,
	webhookHandler *handler.WebhookHandler,
	signatureService *service.SignatureService,
	rateLimitService *service.RateLimitService,
	cfg *config.Config,
) *gin.Engine {
	r.Use(middleware2.RequestLogger())
	r.Use(middleware2.Logger())
	r.Use(middleware2.Recovery())
	r.Use(middleware2.SecurityHeaders())
	r.Use(middleware2.CORS(cfg.CORS))

	registerRoutes(r, webhookHandler, signatureService, rateLimitService)

	return r
}

// registerRoutes registers all HTTP routes
func registerRoutes(
	r *gin.Engine,
	h *handler.WebhookHandler,
	signatureService *service.SignatureService,
	rateLimitService *service.RateLimitService,
) {
	// Probe endpoint; bare payload, not the standard envelope.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	})

	v1 := r.Group("/api/v1")

	webhooks := v1.Group("/webhooks")
	{
		webhooks.POST("/ingest", middleware2.WebhookSignature(signatureService), h.Ingest)
		webhooks.POST("/downstream/receive", middleware2.RateLimit(rateLimitService, service.DownstreamRateLimitKey), h.ReceiveDownstream)
		webhooks.GET("/search", h.Search)
	}
}
