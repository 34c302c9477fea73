package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"pushit-backend/config"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router. m and inline may be nil; inline
// runs a monitor check after every API request.
func NewRouter(deps Deps, cfg config.ServerConfig, m *metrics.Metrics, inline mw.MonitorChecker) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestID(), mw.Logger())

	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	statsCache := cache.New(cacheTTL, 2*cacheTTL)
	handler := NewHandler(deps, statsCache)

	rateLimiter := mw.RateLimiter(mw.NewIPRateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst, 10*time.Minute))
	caching := mw.Cache(statsCache, cacheTTL)

	r.GET("/healthz", healthz)
	if m != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})))
	}

	api := r.Group("/api")
	api.Use(rateLimiter, mw.Credential(deps.Auth))
	if inline != nil {
		api.Use(mw.InlineMonitor(inline))
	}
	{
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
		api.POST("/subscriptions", handler.Subscribe)
		api.DELETE("/subscriptions", handler.Unsubscribe)

		api.POST("/admin/notifications", mw.RequireBackend(), handler.SendNotification)

		admin := api.Group("/admin", mw.RequireAdmin())
		admin.GET("/subscriptions", handler.ListSubscriptions)
		admin.GET("/subscriptions/stats", handler.SubscriptionStats)
		admin.DELETE("/subscriptions/:id", handler.DeleteSubscription)
		admin.GET("/notifications", handler.ListNotifications)
		admin.GET("/notifications/stats", caching, handler.NotificationStats)
		admin.POST("/notifications/:id/resend", handler.ResendNotification)
		admin.POST("/tokens", handler.IssueToken)
		admin.POST("/monitor/check", handler.MonitorCheck)
		admin.GET("/monitor/status", handler.MonitorStatus)
	}

	return r
}
