// Package api exposes the registry over HTTP with gin.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/cache"
	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/storage"
)

// Services are the collaborators the handlers call. Only Registry is
// required; routes whose service is nil answer 501.
type Services struct {
	Registry      core.EntityRegistry
	Health        core.HealthScorer
	Dependencies  core.DependencyGraph
	Subscriptions fanout.SubscriptionManager
	Events        storage.EventStore
	Dispatcher    *fanout.Dispatcher
	Hub           *fanout.WebsocketHub
	Metrics       observability.Aggregator
	Alerts        observability.AlertEngine
	Cache         cache.Cache
	Collectors    *observability.Collectors
}

type handler struct {
	svc Services
	log *zap.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(svc Services, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	h := &handler{svc: svc, log: logger.Named("api")}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestID())
	r.Use(accessLog(h.log, svc.Collectors))

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(svc.Collectors.Handler()))

	v1 := r.Group("/v1")
	{
		entities := v1.Group("/entities")
		{
			entities.POST("", h.registerEntity)
			entities.GET("", h.listEntities)
			entities.GET("/:id", h.getEntity)
			entities.PUT("/:id/status", h.updateStatus)
			entities.DELETE("/:id", h.deregisterEntity)

			entities.POST("/:id/heartbeat", h.reportHeartbeat)
			entities.GET("/:id/health", h.getHealth)
			entities.POST("/:id/health/recompute", h.recomputeHealth)
			entities.GET("/:id/health/history", h.healthHistory)

			entities.GET("/:id/impact", h.getImpact)
			entities.GET("/:id/dependencies", h.listDependencies)
			entities.POST("/:id/dependencies", h.addDependency)
			entities.DELETE("/:id/dependencies/:target", h.removeDependency)
			entities.GET("/:id/dependents", h.listDependents)
		}

		subs := v1.Group("/subscriptions")
		{
			subs.POST("", h.subscribe)
			subs.GET("", h.listSubscriptions)
			subs.GET("/:id", h.getSubscription)
			subs.DELETE("/:id", h.unsubscribe)
			subs.GET("/:id/events", h.pollSubscription)
			subs.GET("/:id/stream", h.streamSubscription)
		}

		v1.GET("/events", h.listEvents)
		v1.POST("/events/redrive", h.redriveEvents)
		v1.GET("/dead-letters", h.listDeadLetters)

		v1.POST("/metrics/snapshots", h.takeSnapshot)
		v1.GET("/metrics/snapshots", h.listSnapshots)
		v1.GET("/metrics/snapshots/latest", h.latestSnapshot)
		v1.GET("/cache/stats", h.cacheStats)

		v1.GET("/alerts", h.listAlerts)
	}
	return r
}

// NewServer wraps the router in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func (h *handler) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	body := gin.H{"status": "ok"}
	if h.svc.Dispatcher != nil {
		body["queue_depth"] = h.svc.Dispatcher.QueueDepth()
	}
	// A lookup of an id that cannot exist round-trips the store.
	if _, err := h.svc.Registry.Get(ctx, "healthz-probe"); err != nil && !errors.Is(err, core.ErrNotFound) {
		h.log.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "registry store unreachable"})
		return
	}
	c.JSON(http.StatusOK, body)
}
