package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/valter-silva-au/agent-registry/internal/cache"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- Events ---

type listEventsQuery struct {
	EntityID  string     `form:"entity_id"`
	Type      string     `form:"type"`
	Kind      string     `form:"kind"`
	Processed *bool      `form:"processed"`
	Since     *time.Time `form:"since" time_format:"2006-01-02T15:04:05Z07:00"`
	Until     *time.Time `form:"until" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit     int        `form:"limit" binding:"omitempty,min=1,max=10000"`
}

func (h *handler) listEvents(c *gin.Context) {
	if h.svc.Events == nil {
		notImplemented(c, "event log")
		return
	}
	q := listEventsQuery{Limit: 100}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	events, err := h.svc.Events.ListEvents(c.Request.Context(), models.EventFilter{
		EntityID:   q.EntityID,
		Type:       models.EventType(q.Type),
		EntityKind: models.EntityKind(q.Kind),
		Since:      q.Since,
		Until:      q.Until,
		Processed:  q.Processed,
		Limit:      q.Limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *handler) redriveEvents(c *gin.Context) {
	if h.svc.Dispatcher == nil {
		notImplemented(c, "event delivery")
		return
	}
	n, err := h.svc.Dispatcher.Redrive(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": n})
}

func (h *handler) listDeadLetters(c *gin.Context) {
	if h.svc.Events == nil {
		notImplemented(c, "event log")
		return
	}
	q := limitQuery{Limit: 100}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	dead, err := h.svc.Events.ListDeadLetters(c.Request.Context(), q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	if dead == nil {
		dead = []models.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": dead, "count": len(dead)})
}

// --- Metrics and alerts ---

func (h *handler) takeSnapshot(c *gin.Context) {
	if h.svc.Metrics == nil {
		notImplemented(c, "metrics")
		return
	}
	snap, err := h.svc.Metrics.TakeSnapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h *handler) listSnapshots(c *gin.Context) {
	if h.svc.Metrics == nil {
		notImplemented(c, "metrics")
		return
	}
	q := limitQuery{Limit: 20}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	snaps, err := h.svc.Metrics.ListSnapshots(c.Request.Context(), q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	if snaps == nil {
		snaps = []*models.MetricsSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (h *handler) latestSnapshot(c *gin.Context) {
	if h.svc.Metrics == nil {
		notImplemented(c, "metrics")
		return
	}
	snap, err := h.svc.Metrics.LatestSnapshot(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if snap == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, errorBody{Error: "no snapshot has been taken", Code: "not_found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) cacheStats(c *gin.Context) {
	if h.svc.Cache == nil {
		notImplemented(c, "query cache")
		return
	}
	c.JSON(http.StatusOK, struct {
		cache.Stats
		Entries []cache.Entry `json:"entries"`
	}{h.svc.Cache.Stats(), h.svc.Cache.Entries()})
}

func (h *handler) listAlerts(c *gin.Context) {
	if h.svc.Alerts == nil {
		notImplemented(c, "alerting")
		return
	}
	alerts, err := h.svc.Alerts.Evaluate(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if alerts == nil {
		alerts = []observability.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
