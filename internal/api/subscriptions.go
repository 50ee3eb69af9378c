package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

type subscribeRequest struct {
	SubscriberID     string                `json:"subscriber_id" binding:"required"`
	SubscriberType   string                `json:"subscriber_type"`
	EventTypeFilter  string                `json:"event_type_filter"`
	EntityTypeFilter string                `json:"entity_type_filter"`
	EntityIDFilter   string                `json:"entity_id_filter"`
	DeliveryMethod   models.DeliveryMethod `json:"delivery_method" binding:"required"`
	Endpoint         string                `json:"endpoint"`
	TTLSeconds       int64                 `json:"ttl_seconds" binding:"gte=0"`
}

func (h *handler) subscribe(c *gin.Context) {
	if h.svc.Subscriptions == nil {
		notImplemented(c, "subscriptions")
		return
	}
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sub, err := h.svc.Subscriptions.Subscribe(c.Request.Context(), fanout.SubscribeInput{
		SubscriberID:     req.SubscriberID,
		SubscriberType:   req.SubscriberType,
		EventTypeFilter:  req.EventTypeFilter,
		EntityTypeFilter: req.EntityTypeFilter,
		EntityIDFilter:   req.EntityIDFilter,
		DeliveryMethod:   req.DeliveryMethod,
		Endpoint:         req.Endpoint,
		TTL:              time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

type listSubscriptionsQuery struct {
	Active bool `form:"active"`
}

func (h *handler) listSubscriptions(c *gin.Context) {
	if h.svc.Subscriptions == nil {
		notImplemented(c, "subscriptions")
		return
	}
	var q listSubscriptionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	subs, err := h.svc.Subscriptions.List(c.Request.Context(), q.Active)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

func (h *handler) getSubscription(c *gin.Context) {
	if h.svc.Subscriptions == nil {
		notImplemented(c, "subscriptions")
		return
	}
	sub, err := h.svc.Subscriptions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *handler) unsubscribe(c *gin.Context) {
	if h.svc.Subscriptions == nil {
		notImplemented(c, "subscriptions")
		return
	}
	if err := h.svc.Subscriptions.Unsubscribe(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type pollQuery struct {
	Max int `form:"max" binding:"omitempty,min=1,max=1000"`
}

func (h *handler) pollSubscription(c *gin.Context) {
	if h.svc.Subscriptions == nil {
		notImplemented(c, "subscriptions")
		return
	}
	q := pollQuery{Max: 100}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	events, err := h.svc.Subscriptions.Poll(c.Request.Context(), c.Param("id"), q.Max)
	if err != nil {
		fail(c, err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"subscription_id": c.Param("id"), "events": events})
}

// streamSubscription upgrades to a websocket that receives the events
// delivered to a websocket subscription.
func (h *handler) streamSubscription(c *gin.Context) {
	if h.svc.Subscriptions == nil || h.svc.Hub == nil {
		notImplemented(c, "websocket streaming")
		return
	}
	id := c.Param("id")
	sub, err := h.svc.Subscriptions.Get(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	if sub.DeliveryMethod != models.DeliveryWebsocket {
		fail(c, &core.ValidationError{Field: "delivery_method", Reason: "subscription " + id + " does not deliver by websocket"})
		return
	}
	if !sub.Live(time.Now()) {
		fail(c, &core.InvalidStateTransitionError{EntityID: id, Kind: "subscription", From: "inactive", To: "streaming"})
		return
	}
	// The upgrader writes its own error response on failure.
	if err := h.svc.Hub.Serve(c.Writer, c.Request, id); err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("subscription_id", id), zap.Error(err))
	}
}
