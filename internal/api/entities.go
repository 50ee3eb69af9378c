package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- Entities ---

type registerRequest struct {
	Kind         models.EntityKind `json:"kind" binding:"required"`
	Name         string            `json:"name" binding:"required,max=200"`
	Capabilities []string          `json:"capabilities"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
	Extension    *models.Extension `json:"extension"`
}

func (h *handler) registerEntity(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	e, err := h.svc.Registry.Register(c.Request.Context(), core.RegisterInput{
		Kind:         req.Kind,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		Extension:    req.Extension,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

type listEntitiesQuery struct {
	Kind            string   `form:"kind"`
	Status          []string `form:"status"`
	Tag             string   `form:"tag"`
	Capability      string   `form:"capability"`
	Prefix          string   `form:"prefix"`
	IncludeArchived bool     `form:"include_archived"`
}

func (h *handler) listEntities(c *gin.Context) {
	var q listEntitiesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	filter := models.EntityFilter{
		Kind:            models.EntityKind(q.Kind),
		Tag:             q.Tag,
		Capability:      q.Capability,
		NamePrefix:      q.Prefix,
		IncludeArchived: q.IncludeArchived,
	}
	for _, s := range q.Status {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				filter.Statuses = append(filter.Statuses, models.EntityStatus(part))
			}
		}
	}
	entities, err := h.svc.Registry.List(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": entities, "count": len(entities)})
}

func (h *handler) getEntity(c *gin.Context) {
	e, err := h.svc.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type statusRequest struct {
	Status models.EntityStatus `json:"status" binding:"required"`
}

func (h *handler) updateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.svc.Registry.UpdateStatus(ctx, id, req.Status); err != nil {
		fail(c, err)
		return
	}
	e, err := h.svc.Registry.Get(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *handler) deregisterEntity(c *gin.Context) {
	if err := h.svc.Registry.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Health ---

type heartbeatRequest struct {
	ResponseTimeMS *float64 `json:"response_time_ms" binding:"required,gte=0"`
	LoadPercent    *float64 `json:"load_percent" binding:"required,gte=0,lte=100"`
}

func (h *handler) reportHeartbeat(c *gin.Context) {
	if h.svc.Health == nil {
		notImplemented(c, "health scoring")
		return
	}
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	report, err := h.svc.Health.ReportHeartbeat(c.Request.Context(), c.Param("id"), *req.ResponseTimeMS, *req.LoadPercent)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) getHealth(c *gin.Context) {
	if h.svc.Health == nil {
		notImplemented(c, "health scoring")
		return
	}
	report, err := h.svc.Health.GetHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *handler) recomputeHealth(c *gin.Context) {
	if h.svc.Health == nil {
		notImplemented(c, "health scoring")
		return
	}
	report, err := h.svc.Health.RecomputeHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type limitQuery struct {
	Limit int `form:"limit" binding:"omitempty,min=1,max=1000"`
}

func (h *handler) healthHistory(c *gin.Context) {
	if h.svc.Health == nil {
		notImplemented(c, "health scoring")
		return
	}
	q := limitQuery{Limit: 20}
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	samples, err := h.svc.Health.HealthHistory(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("id"), "samples": samples})
}

// --- Dependencies ---

func (h *handler) getImpact(c *gin.Context) {
	if h.svc.Dependencies == nil {
		notImplemented(c, "dependency graph")
		return
	}
	report, err := h.svc.Dependencies.EffectiveHealth(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type dependencyRequest struct {
	DependsOnID        string                `json:"depends_on_id" binding:"required"`
	Type               models.DependencyType `json:"type"`
	Strength           int                   `json:"strength"`
	Cascading          bool                  `json:"cascading"`
	HealthImpactFactor *float64              `json:"health_impact_factor"`
}

func (h *handler) addDependency(c *gin.Context) {
	if h.svc.Dependencies == nil {
		notImplemented(c, "dependency graph")
		return
	}
	var req dependencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	dep, err := h.svc.Dependencies.AddDependency(c.Request.Context(), core.DependencyInput{
		ServiceID:          c.Param("id"),
		DependsOnID:        req.DependsOnID,
		Type:               req.Type,
		Strength:           req.Strength,
		Cascading:          req.Cascading,
		HealthImpactFactor: req.HealthImpactFactor,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, dep)
}

func (h *handler) removeDependency(c *gin.Context) {
	if h.svc.Dependencies == nil {
		notImplemented(c, "dependency graph")
		return
	}
	if err := h.svc.Dependencies.RemoveDependency(c.Request.Context(), c.Param("id"), c.Param("target")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) listDependencies(c *gin.Context) {
	if h.svc.Dependencies == nil {
		notImplemented(c, "dependency graph")
		return
	}
	deps, err := h.svc.Dependencies.ListDependencies(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("id"), "dependencies": deps})
}

func (h *handler) listDependents(c *gin.Context) {
	if h.svc.Dependencies == nil {
		notImplemented(c, "dependency graph")
		return
	}
	deps, err := h.svc.Dependencies.ListDependents(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entity_id": c.Param("id"), "dependents": deps})
}
