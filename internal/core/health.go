package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// HealthScorer ingests heartbeats and maintains health scores.
type HealthScorer interface {
	ReportHeartbeat(ctx context.Context, id string, responseTimeMS, loadPercent float64) (*models.HealthReport, error)
	GetHealth(ctx context.Context, id string) (*models.HealthReport, error)
	RecomputeHealth(ctx context.Context, id string) (*models.HealthReport, error)
	HealthHistory(ctx context.Context, id string, limit int) ([]models.HealthSample, error)
	SweepStale(ctx context.Context) (int, error)
}

type healthScorer struct {
	*impactPropagator
}

// NewHealthScorer creates a HealthScorer backed by store.
func NewHealthScorer(store storage.RegistryStore, opts Options) HealthScorer {
	return &healthScorer{impactPropagator: &impactPropagator{writer: newWriter(store, opts)}}
}

// ScoreComponents applies the heartbeat formula. age is the time since the
// heartbeat the response time and load were reported with.
func ScoreComponents(age time.Duration, responseTimeMS, loadPercent float64, cfg models.HealthConfig) models.HealthComponents {
	var c models.HealthComponents
	switch {
	case age <= cfg.FreshWindow:
		c.Recency = 40
	case age <= cfg.StalenessWindow:
		c.Recency = 20
	}
	switch {
	case responseTimeMS < 1000:
		c.ResponseTime = 30
	case responseTimeMS < 5000:
		c.ResponseTime = 15
	}
	switch {
	case loadPercent < 50:
		c.Load = 30
	case loadPercent < 80:
		c.Load = 15
	}
	return c
}

func isStale(e *models.Entity, at time.Time, window time.Duration) bool {
	return e.LastHeartbeat == nil || at.Sub(*e.LastHeartbeat) > window
}

// healthReport builds the fast-path report from stored values. A stale
// entity is reported in the critical tier whatever its score.
func healthReport(e *models.Entity, now time.Time, cfg models.HealthConfig) *models.HealthReport {
	r := &models.HealthReport{
		EntityID:         e.ID,
		Score:            e.HealthScore,
		Tier:             models.TierFor(e.HealthScore),
		Stale:            isStale(e, now, cfg.StalenessWindow),
		DependencyImpact: e.DependencyImpact,
		EffectiveHealth:  e.EffectiveHealth,
		LastHeartbeat:    e.LastHeartbeat,
		ComputedAt:       e.HealthComputedAt,
	}
	if r.Stale {
		r.Tier = models.TierCritical
	}
	return r
}

func validateHeartbeat(responseTimeMS, loadPercent float64) error {
	if math.IsNaN(responseTimeMS) || math.IsInf(responseTimeMS, 0) || responseTimeMS < 0 {
		return &ValidationError{Field: "response_time_ms", Reason: "must be a non-negative number"}
	}
	if math.IsNaN(loadPercent) || math.IsInf(loadPercent, 0) || loadPercent < 0 {
		return &ValidationError{Field: "load_percent", Reason: "must be a non-negative number"}
	}
	return nil
}

// ReportHeartbeat records a heartbeat, appends a health sample and
// recomputes the score before returning.
func (h *healthScorer) ReportHeartbeat(ctx context.Context, id string, responseTimeMS, loadPercent float64) (*models.HealthReport, error) {
	if err := validateHeartbeat(responseTimeMS, loadPercent); err != nil {
		return nil, err
	}
	now := h.now()
	comps := ScoreComponents(0, responseTimeMS, loadPercent, h.health)

	before, after, err := h.mutate(ctx, id, func(e *models.Entity) (bool, error) {
		if e.Archived() {
			return false, &InvalidStateTransitionError{EntityID: e.ID, Kind: e.Kind, From: e.Status, To: e.Status}
		}
		e.LastHeartbeat = &now
		e.HealthComputedAt = &now
		e.HealthScore = clampScore(comps.Total())
		e.EffectiveHealth = effectiveHealth(e.HealthScore, e.DependencyImpact)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	sample := models.HealthSample{
		EntityID:       id,
		RecordedAt:     now,
		ResponseTimeMS: responseTimeMS,
		LoadPercent:    loadPercent,
		Score:          after.HealthScore,
	}
	if err := h.store.AppendSample(ctx, sample, h.health.HistoryLimit); err != nil {
		return nil, fmt.Errorf("recording health sample for %s: %w", id, err)
	}
	h.observer.HeartbeatReceived(after.Kind)
	// A heartbeat from a silent entity revives it for its dependents even
	// when the score itself barely moves.
	h.afterScoreChange(ctx, before, after, isStale(before, now, h.health.StalenessWindow))

	report := healthReport(after, now, h.health)
	report.Components = &comps
	return report, nil
}

// GetHealth returns the last computed score without recomputing it.
// Staleness is still checked against the current time.
func (h *healthScorer) GetHealth(ctx context.Context, id string) (*models.HealthReport, error) {
	e, err := h.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return healthReport(e, h.now(), h.health), nil
}

// RecomputeHealth recomputes the score from the latest sample and the time
// since the last heartbeat, and the impact from the current graph.
func (h *healthScorer) RecomputeHealth(ctx context.Context, id string) (*models.HealthReport, error) {
	e, err := h.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	now := h.now()
	if e.Archived() {
		return healthReport(e, now, h.health), nil
	}

	samples, err := h.store.ListSamples(ctx, id, 1)
	if err != nil {
		return nil, fmt.Errorf("loading latest sample for %s: %w", id, err)
	}
	snap, err := h.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	impact := snap.impact(id)

	var comps models.HealthComponents
	before, after, err := h.mutate(ctx, id, func(e *models.Entity) (bool, error) {
		comps = models.HealthComponents{}
		if e.LastHeartbeat != nil && len(samples) > 0 {
			comps = ScoreComponents(now.Sub(*e.LastHeartbeat), samples[0].ResponseTimeMS, samples[0].LoadPercent, h.health)
		}
		e.HealthScore = clampScore(comps.Total())
		e.DependencyImpact = impact
		e.EffectiveHealth = effectiveHealth(e.HealthScore, impact)
		e.HealthComputedAt = &now
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	becameStale := before.LastHeartbeat != nil && isStale(after, now, h.health.StalenessWindow) &&
		(before.HealthComputedAt == nil || !isStale(before, *before.HealthComputedAt, h.health.StalenessWindow))
	if becameStale {
		h.emit(ctx, models.EventHeartbeatMissed, after, map[string]any{
			"last_heartbeat": before.LastHeartbeat.Format(time.RFC3339),
			"silent_seconds": int(now.Sub(*before.LastHeartbeat).Seconds()),
		})
	}
	if !sameScore(before.DependencyImpact, after.DependencyImpact) {
		h.emit(ctx, models.EventImpactChanged, after, map[string]any{
			"old_impact":       before.DependencyImpact,
			"new_impact":       after.DependencyImpact,
			"effective_health": after.EffectiveHealth,
			"cause_entity_id":  id,
		})
	}
	h.afterScoreChange(ctx, before, after, becameStale)

	report := healthReport(after, now, h.health)
	report.Components = &comps
	return report, nil
}

// afterScoreChange emits health_changed and refreshes everything that
// depends on the entity when the score is or was below the unhealthy
// threshold, or when the entity went silent or came back.
func (h *healthScorer) afterScoreChange(ctx context.Context, before, after *models.Entity, livenessChanged bool) {
	changed := !sameScore(before.HealthScore, after.HealthScore)
	if changed {
		h.emit(ctx, models.EventHealthChanged, after, map[string]any{
			"old_score": before.HealthScore,
			"new_score": after.HealthScore,
			"tier":      string(models.TierFor(after.HealthScore)),
		})
	}
	crossed := changed && (before.HealthScore < unhealthyThreshold || after.HealthScore < unhealthyThreshold)
	if !crossed && !livenessChanged {
		return
	}
	if err := h.refreshDependents(ctx, after.ID); err != nil {
		h.log.Warn("propagating health change to dependents failed",
			zap.String("entity_id", after.ID), zap.Error(err))
	}
}

func (h *healthScorer) HealthHistory(ctx context.Context, id string, limit int) ([]models.HealthSample, error) {
	if _, err := h.getEntity(ctx, id); err != nil {
		return nil, err
	}
	samples, err := h.store.ListSamples(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("loading health history for %s: %w", id, err)
	}
	return samples, nil
}

// SweepStale recomputes every live entity whose last computation predates
// a recency boundary that has since passed. It returns how many entities
// were recomputed.
func (h *healthScorer) SweepStale(ctx context.Context) (int, error) {
	entities, err := h.store.ListEntities(ctx, models.EntityFilter{})
	if err != nil {
		return 0, fmt.Errorf("listing entities for sweep: %w", err)
	}
	now := h.now()
	recomputed := 0
	var errs []error
	for _, e := range entities {
		if !h.needsRecompute(e, now) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return recomputed, err
		}
		if _, err := h.RecomputeHealth(ctx, e.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		recomputed++
	}
	if recomputed > 0 {
		h.log.Info("stale health sweep", zap.Int("recomputed", recomputed))
	}
	return recomputed, errors.Join(errs...)
}

func (h *healthScorer) needsRecompute(e *models.Entity, now time.Time) bool {
	if e.LastHeartbeat == nil {
		return false
	}
	for _, window := range []time.Duration{h.health.FreshWindow, h.health.StalenessWindow} {
		boundary := e.LastHeartbeat.Add(window)
		if now.After(boundary) && (e.HealthComputedAt == nil || !e.HealthComputedAt.After(boundary)) {
			return true
		}
	}
	return false
}
