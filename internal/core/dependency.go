package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// DependencyInput describes an edge. A nil HealthImpactFactor takes the
// configured default and an empty Type means required.
type DependencyInput struct {
	ServiceID          string
	DependsOnID        string
	Type               models.DependencyType
	Strength           int
	Cascading          bool
	HealthImpactFactor *float64
}

// DependencyGraph manages edges between entities and the health impact
// they carry.
type DependencyGraph interface {
	AddDependency(ctx context.Context, in DependencyInput) (*models.Dependency, error)
	RemoveDependency(ctx context.Context, serviceID, dependsOnID string) error
	ComputeDependencyImpact(ctx context.Context, id string) (float64, error)
	ListDependencies(ctx context.Context, id string) ([]models.Dependency, error)
	ListDependents(ctx context.Context, id string) ([]models.Dependency, error)
	EffectiveHealth(ctx context.Context, id string) (*models.HealthReport, error)
}

type dependencyGraph struct {
	*impactPropagator
}

// NewDependencyGraph creates a DependencyGraph backed by store.
func NewDependencyGraph(store storage.RegistryStore, opts Options) DependencyGraph {
	return &dependencyGraph{impactPropagator: &impactPropagator{writer: newWriter(store, opts)}}
}

func (g *dependencyGraph) AddDependency(ctx context.Context, in DependencyInput) (*models.Dependency, error) {
	if in.ServiceID == in.DependsOnID {
		return nil, &SelfDependencyError{EntityID: in.ServiceID}
	}
	d, err := g.validateEdge(in)
	if err != nil {
		return nil, err
	}

	service, err := g.getEntity(ctx, in.ServiceID)
	if err != nil {
		return nil, err
	}
	target, err := g.getEntity(ctx, in.DependsOnID)
	if err != nil {
		return nil, err
	}
	for _, e := range []*models.Entity{service, target} {
		if e.Archived() {
			return nil, &ValidationError{Field: "dependency", Reason: fmt.Sprintf("entity %s is archived", e.ID)}
		}
	}

	d.CreatedAt = g.now()
	if err := g.store.AddDependency(ctx, d); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return nil, &DuplicateDependencyError{ServiceID: d.ServiceID, DependsOnID: d.DependsOnID}
		}
		return nil, fmt.Errorf("adding dependency %s: %w", d.Key(), err)
	}
	g.invalidateEdge(d)
	g.emit(ctx, models.EventDependencyAdded, service, map[string]any{
		"depends_on_id":        d.DependsOnID,
		"type":                 string(d.Type),
		"strength":             d.Strength,
		"cascading":            d.Cascading,
		"health_impact_factor": d.HealthImpactFactor,
	})

	if err := g.refreshFrom(ctx, d.ServiceID); err != nil {
		g.log.Warn("refreshing impact after adding dependency failed",
			zap.String("edge", d.Key()), zap.Error(err))
	}
	return &d, nil
}

func (g *dependencyGraph) validateEdge(in DependencyInput) (models.Dependency, error) {
	d := models.Dependency{
		ServiceID:          in.ServiceID,
		DependsOnID:        in.DependsOnID,
		Type:               in.Type,
		Strength:           in.Strength,
		Cascading:          in.Cascading,
		HealthImpactFactor: g.health.ImpactFactor,
	}
	if d.ServiceID == "" || d.DependsOnID == "" {
		return d, &ValidationError{Field: "dependency", Reason: "service_id and depends_on_id are required"}
	}
	if d.Type == "" {
		d.Type = models.DependencyRequired
	}
	if !d.Type.Valid() {
		return d, &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not one of required, optional, preferred", d.Type)}
	}
	if d.Strength < 1 || d.Strength > 10 {
		return d, &ValidationError{Field: "strength", Reason: fmt.Sprintf("%d is outside 1-10", d.Strength)}
	}
	if in.HealthImpactFactor != nil {
		d.HealthImpactFactor = *in.HealthImpactFactor
	}
	if math.IsNaN(d.HealthImpactFactor) || d.HealthImpactFactor < 0 || d.HealthImpactFactor > 1 {
		return d, &ValidationError{Field: "health_impact_factor", Reason: fmt.Sprintf("%v is outside 0-1", d.HealthImpactFactor)}
	}
	return d, nil
}

func (g *dependencyGraph) RemoveDependency(ctx context.Context, serviceID, dependsOnID string) error {
	service, err := g.getEntity(ctx, serviceID)
	if err != nil {
		return err
	}
	if err := g.store.RemoveDependency(ctx, serviceID, dependsOnID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &NotFoundError{Resource: "dependency", ID: serviceID + "->" + dependsOnID}
		}
		return fmt.Errorf("removing dependency %s->%s: %w", serviceID, dependsOnID, err)
	}
	g.invalidateEdge(models.Dependency{ServiceID: serviceID, DependsOnID: dependsOnID})
	g.emit(ctx, models.EventDependencyRemoved, service, map[string]any{
		"depends_on_id": dependsOnID,
	})

	if err := g.refreshFrom(ctx, serviceID); err != nil {
		g.log.Warn("refreshing impact after removing dependency failed",
			zap.String("service_id", serviceID), zap.Error(err))
	}
	return nil
}

// ComputeDependencyImpact returns the multiplicative impact of the entity's
// required dependencies, 100 when none is unhealthy. It reads the graph at
// call time and does not store the result.
func (g *dependencyGraph) ComputeDependencyImpact(ctx context.Context, id string) (float64, error) {
	if _, err := g.getEntity(ctx, id); err != nil {
		return 0, err
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	return snap.impact(id), nil
}

func (g *dependencyGraph) ListDependencies(ctx context.Context, id string) ([]models.Dependency, error) {
	if _, err := g.getEntity(ctx, id); err != nil {
		return nil, err
	}
	deps, err := g.store.ListDependencies(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies of %s: %w", id, err)
	}
	return deps, nil
}

func (g *dependencyGraph) ListDependents(ctx context.Context, id string) ([]models.Dependency, error) {
	if _, err := g.getEntity(ctx, id); err != nil {
		return nil, err
	}
	deps, err := g.store.ListDependents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing dependents of %s: %w", id, err)
	}
	return deps, nil
}

// EffectiveHealth combines the stored health score with a freshly computed
// dependency impact.
func (g *dependencyGraph) EffectiveHealth(ctx context.Context, id string) (*models.HealthReport, error) {
	e, err := g.getEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	snap, err := g.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	impact := snap.impact(id)
	report := healthReport(e, g.now(), g.health)
	report.DependencyImpact = impact
	report.EffectiveHealth = effectiveHealth(e.HealthScore, impact)
	if !report.Stale {
		report.Tier = models.TierFor(report.EffectiveHealth)
	}
	return report, nil
}

func (g *dependencyGraph) invalidateEdge(d models.Dependency) {
	g.cache.InvalidateByTag(TagDependencies)
	g.cache.InvalidateByTag(d.ServiceID)
	g.cache.InvalidateByTag(d.DependsOnID)
}
