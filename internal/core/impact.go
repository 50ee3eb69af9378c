package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// unhealthyThreshold is the health below which a required dependency
// degrades the entities that depend on it.
const unhealthyThreshold = 50.0

// graphSnapshot is a point-in-time copy of the edge set and entity health
// used for one impact computation. Archived and unknown entities count as
// health 0.
type graphSnapshot struct {
	forward map[string][]models.Dependency
	reverse map[string][]models.Dependency
	health  map[string]float64
}

func newGraphSnapshot(edges []models.Dependency, entities []*models.Entity) *graphSnapshot {
	g := &graphSnapshot{
		forward: make(map[string][]models.Dependency),
		reverse: make(map[string][]models.Dependency),
		health:  make(map[string]float64, len(entities)),
	}
	for _, d := range edges {
		g.forward[d.ServiceID] = append(g.forward[d.ServiceID], d)
		g.reverse[d.DependsOnID] = append(g.reverse[d.DependsOnID], d)
	}
	for _, e := range entities {
		if e.Archived() {
			continue
		}
		g.health[e.ID] = e.HealthScore
	}
	return g
}

// impact walks required edges out of root with an explicit stack. Each
// node reachable over a required edge is counted once; its own required
// edges are followed only when some edge reaching it is cascading. A
// counted node with health below the threshold multiplies the result by
// health/100 times the largest impact factor among the edges reaching it.
// Both visited sets are order independent, so the result is too.
func (g *graphSnapshot) impact(root string) float64 {
	factors := make(map[string]float64)
	expanded := map[string]bool{root: true}
	stack := []string{root}

	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, d := range g.forward[u] {
			if d.Type != models.DependencyRequired {
				continue
			}
			v := d.DependsOnID
			if v != root {
				if f, seen := factors[v]; !seen || d.HealthImpactFactor > f {
					factors[v] = d.HealthImpactFactor
				}
			}
			if d.Cascading && !expanded[v] {
				expanded[v] = true
				stack = append(stack, v)
			}
		}
	}

	result := 100.0
	for id, factor := range factors {
		h := g.health[id]
		if h < unhealthyThreshold {
			result *= (h / 100) * factor
		}
	}
	return clampScore(result)
}

// markStale counts every live entity without a heartbeat inside window as
// down, whatever its last computed score.
func (g *graphSnapshot) markStale(entities []*models.Entity, now time.Time, window time.Duration) {
	for _, e := range entities {
		if _, live := g.health[e.ID]; live && isStale(e, now, window) {
			g.health[e.ID] = 0
		}
	}
}

// ancestors returns every entity that reaches id over required edges,
// excluding id itself.
func (g *graphSnapshot) ancestors(id string) []string {
	visited := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		for _, d := range g.reverse[v] {
			if d.Type != models.DependencyRequired || visited[d.ServiceID] {
				continue
			}
			visited[d.ServiceID] = true
			out = append(out, d.ServiceID)
			queue = append(queue, d.ServiceID)
		}
	}
	return out
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func effectiveHealth(score, impact float64) float64 {
	return clampScore(score * impact / 100)
}

// impactPropagator keeps stored DependencyImpact and EffectiveHealth in
// step with the graph.
type impactPropagator struct {
	*writer
}

func (p *impactPropagator) snapshot(ctx context.Context) (*graphSnapshot, error) {
	edges, err := p.store.AllDependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading dependency graph: %w", err)
	}
	entities, err := p.store.ListEntities(ctx, models.EntityFilter{IncludeArchived: true})
	if err != nil {
		return nil, fmt.Errorf("loading entity health: %w", err)
	}
	g := newGraphSnapshot(edges, entities)
	g.markStale(entities, p.now(), p.health.StalenessWindow)
	return g, nil
}

// refreshFrom recomputes the impact of id and everything that depends on it.
func (p *impactPropagator) refreshFrom(ctx context.Context, id string) error {
	g, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	return p.refresh(ctx, g, append([]string{id}, g.ancestors(id)...), id)
}

// refreshDependents recomputes the impact of everything that depends on id.
func (p *impactPropagator) refreshDependents(ctx context.Context, id string) error {
	g, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	return p.refresh(ctx, g, g.ancestors(id), id)
}

func (p *impactPropagator) refresh(ctx context.Context, g *graphSnapshot, ids []string, cause string) error {
	var errs []error
	for _, id := range ids {
		impact := g.impact(id)
		before, after, err := p.mutate(ctx, id, func(e *models.Entity) (bool, error) {
			if e.Archived() || sameScore(e.DependencyImpact, impact) {
				return false, nil
			}
			e.DependencyImpact = impact
			e.EffectiveHealth = effectiveHealth(e.HealthScore, impact)
			return true, nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if before.Version == after.Version {
			continue
		}
		p.emit(ctx, models.EventImpactChanged, after, map[string]any{
			"old_impact":       before.DependencyImpact,
			"new_impact":       after.DependencyImpact,
			"effective_health": after.EffectiveHealth,
			"cause_entity_id":  cause,
		})
		p.log.Debug("dependency impact changed",
			zap.String("entity_id", id),
			zap.Float64("impact", impact),
			zap.String("cause", cause))
	}
	return errors.Join(errs...)
}

func sameScore(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
