package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/cache"
	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Aggregator takes point-in-time rollups of registry state. Each field is
// read through the query cache under its own timeout; a field that errors
// or times out is left nil and named in the snapshot's Unavailable list.
type Aggregator interface {
	TakeSnapshot(ctx context.Context) (*models.MetricsSnapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]*models.MetricsSnapshot, error)
	// LatestSnapshot returns the newest stored snapshot, or nil when none
	// has been taken.
	LatestSnapshot(ctx context.Context) (*models.MetricsSnapshot, error)
}

// SnapshotObserver mirrors snapshots into gauges. *Collectors satisfies it.
type SnapshotObserver interface {
	ObserveSnapshot(s *models.MetricsSnapshot)
}

// AggregatorOptions configures an Aggregator. A nil Cache computes every
// field directly.
type AggregatorOptions struct {
	Cache        cache.Cache
	CacheTTL     time.Duration
	QueryTimeout time.Duration
	Health       models.HealthConfig
	Observer     SnapshotObserver
	Logger       *zap.Logger
	Now          func() time.Time
}

type aggregator struct {
	registry  storage.RegistryStore
	events    storage.EventStore
	snapshots storage.SnapshotStore
	cache     cache.Cache
	ttl       time.Duration
	timeout   time.Duration
	staleness time.Duration
	observer  SnapshotObserver
	log       *zap.Logger
	now       func() time.Time
}

// NewAggregator creates an Aggregator over the given stores.
func NewAggregator(registry storage.RegistryStore, events storage.EventStore, snapshots storage.SnapshotStore, opts AggregatorOptions) Aggregator {
	a := &aggregator{
		registry:  registry,
		events:    events,
		snapshots: snapshots,
		cache:     opts.Cache,
		ttl:       opts.CacheTTL,
		timeout:   opts.QueryTimeout,
		staleness: opts.Health.StalenessWindow,
		observer:  opts.Observer,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if a.timeout <= 0 {
		a.timeout = 5 * time.Second
	}
	if a.staleness <= 0 {
		a.staleness = core.DefaultHealthConfig().StalenessWindow
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

// snapshotField is one independently computed part of a snapshot.
type snapshotField struct {
	name    string
	tags    []string
	compute func(ctx context.Context, now time.Time) (any, error)
	apply   func(s *models.MetricsSnapshot, v any)
}

func (a *aggregator) fields() []snapshotField {
	entityTags := []string{core.TagEntities}
	return []snapshotField{
		{models.FieldEntityCounts, entityTags, a.entityCounts,
			func(s *models.MetricsSnapshot, v any) { s.EntityCounts = v.(map[models.EntityKind]int) }},
		{models.FieldStatusCounts, entityTags, a.statusCounts,
			func(s *models.MetricsSnapshot, v any) { s.StatusCounts = v.(map[models.EntityStatus]int) }},
		{models.FieldAverageHealth, entityTags, a.averageHealth,
			func(s *models.MetricsSnapshot, v any) { s.AverageHealth = v.(map[models.EntityKind]float64) }},
		{models.FieldTierCounts, entityTags, a.tierCounts,
			func(s *models.MetricsSnapshot, v any) { s.TierCounts = v.(map[models.HealthTier]int) }},
		{models.FieldStaleEntities, entityTags, a.staleEntities,
			func(s *models.MetricsSnapshot, v any) { s.StaleEntities = intPtr(v.(int)) }},
		{models.FieldDependencyEdges, []string{core.TagDependencies}, a.dependencyEdges,
			func(s *models.MetricsSnapshot, v any) { s.DependencyEdges = intPtr(v.(int)) }},
		{models.FieldEventsByType, []string{core.TagEvents}, a.eventsByType,
			func(s *models.MetricsSnapshot, v any) { s.EventsByType = v.(map[models.EventType]int) }},
		{models.FieldUnprocessedEvents, []string{core.TagEvents}, a.unprocessedEvents,
			func(s *models.MetricsSnapshot, v any) { s.UnprocessedEvents = intPtr(v.(int)) }},
		{models.FieldActiveSubscriptions, []string{core.TagSubscriptions}, a.activeSubscriptions,
			func(s *models.MetricsSnapshot, v any) { s.ActiveSubscriptions = intPtr(v.(int)) }},
		{models.FieldDeadLetters, []string{core.TagEvents}, a.deadLetters,
			func(s *models.MetricsSnapshot, v any) { s.DeadLetters = intPtr(v.(int)) }},
		{models.FieldPerformance, entityTags, a.performance,
			func(s *models.MetricsSnapshot, v any) { p := v.(models.PerformanceStats); s.Performance = &p }},
	}
}

func intPtr(n int) *int { return &n }

// TakeSnapshot computes every field concurrently, persists the snapshot and
// mirrors it into the observer. Field failures degrade the snapshot; only
// a failure to persist it is returned.
func (a *aggregator) TakeSnapshot(ctx context.Context) (*models.MetricsSnapshot, error) {
	now := a.now().UTC()
	snap := &models.MetricsSnapshot{ID: uuid.NewString(), TakenAt: now}

	fields := a.fields()
	values := make([]any, len(fields))
	errs := make([]error, len(fields))
	var wg sync.WaitGroup
	for i, f := range fields {
		wg.Add(1)
		go func() {
			defer wg.Done()
			values[i], errs[i] = a.fetch(ctx, f, now)
		}()
	}
	wg.Wait()

	for i, f := range fields {
		if errs[i] != nil {
			snap.Unavailable = append(snap.Unavailable, f.name)
			a.log.Warn("snapshot field unavailable", zap.String("field", f.name), zap.Error(errs[i]))
			continue
		}
		f.apply(snap, values[i])
	}
	sort.Strings(snap.Unavailable)

	if err := a.snapshots.AppendSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("storing metrics snapshot: %w", err)
	}
	if a.observer != nil {
		a.observer.ObserveSnapshot(snap)
	}
	a.log.Info("metrics snapshot taken",
		zap.String("snapshot_id", snap.ID),
		zap.Strings("unavailable", snap.Unavailable))
	return snap, nil
}

// fetch reads one field through the cache, giving up after the query
// timeout even if the underlying store ignores cancellation.
func (a *aggregator) fetch(ctx context.Context, f snapshotField, now time.Time) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	compute := func(ctx context.Context) (any, error) { return f.compute(ctx, now) }
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var r result
		if a.cache != nil {
			r.v, r.err = a.cache.GetOrCompute(ctx, "metrics:"+f.name, "metrics", f.tags, a.ttl, compute)
		} else {
			r.v, r.err = compute(ctx)
		}
		ch <- r
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("computing %s: %w", f.name, ctx.Err())
	}
}

func (a *aggregator) ListSnapshots(ctx context.Context, limit int) ([]*models.MetricsSnapshot, error) {
	snaps, err := a.snapshots.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snaps, nil
}

func (a *aggregator) LatestSnapshot(ctx context.Context) (*models.MetricsSnapshot, error) {
	snaps, err := a.ListSnapshots(ctx, 1)
	if err != nil || len(snaps) == 0 {
		return nil, err
	}
	return snaps[0], nil
}

// --- Field computations ---

func (a *aggregator) liveEntities(ctx context.Context) ([]*models.Entity, error) {
	return a.registry.ListEntities(ctx, models.EntityFilter{})
}

func (a *aggregator) entityCounts(ctx context.Context, _ time.Time) (any, error) {
	entities, err := a.liveEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.EntityKind]int, len(models.AllKinds))
	for _, e := range entities {
		out[e.Kind]++
	}
	return out, nil
}

func (a *aggregator) statusCounts(ctx context.Context, _ time.Time) (any, error) {
	entities, err := a.registry.ListEntities(ctx, models.EntityFilter{IncludeArchived: true})
	if err != nil {
		return nil, err
	}
	out := make(map[models.EntityStatus]int)
	for _, e := range entities {
		out[e.Status]++
	}
	return out, nil
}

func (a *aggregator) averageHealth(ctx context.Context, _ time.Time) (any, error) {
	entities, err := a.liveEntities(ctx)
	if err != nil {
		return nil, err
	}
	sums := make(map[models.EntityKind]float64)
	counts := make(map[models.EntityKind]int)
	for _, e := range entities {
		sums[e.Kind] += e.HealthScore
		counts[e.Kind]++
	}
	out := make(map[models.EntityKind]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out, nil
}

// stale mirrors the health scorer's rule: no heartbeat, or none within the
// staleness window.
func (a *aggregator) stale(e *models.Entity, now time.Time) bool {
	return e.LastHeartbeat == nil || now.Sub(*e.LastHeartbeat) > a.staleness
}

func (a *aggregator) tierCounts(ctx context.Context, now time.Time) (any, error) {
	entities, err := a.liveEntities(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[models.HealthTier]int)
	for _, e := range entities {
		if a.stale(e, now) {
			out[models.TierCritical]++
			continue
		}
		out[models.TierFor(e.EffectiveHealth)]++
	}
	return out, nil
}

func (a *aggregator) staleEntities(ctx context.Context, now time.Time) (any, error) {
	entities, err := a.liveEntities(ctx)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, e := range entities {
		if a.stale(e, now) {
			n++
		}
	}
	return n, nil
}

func (a *aggregator) dependencyEdges(ctx context.Context, _ time.Time) (any, error) {
	edges, err := a.registry.AllDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return len(edges), nil
}

func (a *aggregator) eventsByType(ctx context.Context, _ time.Time) (any, error) {
	events, err := a.events.ListEvents(ctx, models.EventFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[models.EventType]int)
	for _, e := range events {
		out[e.Type]++
	}
	return out, nil
}

func (a *aggregator) unprocessedEvents(ctx context.Context, _ time.Time) (any, error) {
	unprocessed := false
	events, err := a.events.ListEvents(ctx, models.EventFilter{Processed: &unprocessed})
	if err != nil {
		return nil, err
	}
	return len(events), nil
}

func (a *aggregator) activeSubscriptions(ctx context.Context, now time.Time) (any, error) {
	subs, err := a.registry.ListSubscriptions(ctx, true)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, s := range subs {
		if s.Live(now) {
			n++
		}
	}
	return n, nil
}

func (a *aggregator) deadLetters(ctx context.Context, _ time.Time) (any, error) {
	dead, err := a.events.ListDeadLetters(ctx, 0)
	if err != nil {
		return nil, err
	}
	return len(dead), nil
}

func (a *aggregator) performance(ctx context.Context, _ time.Time) (any, error) {
	entities, err := a.liveEntities(ctx)
	if err != nil {
		return nil, err
	}
	var stats models.PerformanceStats
	var errs []error
	for _, e := range entities {
		samples, err := a.registry.ListSamples(ctx, e.ID, 1)
		if err != nil {
			errs = append(errs, fmt.Errorf("samples of %s: %w", e.ID, err))
			continue
		}
		if len(samples) == 0 {
			continue
		}
		stats.AvgResponseTimeMS += samples[0].ResponseTimeMS
		stats.AvgLoadPercent += samples[0].LoadPercent
		stats.Samples++
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if stats.Samples > 0 {
		stats.AvgResponseTimeMS /= float64(stats.Samples)
		stats.AvgLoadPercent /= float64(stats.Samples)
	}
	return stats, nil
}
