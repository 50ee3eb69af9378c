package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// maxWriteAttempts bounds optimistic retries when another process updates
// the same entity between our read and write.
const maxWriteAttempts = 5

// Options carries the collaborators shared by the registry services. Nil
// collaborators are replaced by no-ops. A zero Health config means the
// defaults from DefaultHealthConfig.
type Options struct {
	Health   models.HealthConfig
	Emitter  Emitter
	Cache    CacheInvalidator
	Observer Observer
	Locks    *EntityLocks
	Logger   *zap.Logger
	Now      func() time.Time
}

// DefaultHealthConfig returns the scoring windows used when none are
// configured.
func DefaultHealthConfig() models.HealthConfig {
	return models.HealthConfig{
		FreshWindow:     60 * time.Second,
		StalenessWindow: 300 * time.Second,
		HistoryLimit:    100,
		ImpactFactor:    1.0,
		SweepSchedule:   "@every 30s",
	}
}

// writer holds what every mutating service needs: the store, per-entity
// serialization, event emission and cache invalidation.
type writer struct {
	store    storage.RegistryStore
	health   models.HealthConfig
	emitter  Emitter
	cache    CacheInvalidator
	observer Observer
	locks    *EntityLocks
	log      *zap.Logger
	now      func() time.Time
}

func newWriter(store storage.RegistryStore, opts Options) *writer {
	w := &writer{
		store:    store,
		health:   opts.Health,
		emitter:  opts.Emitter,
		cache:    opts.Cache,
		observer: opts.Observer,
		locks:    opts.Locks,
		log:      opts.Logger,
		now:      opts.Now,
	}
	defaults := DefaultHealthConfig()
	if w.health == (models.HealthConfig{}) {
		w.health = defaults
	}
	if w.health.FreshWindow <= 0 {
		w.health.FreshWindow = defaults.FreshWindow
	}
	if w.health.StalenessWindow <= 0 {
		w.health.StalenessWindow = defaults.StalenessWindow
	}
	if w.health.HistoryLimit <= 0 {
		w.health.HistoryLimit = defaults.HistoryLimit
	}
	if w.emitter == nil {
		w.emitter = nopEmitter{}
	}
	if w.cache == nil {
		w.cache = nopInvalidator{}
	}
	if w.observer == nil {
		w.observer = nopObserver{}
	}
	if w.locks == nil {
		w.locks = NewEntityLocks()
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *writer) getEntity(ctx context.Context, id string) (*models.Entity, error) {
	e, err := w.store.GetEntity(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, entityNotFound(id)
		}
		return nil, fmt.Errorf("loading entity %s: %w", id, err)
	}
	return e, nil
}

// mutate applies fn to a copy of the entity and writes it back under the
// entity's lock, retrying on version conflicts. fn reports whether it
// changed anything; unchanged entities are not written. It returns the
// entity before and after the change.
func (w *writer) mutate(ctx context.Context, id string, fn func(e *models.Entity) (bool, error)) (before, after *models.Entity, err error) {
	unlock := w.locks.Lock(id)
	defer unlock()

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cur, err := w.getEntity(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		next := cur.Clone()
		changed, err := fn(next)
		if err != nil {
			return nil, nil, err
		}
		if !changed {
			return cur, cur, nil
		}
		next.UpdatedAt = w.now()

		err = w.store.UpdateEntity(ctx, next, cur.Version)
		switch {
		case err == nil:
			w.invalidateEntity(next)
			return cur, next, nil
		case errors.Is(err, storage.ErrConflict):
			w.log.Debug("retrying entity write after version conflict",
				zap.String("entity_id", id), zap.Int("attempt", attempt+1))
			continue
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil, entityNotFound(id)
		default:
			return nil, nil, fmt.Errorf("updating entity %s: %w", id, err)
		}
	}
	return nil, nil, fmt.Errorf("updating entity %s after %d attempts: %w", id, maxWriteAttempts, storage.ErrConflict)
}

func (w *writer) invalidateEntity(e *models.Entity) {
	w.cache.InvalidateByTag(e.ID)
	w.cache.InvalidateByTag(KindTag(e.Kind))
	w.cache.InvalidateByTag(TagEntities)
}

// emit appends an event for e. Emission failures are logged and never fail
// the write that caused them.
func (w *writer) emit(ctx context.Context, t models.EventType, e *models.Entity, payload map[string]any) {
	if _, err := w.emitter.Emit(ctx, t, e.ID, e.Kind, payload, correlationID(ctx)); err != nil {
		w.log.Warn("emitting event failed",
			zap.String("event_type", string(t)),
			zap.String("entity_id", e.ID),
			zap.Error(err))
	}
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that every event emitted
// while handling ctx will carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
