package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Bus is the emit side of fan-out. It implements core.Emitter.
type Bus struct {
	events     storage.EventStore
	dispatcher *Dispatcher
	cache      core.CacheInvalidator
	metrics    Metrics
	log        *zap.Logger
	now        func() time.Time
}

// BusOptions carries the bus's collaborators. A nil Dispatcher makes Emit
// append-only; events are then delivered by a later Redrive.
type BusOptions struct {
	Dispatcher *Dispatcher
	Cache      core.CacheInvalidator
	Metrics    Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewBus creates a bus that appends to events.
func NewBus(events storage.EventStore, opts BusOptions) *Bus {
	b := &Bus{
		events:     events,
		dispatcher: opts.Dispatcher,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        opts.Now,
	}
	if b.cache == nil {
		b.cache = nopInvalidator{}
	}
	if b.metrics == nil {
		b.metrics = nopMetrics{}
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Emit appends an event and queues it for delivery. It returns once the
// event is durable; delivery never blocks or fails the caller.
func (b *Bus) Emit(ctx context.Context, eventType models.EventType, entityID string, kind models.EntityKind,
	payload map[string]any, correlationID string) (string, error) {
	e := &models.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		EntityID:      entityID,
		EntityKind:    kind,
		Timestamp:     b.now().UTC(),
		Payload:       payload,
		CorrelationID: correlationID,
	}
	if err := b.events.AppendEvent(ctx, e); err != nil {
		return "", fmt.Errorf("appending %s event for %s: %w", eventType, entityID, err)
	}
	b.cache.InvalidateByTag(core.TagEvents)
	b.metrics.EventEmitted(eventType)

	if b.dispatcher != nil && !b.dispatcher.Enqueue(e) {
		b.log.Debug("event not queued", zap.String("event_id", e.ID), zap.String("event_type", string(eventType)))
	}
	return e.ID, nil
}
