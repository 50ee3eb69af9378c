// Package storage persists registry state. Two backends implement the same
// contracts: a YAML file store for single-host use and a Postgres store.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrExists is returned when a create would violate a uniqueness constraint.
	ErrExists = errors.New("record already exists")
	// ErrConflict is returned when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")
)

// EntityStore persists entities. UpdateEntity succeeds only when the stored
// version equals expectedVersion, and then stores e with Version
// expectedVersion+1.
type EntityStore interface {
	CreateEntity(ctx context.Context, e *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)
	FindEntityByName(ctx context.Context, kind models.EntityKind, name string) (*models.Entity, error)
	ListEntities(ctx context.Context, filter models.EntityFilter) ([]*models.Entity, error)
	UpdateEntity(ctx context.Context, e *models.Entity, expectedVersion int64) error
}

// HealthStore persists heartbeat history.
type HealthStore interface {
	// AppendSample stores s and trims the entity's history to keep newest samples.
	AppendSample(ctx context.Context, s models.HealthSample, keep int) error
	// ListSamples returns up to limit samples, newest first.
	ListSamples(ctx context.Context, entityID string, limit int) ([]models.HealthSample, error)
}

// DependencyStore persists dependency edges keyed by (service, depends-on).
type DependencyStore interface {
	AddDependency(ctx context.Context, d models.Dependency) error
	RemoveDependency(ctx context.Context, serviceID, dependsOnID string) error
	RemoveDependenciesFrom(ctx context.Context, serviceID string) ([]models.Dependency, error)
	ListDependencies(ctx context.Context, serviceID string) ([]models.Dependency, error)
	ListDependents(ctx context.Context, dependsOnID string) ([]models.Dependency, error)
	AllDependencies(ctx context.Context) ([]models.Dependency, error)
}

// SubscriptionStore persists subscriptions. Subscriptions are deactivated,
// never deleted.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, activeOnly bool) ([]*models.Subscription, error)
	DeactivateSubscription(ctx context.Context, id string, at time.Time) error
	RecordDelivery(ctx context.Context, id string, outcome models.DeliveryOutcome, at time.Time) error
}

// EventStore is the append-only event log plus its dead-letter record.
type EventStore interface {
	AppendEvent(ctx context.Context, e *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	PruneEvents(ctx context.Context, before time.Time) (int, error)
	AppendDeadLetter(ctx context.Context, d models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// SnapshotStore persists metrics snapshots, newest first on read.
type SnapshotStore interface {
	AppendSnapshot(ctx context.Context, s *models.MetricsSnapshot) error
	ListSnapshots(ctx context.Context, limit int) ([]*models.MetricsSnapshot, error)
}

// RegistryStore is the state the file backend keeps in registry.yaml.
type RegistryStore interface {
	EntityStore
	HealthStore
	DependencyStore
	SubscriptionStore
	Close() error
}

// matchesEntityFilter checks whether an entity satisfies all filter criteria.
func matchesEntityFilter(e *models.Entity, filter models.EntityFilter) bool {
	if !filter.IncludeArchived && e.Archived() {
		return false
	}
	if filter.Kind != "" && e.Kind != filter.Kind {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Tag != "" && !contains(e.Tags, filter.Tag) {
		return false
	}
	if filter.Capability != "" && !contains(e.Capabilities, filter.Capability) {
		return false
	}
	if filter.NamePrefix != "" && (len(e.Name) < len(filter.NamePrefix) || e.Name[:len(filter.NamePrefix)] != filter.NamePrefix) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
