package core

import (
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Cache tags attached to aggregate queries. Entity writes invalidate the
// entity id, its kind tag and TagEntities; edge writes invalidate
// TagDependencies and both endpoint ids. The fan-out side invalidates
// TagEvents when the event log or dead letters change and TagSubscriptions
// when a subscription is created or deactivated.
const (
	TagEntities      = "entities"
	TagDependencies  = "dependencies"
	TagEvents        = "events"
	TagSubscriptions = "subscriptions"
)

// KindTag is the cache tag covering every entity of one kind.
func KindTag(kind models.EntityKind) string {
	return "kind:" + string(kind)
}

// CacheInvalidator is the subset of the query cache that writers need.
type CacheInvalidator interface {
	InvalidateByTag(tag string) int
}

// Observer receives counters for registry activity. The Prometheus
// collectors satisfy it.
type Observer interface {
	HeartbeatReceived(kind models.EntityKind)
	StatusChanged(kind models.EntityKind, status models.EntityStatus)
}

type nopInvalidator struct{}

func (nopInvalidator) InvalidateByTag(string) int { return 0 }

type nopObserver struct{}

func (nopObserver) HeartbeatReceived(models.EntityKind)                  {}
func (nopObserver) StatusChanged(models.EntityKind, models.EntityStatus) {}
