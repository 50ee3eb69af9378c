package models

import "time"

// Snapshot field names, used in MetricsSnapshot.Unavailable.
const (
	FieldEntityCounts        = "entity_counts"
	FieldStatusCounts        = "status_counts"
	FieldAverageHealth       = "average_health"
	FieldTierCounts          = "tier_counts"
	FieldStaleEntities       = "stale_entities"
	FieldDependencyEdges     = "dependency_edges"
	FieldEventsByType        = "events_by_type"
	FieldUnprocessedEvents   = "unprocessed_events"
	FieldActiveSubscriptions = "active_subscriptions"
	FieldDeadLetters         = "dead_letters"
	FieldPerformance         = "performance"
)

// PerformanceStats averages the latest heartbeat sample of every live entity.
type PerformanceStats struct {
	AvgResponseTimeMS float64 `json:"avg_response_time_ms" yaml:"avg_response_time_ms"`
	AvgLoadPercent    float64 `json:"avg_load_percent" yaml:"avg_load_percent"`
	Samples           int     `json:"samples" yaml:"samples"`
}

// MetricsSnapshot is an immutable point-in-time rollup. A nil field means
// the aggregate was unavailable when the snapshot was taken; its name is
// listed in Unavailable.
type MetricsSnapshot struct {
	ID                  string                 `json:"id" yaml:"id"`
	TakenAt             time.Time              `json:"taken_at" yaml:"taken_at"`
	EntityCounts        map[EntityKind]int     `json:"entity_counts,omitempty" yaml:"entity_counts,omitempty"`
	StatusCounts        map[EntityStatus]int   `json:"status_counts,omitempty" yaml:"status_counts,omitempty"`
	AverageHealth       map[EntityKind]float64 `json:"average_health,omitempty" yaml:"average_health,omitempty"`
	TierCounts          map[HealthTier]int     `json:"tier_counts,omitempty" yaml:"tier_counts,omitempty"`
	StaleEntities       *int                   `json:"stale_entities,omitempty" yaml:"stale_entities,omitempty"`
	DependencyEdges     *int                   `json:"dependency_edges,omitempty" yaml:"dependency_edges,omitempty"`
	EventsByType        map[EventType]int      `json:"events_by_type,omitempty" yaml:"events_by_type,omitempty"`
	UnprocessedEvents   *int                   `json:"unprocessed_events,omitempty" yaml:"unprocessed_events,omitempty"`
	ActiveSubscriptions *int                   `json:"active_subscriptions,omitempty" yaml:"active_subscriptions,omitempty"`
	DeadLetters         *int                   `json:"dead_letters,omitempty" yaml:"dead_letters,omitempty"`
	Performance         *PerformanceStats      `json:"performance,omitempty" yaml:"performance,omitempty"`
	Unavailable         []string               `json:"unavailable,omitempty" yaml:"unavailable,omitempty"`
}
