package models

import "time"

// EventType names an entity lifecycle or state-change event.
type EventType string

const (
	EventRegistered          EventType = "registered"
	EventStatusChanged       EventType = "status_changed"
	EventHeartbeatMissed     EventType = "heartbeat_missed"
	EventHealthChanged       EventType = "health_changed"
	EventImpactChanged       EventType = "impact_changed"
	EventDependencyAdded     EventType = "dependency_added"
	EventDependencyRemoved   EventType = "dependency_removed"
	EventDeregistered        EventType = "deregistered"
	EventSubscriptionExpired EventType = "subscription_expired"
)

// Event is one entry of the append-only event log. Every field except
// Processed and ProcessedAt is immutable once written, and Processed only
// ever moves from false to true.
type Event struct {
	ID            string         `json:"event_id" yaml:"event_id"`
	Type          EventType      `json:"event_type" yaml:"event_type"`
	EntityID      string         `json:"entity_id" yaml:"entity_id"`
	EntityKind    EntityKind     `json:"entity_type" yaml:"entity_type"`
	Timestamp     time.Time      `json:"timestamp" yaml:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty" yaml:"correlation_id,omitempty"`
	Processed     bool           `json:"processed" yaml:"processed"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty" yaml:"processed_at,omitempty"`
}

// EventFilter specifies criteria for reading events.
type EventFilter struct {
	EntityID   string
	Type       EventType
	EntityKind EntityKind
	Since      *time.Time
	Until      *time.Time
	Processed  *bool
	Limit      int
}

// Matches reports whether e satisfies every criterion in f (Limit aside).
func (f EventFilter) Matches(e *Event) bool {
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.EntityKind != "" && e.EntityKind != f.EntityKind {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.Timestamp.After(*f.Until) {
		return false
	}
	if f.Processed != nil && e.Processed != *f.Processed {
		return false
	}
	return true
}

// DeadLetter records a delivery abandoned after its retry budget ran out.
type DeadLetter struct {
	ID             string         `json:"id" yaml:"id"`
	EventID        string         `json:"event_id" yaml:"event_id"`
	SubscriptionID string         `json:"subscription_id" yaml:"subscription_id"`
	DeliveryMethod DeliveryMethod `json:"delivery_method" yaml:"delivery_method"`
	Attempts       int            `json:"attempts" yaml:"attempts"`
	LastError      string         `json:"last_error" yaml:"last_error"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
}
