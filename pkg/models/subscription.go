package models

import "time"

// DeliveryMethod selects the transport used to push events to a subscriber.
type DeliveryMethod string

const (
	DeliveryWebhook   DeliveryMethod = "webhook"
	DeliveryPoll      DeliveryMethod = "poll"
	DeliveryWebsocket DeliveryMethod = "websocket"
	DeliveryRedis     DeliveryMethod = "redis"
	DeliveryKafka     DeliveryMethod = "kafka"
	DeliveryFile      DeliveryMethod = "file"
)

// Wildcard matches any value in a subscription filter. An empty filter is
// treated the same way.
const Wildcard = "*"

// Subscription registers interest in events matching its filters.
type Subscription struct {
	ID                   string         `json:"id" yaml:"id"`
	SubscriberID         string         `json:"subscriber_id" yaml:"subscriber_id"`
	SubscriberType       string         `json:"subscriber_type" yaml:"subscriber_type"`
	EventTypeFilter      string         `json:"event_type_filter" yaml:"event_type_filter"`
	EntityTypeFilter     string         `json:"entity_type_filter" yaml:"entity_type_filter"`
	EntityIDFilter       string         `json:"entity_id_filter" yaml:"entity_id_filter"`
	DeliveryMethod       DeliveryMethod `json:"delivery_method" yaml:"delivery_method"`
	Endpoint             string         `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Active               bool           `json:"active" yaml:"active"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	CreatedAt            time.Time      `json:"created_at" yaml:"created_at"`
	DeactivatedAt        *time.Time     `json:"deactivated_at,omitempty" yaml:"deactivated_at,omitempty"`
	SuccessfulDeliveries int64          `json:"successful_deliveries" yaml:"successful_deliveries"`
	FailedDeliveries     int64          `json:"failed_deliveries" yaml:"failed_deliveries"`
	LastDeliveryAt       *time.Time     `json:"last_delivery_at,omitempty" yaml:"last_delivery_at,omitempty"`
}

// Expired reports whether the subscription's TTL has run out at now.
func (s *Subscription) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// Live reports whether the subscription should receive deliveries at now.
func (s *Subscription) Live(now time.Time) bool {
	return s.Active && !s.Expired(now)
}

// Matches reports whether e passes all three filters.
func (s *Subscription) Matches(e *Event) bool {
	return filterMatches(s.EventTypeFilter, string(e.Type)) &&
		filterMatches(s.EntityTypeFilter, string(e.EntityKind)) &&
		filterMatches(s.EntityIDFilter, e.EntityID)
}

func filterMatches(filter, value string) bool {
	return filter == "" || filter == Wildcard || filter == value
}

// DeliveryOutcome is the result of delivering one event to one subscription.
type DeliveryOutcome string

const (
	OutcomeDelivered  DeliveryOutcome = "delivered"
	OutcomeDeadLetter DeliveryOutcome = "dead_letter"
)
