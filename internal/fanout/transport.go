// Package fanout delivers registry events to subscribers. Emit appends to
// the event log and hands the event to a bounded queue; the dispatcher
// matches it against live subscriptions and pushes it through each
// subscription's transport in queue order, with retry, rate limiting and
// dead-lettering.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Transport pushes one event to one subscription. Deliver may be called
// concurrently for different subscriptions.
type Transport interface {
	Method() models.DeliveryMethod
	Deliver(ctx context.Context, sub *models.Subscription, e *models.Event) error
	Close() error
}

// Envelope is the wire shape every push transport sends.
type Envelope struct {
	SubscriptionID string                `json:"subscription_id" yaml:"subscription_id"`
	SubscriberID   string                `json:"subscriber_id" yaml:"subscriber_id"`
	Event          *models.Event         `json:"event" yaml:"event"`
	DeliveredAt    time.Time             `json:"delivered_at" yaml:"delivered_at"`
	Method         models.DeliveryMethod `json:"delivery_method" yaml:"delivery_method"`
}

func newEnvelope(sub *models.Subscription, e *models.Event, now time.Time) Envelope {
	return Envelope{
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		Event:          e,
		DeliveredAt:    now.UTC(),
		Method:         sub.DeliveryMethod,
	}
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the dispatcher dead-letters it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// TransportSet maps delivery methods to their transports.
type TransportSet map[models.DeliveryMethod]Transport

// NewTransportSet indexes ts by method. A later transport for the same
// method replaces an earlier one.
func NewTransportSet(ts ...Transport) TransportSet {
	set := make(TransportSet, len(ts))
	for _, t := range ts {
		if t != nil {
			set[t.Method()] = t
		}
	}
	return set
}

// Close closes every transport and joins their errors.
func (s TransportSet) Close() error {
	var errs []error
	for method, t := range s {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s transport: %w", method, err))
		}
	}
	return errors.Join(errs...)
}
