package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// SubscribeInput registers interest in events. Empty or "*" filters match
// everything. A zero TTL never expires.
type SubscribeInput struct {
	SubscriberID     string                `json:"subscriber_id" validate:"required,max=200"`
	SubscriberType   string                `json:"subscriber_type" validate:"max=100"`
	EventTypeFilter  string                `json:"event_type_filter" validate:"omitempty,event_filter"`
	EntityTypeFilter string                `json:"entity_type_filter" validate:"omitempty,kind_filter"`
	EntityIDFilter   string                `json:"entity_id_filter" validate:"max=200"`
	DeliveryMethod   models.DeliveryMethod `json:"delivery_method" validate:"required,oneof=webhook poll websocket redis kafka file"`
	Endpoint         string                `json:"endpoint" validate:"required_if=DeliveryMethod webhook,max=2048"`
	TTL              time.Duration         `json:"ttl" validate:"gte=0"`
}

// SubscriptionManager owns the subscription lifecycle.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, in SubscribeInput) (*models.Subscription, error)
	Unsubscribe(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	List(ctx context.Context, activeOnly bool) ([]*models.Subscription, error)
	// ExpireDue deactivates every active subscription past its expiry and
	// emits subscription_expired for each.
	ExpireDue(ctx context.Context) (int, error)
	// Poll drains up to max queued events of a poll subscription.
	Poll(ctx context.Context, id string, max int) ([]*models.Event, error)
}

// SubscriptionOptions carries the manager's collaborators.
type SubscriptionOptions struct {
	Emitter    core.Emitter
	Cache      core.CacheInvalidator
	Dispatcher *Dispatcher
	Mailbox    *Mailbox
	// MailboxGrace keeps an inactive poll subscription's backlog pollable.
	// Zero means DefaultMailboxGrace.
	MailboxGrace time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

type subscriptionManager struct {
	store      storage.SubscriptionStore
	emitter    core.Emitter
	cache      core.CacheInvalidator
	dispatcher *Dispatcher
	mailbox    *Mailbox
	grace      time.Duration
	validate   *validator.Validate
	log        *zap.Logger
	now        func() time.Time
}

// NewSubscriptionManager creates a SubscriptionManager backed by store.
func NewSubscriptionManager(store storage.SubscriptionStore, opts SubscriptionOptions) SubscriptionManager {
	m := &subscriptionManager{
		store:      store,
		emitter:    opts.Emitter,
		cache:      opts.Cache,
		dispatcher: opts.Dispatcher,
		mailbox:    opts.Mailbox,
		grace:      opts.MailboxGrace,
		validate:   NewValidator(),
		log:        opts.Logger,
		now:        opts.Now,
	}
	if m.cache == nil {
		m.cache = nopInvalidator{}
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.grace <= 0 {
		m.grace = DefaultMailboxGrace
	}
	return m
}

// NewValidator returns a validator that knows the event_filter and
// kind_filter tags used by SubscribeInput.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("event_filter", func(fl validator.FieldLevel) bool {
		return validEventFilter(fl.Field().String())
	})
	_ = v.RegisterValidation("kind_filter", func(fl validator.FieldLevel) bool {
		f := fl.Field().String()
		return f == models.Wildcard || models.EntityKind(f).Valid()
	})
	return v
}

func validEventFilter(f string) bool {
	if f == models.Wildcard {
		return true
	}
	switch models.EventType(f) {
	case models.EventRegistered, models.EventStatusChanged, models.EventHeartbeatMissed,
		models.EventHealthChanged, models.EventImpactChanged, models.EventDependencyAdded,
		models.EventDependencyRemoved, models.EventDeregistered, models.EventSubscriptionExpired:
		return true
	}
	return false
}

// validationError converts the first validator failure into a
// core.ValidationError.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &core.ValidationError{Field: toSnake(fe.Field()), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
	}
	return &core.ValidationError{Field: "subscription", Reason: err.Error()}
}

func toSnake(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				sb.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (m *subscriptionManager) Subscribe(ctx context.Context, in SubscribeInput) (*models.Subscription, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	if in.DeliveryMethod == models.DeliveryWebhook {
		if err := m.validate.Var(in.Endpoint, "http_url"); err != nil {
			return nil, &core.ValidationError{Field: "endpoint", Reason: "webhook endpoint must be an http(s) URL"}
		}
	}

	now := m.now().UTC()
	sub := &models.Subscription{
		ID:               uuid.NewString(),
		SubscriberID:     in.SubscriberID,
		SubscriberType:   in.SubscriberType,
		EventTypeFilter:  wildcardIfEmpty(in.EventTypeFilter),
		EntityTypeFilter: wildcardIfEmpty(in.EntityTypeFilter),
		EntityIDFilter:   wildcardIfEmpty(in.EntityIDFilter),
		DeliveryMethod:   in.DeliveryMethod,
		Endpoint:         in.Endpoint,
		Active:           true,
		CreatedAt:        now,
	}
	if in.TTL > 0 {
		exp := now.Add(in.TTL)
		sub.ExpiresAt = &exp
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	m.cache.InvalidateByTag(core.TagSubscriptions)
	m.log.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("subscriber_id", sub.SubscriberID),
		zap.String("delivery_method", string(sub.DeliveryMethod)))
	return sub, nil
}

func wildcardIfEmpty(s string) string {
	if s == "" {
		return models.Wildcard
	}
	return s
}

func (m *subscriptionManager) Get(ctx context.Context, id string) (*models.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &core.NotFoundError{Resource: "subscription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("loading subscription %s: %w", id, err)
	}
	return sub, nil
}

func (m *subscriptionManager) List(ctx context.Context, activeOnly bool) ([]*models.Subscription, error) {
	subs, err := m.store.ListSubscriptions(ctx, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	return subs, nil
}

// Unsubscribe is idempotent for an already inactive subscription.
// Deliveries already in flight are allowed to finish, and a poll backlog
// stays pollable until drained or until the mailbox grace period ends.
func (m *subscriptionManager) Unsubscribe(ctx context.Context, id string) error {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if !sub.Active {
		return nil
	}
	if err := m.store.DeactivateSubscription(ctx, id, m.now().UTC()); err != nil {
		return fmt.Errorf("deactivating subscription %s: %w", id, err)
	}
	m.release(id)
	m.log.Info("subscription removed", zap.String("subscription_id", id))
	return nil
}

func (m *subscriptionManager) ExpireDue(ctx context.Context) (int, error) {
	subs, err := m.store.ListSubscriptions(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("listing subscriptions: %w", err)
	}
	now := m.now().UTC()
	if m.mailbox != nil {
		if n := m.mailbox.Sweep(now); n > 0 {
			m.log.Info("discarded undrained poll backlog of inactive subscriptions", zap.Int("events", n))
		}
	}
	expired := 0
	var errs []error
	for _, sub := range subs {
		if !sub.Expired(now) {
			continue
		}
		if err := m.store.DeactivateSubscription(ctx, sub.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("expiring subscription %s: %w", sub.ID, err))
			continue
		}
		expired++
		m.release(sub.ID)
		if m.emitter != nil {
			payload := map[string]any{
				"subscriber_id":   sub.SubscriberID,
				"delivery_method": string(sub.DeliveryMethod),
				"expires_at":      sub.ExpiresAt.UTC().Format(time.RFC3339),
			}
			if _, err := m.emitter.Emit(ctx, models.EventSubscriptionExpired, sub.ID, "", payload, ""); err != nil {
				m.log.Warn("emitting subscription_expired failed", zap.String("subscription_id", sub.ID), zap.Error(err))
			}
		}
	}
	if expired > 0 {
		m.log.Info("subscriptions expired", zap.Int("count", expired))
	}
	return expired, errors.Join(errs...)
}

func (m *subscriptionManager) Poll(ctx context.Context, id string, max int) ([]*models.Event, error) {
	sub, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.DeliveryMethod != models.DeliveryPoll {
		return nil, &core.ValidationError{Field: "delivery_method", Reason: fmt.Sprintf("subscription %s delivers by %s, not poll", id, sub.DeliveryMethod)}
	}
	if m.mailbox == nil {
		return nil, nil
	}
	return m.mailbox.Drain(id, max), nil
}

func (m *subscriptionManager) release(id string) {
	m.cache.InvalidateByTag(core.TagSubscriptions)
	if m.dispatcher != nil {
		m.dispatcher.Forget(id)
	}
	if m.mailbox != nil {
		m.mailbox.Retire(id, m.now().Add(m.grace))
	}
}
