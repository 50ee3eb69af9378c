package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// recordingEmitter captures emitted events.
type recordingEmitter struct {
	types []models.EventType
	ids   []string
}

func (r *recordingEmitter) Emit(_ context.Context, t models.EventType, entityID string, _ models.EntityKind, _ map[string]any, _ string) (string, error) {
	r.types = append(r.types, t)
	r.ids = append(r.ids, entityID)
	return "ev", nil
}

func TestSubscribe_Validation(t *testing.T) {
	env := newFanoutEnv(t)
	m := env.subscriptions(t, SubscriptionOptions{})

	tests := []struct {
		name  string
		in    SubscribeInput
		field string
	}{
		{"missing subscriber", SubscribeInput{DeliveryMethod: models.DeliveryPoll}, "subscriber_id"},
		{"missing method", SubscribeInput{SubscriberID: "s"}, "delivery_method"},
		{"unknown method", SubscribeInput{SubscriberID: "s", DeliveryMethod: "carrier-pigeon"}, "delivery_method"},
		{"unknown event type", SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryPoll, EventTypeFilter: "exploded"}, "event_type_filter"},
		{"unknown entity type", SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryPoll, EntityTypeFilter: "robot"}, "entity_type_filter"},
		{"webhook without endpoint", SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryWebhook}, "endpoint"},
		{"webhook with bad url", SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryWebhook, Endpoint: "not a url"}, "endpoint"},
		{"negative ttl", SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryPoll, TTL: -time.Second}, "ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Subscribe(context.Background(), tt.in)
			var verr *core.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			if verr.Field != tt.field {
				t.Errorf("field = %q, want %q", verr.Field, tt.field)
			}
		})
	}
}

func TestSubscribe_DefaultsAndTTL(t *testing.T) {
	env := newFanoutEnv(t)
	m := env.subscriptions(t, SubscriptionOptions{})

	sub := env.subscribe(t, m, SubscribeInput{
		SubscriberID: "hook", DeliveryMethod: models.DeliveryWebhook,
		Endpoint: "https://hooks.example.com/areg", TTL: time.Hour,
	})
	if sub.EventTypeFilter != models.Wildcard || sub.EntityTypeFilter != models.Wildcard || sub.EntityIDFilter != models.Wildcard {
		t.Errorf("empty filters should become wildcards: %+v", sub)
	}
	if !sub.Active || sub.ExpiresAt == nil || !sub.ExpiresAt.Equal(env.now.Add(time.Hour)) {
		t.Errorf("sub = %+v", sub)
	}

	forever := env.subscribe(t, m, SubscribeInput{SubscriberID: "poller", DeliveryMethod: models.DeliveryPoll, EventTypeFilter: "*"})
	if forever.ExpiresAt != nil {
		t.Error("zero TTL should never expire")
	}
}

func TestUnsubscribe(t *testing.T) {
	env := newFanoutEnv(t)
	ctx := context.Background()
	m := env.subscriptions(t, SubscriptionOptions{})
	sub := env.subscribe(t, m, SubscribeInput{SubscriberID: "s", DeliveryMethod: models.DeliveryPoll})

	if err := m.Unsubscribe(ctx, sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Unsubscribe(ctx, sub.ID); err != nil {
		t.Errorf("repeat unsubscribe: %v", err)
	}
	if err := m.Unsubscribe(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown id: error = %v, want NotFoundError", err)
	}

	got, _ := m.Get(ctx, sub.ID)
	if got.Active || got.DeactivatedAt == nil {
		t.Errorf("sub still active: %+v", got)
	}
	active, _ := m.List(ctx, true)
	all, _ := m.List(ctx, false)
	if len(active) != 0 || len(all) != 1 {
		t.Errorf("active=%d all=%d, want 0 and 1", len(active), len(all))
	}
}

func TestExpireDue(t *testing.T) {
	env := newFanoutEnv(t)
	ctx := context.Background()
	emitter := &recordingEmitter{}
	m := env.subscriptions(t, SubscriptionOptions{Emitter: emitter})

	short := env.subscribe(t, m, SubscribeInput{SubscriberID: "short", DeliveryMethod: models.DeliveryPoll, TTL: time.Minute})
	env.subscribe(t, m, SubscribeInput{SubscriberID: "long", DeliveryMethod: models.DeliveryPoll, TTL: time.Hour})
	env.subscribe(t, m, SubscribeInput{SubscriberID: "forever", DeliveryMethod: models.DeliveryPoll})

	env.now = env.now.Add(5 * time.Minute)
	n, err := m.ExpireDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1", n)
	}
	if len(emitter.types) != 1 || emitter.types[0] != models.EventSubscriptionExpired || emitter.ids[0] != short.ID {
		t.Errorf("emitted %v %v", emitter.types, emitter.ids)
	}

	if n, _ := m.ExpireDue(ctx); n != 0 {
		t.Errorf("second sweep expired %d", n)
	}
}

func TestPoll(t *testing.T) {
	env := newFanoutEnv(t)
	ctx := context.Background()
	mailbox := NewMailbox(0)
	m := env.subscriptions(t, SubscriptionOptions{Mailbox: mailbox})
	poll := env.subscribe(t, m, SubscribeInput{SubscriberID: "p", DeliveryMethod: models.DeliveryPoll})
	hook := env.subscribe(t, m, SubscribeInput{SubscriberID: "h", DeliveryMethod: models.DeliveryWebhook, Endpoint: "http://127.0.0.1:1/x"})

	for _, id := range []string{"e1", "e2", "e3"} {
		_ = mailbox.Deliver(ctx, poll, &models.Event{ID: id})
	}
	got, err := m.Poll(ctx, poll.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("first poll = %v", got)
	}
	got, _ = m.Poll(ctx, poll.ID, 10)
	if len(got) != 1 || got[0].ID != "e3" {
		t.Errorf("second poll = %v", got)
	}

	if _, err := m.Poll(ctx, hook.ID, 1); !errors.Is(err, core.ErrValidation) {
		t.Errorf("poll on webhook sub: error = %v, want ValidationError", err)
	}
	if _, err := m.Poll(ctx, "missing", 1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("poll on unknown sub: error = %v, want NotFoundError", err)
	}

	// An empty backlog is released on unsubscribe.
	if err := m.Unsubscribe(ctx, poll.ID); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.Poll(ctx, poll.ID, 0); len(got) != 0 {
		t.Errorf("poll after unsubscribe = %v, want nothing", got)
	}
}

func TestPoll_BacklogOutlivesUnsubscribeUntilDrained(t *testing.T) {
	env := newFanoutEnv(t)
	ctx := context.Background()
	mailbox := NewMailbox(0)
	m := env.subscriptions(t, SubscriptionOptions{Mailbox: mailbox, MailboxGrace: time.Minute})
	poll := env.subscribe(t, m, SubscribeInput{SubscriberID: "p", DeliveryMethod: models.DeliveryPoll})

	for _, id := range []string{"e1", "e2", "e3"} {
		_ = mailbox.Deliver(ctx, poll, &models.Event{ID: id})
	}
	if err := m.Unsubscribe(ctx, poll.ID); err != nil {
		t.Fatal(err)
	}
	if mailbox.Pending(poll.ID) != 3 {
		t.Fatalf("pending after unsubscribe = %d, want 3", mailbox.Pending(poll.ID))
	}

	got, err := m.Poll(ctx, poll.ID, 2)
	if err != nil {
		t.Fatalf("Poll on inactive subscription: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e1" || got[1].ID != "e2" {
		t.Errorf("first poll = %v", got)
	}
	// Within the grace period the sweep keeps what is left.
	if _, err := m.ExpireDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Poll(ctx, poll.ID, 0)
	if len(got) != 1 || got[0].ID != "e3" {
		t.Errorf("second poll = %v, want e3", got)
	}
}

func TestPoll_UndrainedBacklogDiscardedAfterGrace(t *testing.T) {
	env := newFanoutEnv(t)
	ctx := context.Background()
	mailbox := NewMailbox(0)
	m := env.subscriptions(t, SubscriptionOptions{Mailbox: mailbox, MailboxGrace: time.Minute})
	poll := env.subscribe(t, m, SubscribeInput{SubscriberID: "p", DeliveryMethod: models.DeliveryPoll})

	_ = mailbox.Deliver(ctx, poll, &models.Event{ID: "e1"})
	if err := m.Unsubscribe(ctx, poll.ID); err != nil {
		t.Fatal(err)
	}
	env.now = env.now.Add(2 * time.Minute)
	if _, err := m.ExpireDue(ctx); err != nil {
		t.Fatal(err)
	}
	if mailbox.Pending(poll.ID) != 0 {
		t.Error("backlog survived the grace period")
	}
}
