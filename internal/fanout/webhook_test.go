package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap/zaptest"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

func webhookSub(endpoint string) *models.Subscription {
	return &models.Subscription{ID: "sub-1", SubscriberID: "hook", DeliveryMethod: models.DeliveryWebhook, Endpoint: endpoint, Active: true}
}

func TestWebhook_PostsEnvelope(t *testing.T) {
	var got Envelope
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w := NewWebhookTransport(WebhookConfig{Timeout: time.Second}, zaptest.NewLogger(t))
	e := &models.Event{ID: "ev-1", Type: models.EventStatusChanged, EntityID: "api-1", EntityKind: models.KindServer,
		Payload: map[string]any{"new_status": "error"}}
	if err := w.Deliver(context.Background(), webhookSub(srv.URL+"/hook"), e); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got.SubscriptionID != "sub-1" || got.Event == nil || got.Event.ID != "ev-1" {
		t.Errorf("envelope = %+v", got)
	}
	if got.Event.Payload["new_status"] != "error" {
		t.Errorf("payload = %v", got.Event.Payload)
	}
	if headers.Get(HeaderEventType) != "status_changed" || headers.Get(HeaderSubscription) != "sub-1" || headers.Get(HeaderEventID) != "ev-1" {
		t.Errorf("headers = %v", headers)
	}
	if headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", headers.Get("Content-Type"))
	}
}

func TestWebhook_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   bool
		permanent bool
	}{
		{"ok", http.StatusOK, false, false},
		{"no content", http.StatusNoContent, false, false},
		{"bad request", http.StatusBadRequest, true, true},
		{"gone", http.StatusGone, true, true},
		{"throttled", http.StatusTooManyRequests, true, false},
		{"server error", http.StatusBadGateway, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			w := NewWebhookTransport(WebhookConfig{}, nil)
			err := w.Deliver(context.Background(), webhookSub(srv.URL), &models.Event{ID: "e"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsPermanent(err) != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.permanent)
			}
		})
	}
}

func TestWebhook_InvalidEndpointIsPermanent(t *testing.T) {
	w := NewWebhookTransport(WebhookConfig{}, nil)
	for _, ep := range []string{"", "::not-a-url", "/relative/only"} {
		if err := w.Deliver(context.Background(), webhookSub(ep), &models.Event{ID: "e"}); !IsPermanent(err) {
			t.Errorf("endpoint %q: error = %v, want permanent", ep, err)
		}
	}
}

func TestWebhook_BreakerOpensPerHost(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWebhookTransport(WebhookConfig{BreakerFailures: 3, BreakerCooldown: time.Hour}, zaptest.NewLogger(t))
	sub := webhookSub(srv.URL)
	for i := 0; i < 3; i++ {
		if err := w.Deliver(context.Background(), sub, &models.Event{ID: "e"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	err := w.Deliver(context.Background(), sub, &models.Event{ID: "e"})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if hits.Load() != 3 {
		t.Errorf("server hits = %d, want 3 (open breaker must not call out)", hits.Load())
	}

	u, _ := url.Parse(srv.URL)
	if w.BreakerState(u.Host) != gobreaker.StateOpen {
		t.Errorf("state = %s, want open", w.BreakerState(u.Host))
	}
	if w.BreakerState("other.example.com:443") != gobreaker.StateClosed {
		t.Error("an unrelated host should be unaffected")
	}
}

func TestWebhook_RejectedPayloadDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	w := NewWebhookTransport(WebhookConfig{BreakerFailures: 2}, nil)
	for i := 0; i < 5; i++ {
		_ = w.Deliver(context.Background(), webhookSub(srv.URL), &models.Event{ID: "e"})
	}
	u, _ := url.Parse(srv.URL)
	if w.BreakerState(u.Host) != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", w.BreakerState(u.Host))
	}
}
