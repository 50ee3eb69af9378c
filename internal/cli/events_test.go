package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

func withServer(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	orig := serverURL
	t.Cleanup(func() {
		serverURL = orig
		srv.Close()
	})
	serverURL = srv.URL
}

func TestEventsList_ShowsRegistration(t *testing.T) {
	setupServices(t)
	e := registerEntity(t, models.KindAgent, "a")

	out := mustRun(t, eventsListCmd)
	if !strings.Contains(out, string(models.EventRegistered)) || !strings.Contains(out, e.ID) {
		t.Errorf("expected the registration event:\n%s", out)
	}
	// Nothing delivers events in a one-shot process.
	if !strings.Contains(out, " no") {
		t.Errorf("expected the event to be unprocessed:\n%s", out)
	}
}

func TestEventsList_Filters(t *testing.T) {
	setupServices(t)
	a := registerEntity(t, models.KindAgent, "a")
	registerEntity(t, models.KindServer, "s")

	origEntity, origJSON := eventsEntity, eventsJSON
	defer func() { eventsEntity, eventsJSON = origEntity, origJSON }()
	eventsEntity = a.ID
	eventsJSON = true

	out := mustRun(t, eventsListCmd)
	var events []*models.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("decoding events: %v\n%s", err, out)
	}
	if len(events) != 1 || events[0].EntityID != a.ID {
		t.Errorf("expected one event for %s, got %+v", a.ID, events)
	}
}

func TestEventsList_InvalidSince(t *testing.T) {
	setupServices(t)
	orig := eventsSince
	defer func() { eventsSince = orig }()
	eventsSince = "soon"

	_, err := runCmd(t, eventsListCmd)
	if err == nil || !strings.Contains(err.Error(), "--since") {
		t.Errorf("expected a --since error, got %v", err)
	}
}

func TestEventsPrune_KeepsUnprocessed(t *testing.T) {
	setupServices(t)
	registerEntity(t, models.KindAgent, "a")

	orig := eventsOlderThan
	defer func() { eventsOlderThan = orig }()
	eventsOlderThan = "0h"

	out := mustRun(t, eventsPruneCmd)
	if !strings.Contains(out, "Pruned 0 event(s)") {
		t.Errorf("unprocessed events must survive pruning: %q", out)
	}
}

func TestEventsDeadLetters_Empty(t *testing.T) {
	setupServices(t)

	out := mustRun(t, eventsDeadLettersCmd)
	if !strings.Contains(out, "No dead letters.") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestEventsRedrive_CallsServer(t *testing.T) {
	var called bool
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/events/redrive" {
			http.NotFound(w, r)
			return
		}
		called = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"queued":3}`))
	}))

	out := mustRun(t, eventsRedriveCmd)
	if !called {
		t.Fatal("server was not called")
	}
	if !strings.Contains(out, "Queued 3 event(s)") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestEventsRedrive_ServerError(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotImplemented)
		_, _ = w.Write([]byte(`{"error":"event delivery is not enabled","code":"not_implemented"}`))
	}))

	_, err := runCmd(t, eventsRedriveCmd)
	if err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Errorf("expected the server's message, got %v", err)
	}
}

func TestSubscriptionLifecycle(t *testing.T) {
	setupServices(t)

	origSub, origEvents, origMethod := subSubscriber, subEvents, subMethod
	origJSON, origTTL := subJSON, subTTL
	defer func() {
		subSubscriber, subEvents, subMethod = origSub, origEvents, origMethod
		subJSON, subTTL = origJSON, origTTL
	}()
	subSubscriber = "ops"
	subEvents = "status_changed"
	subMethod = "poll"
	subTTL = time.Hour
	subJSON = true

	out := mustRun(t, subscriptionAddCmd)
	var sub models.Subscription
	if err := json.Unmarshal([]byte(out), &sub); err != nil {
		t.Fatalf("decoding subscription: %v\n%s", err, out)
	}
	if !sub.Active || sub.ExpiresAt == nil {
		t.Errorf("expected an active expiring subscription, got %+v", sub)
	}

	subJSON = false
	out = mustRun(t, subscriptionListCmd)
	if !strings.Contains(out, sub.ID) || !strings.Contains(out, "events=status_changed") {
		t.Errorf("unexpected list output:\n%s", out)
	}

	mustRun(t, subscriptionRemoveCmd, sub.ID)
	// Unsubscribing twice is not an error.
	mustRun(t, subscriptionRemoveCmd, sub.ID)

	origActive := subActiveOnly
	defer func() { subActiveOnly = origActive }()
	subActiveOnly = true
	out = mustRun(t, subscriptionListCmd)
	if !strings.Contains(out, "No subscriptions found.") {
		t.Errorf("removed subscription still active:\n%s", out)
	}
}

func TestSubscriptionAdd_WebhookNeedsEndpoint(t *testing.T) {
	setupServices(t)

	origSub, origMethod, origEndpoint := subSubscriber, subMethod, subEndpoint
	defer func() { subSubscriber, subMethod, subEndpoint = origSub, origMethod, origEndpoint }()
	subSubscriber = "pager"
	subMethod = "webhook"
	subEndpoint = ""

	if _, err := runCmd(t, subscriptionAddCmd); err == nil {
		t.Error("expected a validation error for a webhook without endpoint")
	}
}

func TestSubscriptionPoll_CallsServer(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub-1/events" || r.URL.Query().Get("max") != "100" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscription_id":"sub-1","events":[
			{"event_id":"e1","event_type":"status_changed","entity_id":"x","entity_type":"agent","timestamp":"2026-01-02T03:04:05Z"}
		]}`))
	}))

	out := mustRun(t, subscriptionPollCmd, "sub-1")
	if !strings.Contains(out, "status_changed") || !strings.Contains(out, "agent/x") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestSubscriptionPoll_NotFound(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"subscription nope not found","code":"not_found"}`))
	}))

	_, err := runCmd(t, subscriptionPollCmd, "nope")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("expected a 404 error, got %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	origServer, origAddr := serverURL, ListenAddr
	defer func() { serverURL, ListenAddr = origServer, origAddr }()

	tests := []struct {
		server, addr, want string
	}{
		{"", ":8080", "http://localhost:8080"},
		{"", "0.0.0.0:9000", "http://0.0.0.0:9000"},
		{"", "https://registry.internal/", "https://registry.internal"},
		{"http://other:1234/", ":8080", "http://other:1234"},
	}
	for _, tt := range tests {
		serverURL, ListenAddr = tt.server, tt.addr
		if got := baseURL(); got != tt.want {
			t.Errorf("baseURL(server=%q, addr=%q) = %q, want %q", tt.server, tt.addr, got, tt.want)
		}
	}
}
