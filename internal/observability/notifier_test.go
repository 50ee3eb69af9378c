package observability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSlackNotifier_NoAlerts(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	if err := n.Notify(context.Background(), nil); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := n.Notify(context.Background(), []Alert{}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if called {
		t.Fatal("expected no HTTP request for empty alerts")
	}
}

func TestSlackNotifier_SendsAlerts(t *testing.T) {
	var receivedBody []byte
	var receivedContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	alerts := []Alert{
		{ID: "critical-db-1", Condition: ConditionCritical, Severity: SeverityHigh, EntityID: "db-1", Message: "database \"db-1\" is error with health 0.0", TriggeredAt: at},
		{ID: "stale-agent-1", Condition: ConditionStale, Severity: SeverityMedium, EntityID: "agent-1", Message: "agent \"agent-1\" has never reported a heartbeat", TriggeredAt: at},
	}

	if err := NewSlackNotifier(srv.URL).Notify(context.Background(), alerts); err != nil {
		t.Fatalf("notifying: %v", err)
	}

	if !strings.HasPrefix(receivedContentType, "application/json") {
		t.Errorf("expected JSON content type, got %q", receivedContentType)
	}
	var msg slackMessage
	if err := json.Unmarshal(receivedBody, &msg); err != nil {
		t.Fatalf("decoding slack message: %v", err)
	}
	// header, section, divider, section
	if len(msg.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(msg.Blocks))
	}
	if msg.Blocks[0].Type != "header" || msg.Blocks[2].Type != "divider" {
		t.Errorf("unexpected block layout: %+v", msg.Blocks)
	}
	first := msg.Blocks[1].Text.Text
	if !strings.Contains(first, "*[HIGH]*") || !strings.Contains(first, "db-1") || !strings.Contains(first, "2026-03-01 10:30 UTC") {
		t.Errorf("unexpected section text: %q", first)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL).Notify(context.Background(), []Alert{{ID: "x", Severity: SeverityLow, Message: "m"}})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestSeverityEmoji(t *testing.T) {
	tests := []struct {
		severity AlertSeverity
		want     string
	}{
		{SeverityHigh, "\U0001f534"},
		{SeverityMedium, "\U0001f7e1"},
		{SeverityLow, "\U0001f535"},
		{"other", "❓"},
	}
	for _, tt := range tests {
		if got := severityEmoji(tt.severity); got != tt.want {
			t.Errorf("severityEmoji(%s) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}
