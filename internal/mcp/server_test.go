package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- Fake implementations ---

type fakeAggregator struct {
	latest *models.MetricsSnapshot
	taken  int
}

func (f *fakeAggregator) TakeSnapshot(_ context.Context) (*models.MetricsSnapshot, error) {
	f.taken++
	edges := 3
	f.latest = &models.MetricsSnapshot{
		ID:              "snap-new",
		TakenAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EntityCounts:    map[models.EntityKind]int{models.KindAgent: 4, models.KindServer: 2},
		TierCounts:      map[models.HealthTier]int{models.TierHealthy: 5, models.TierCritical: 1},
		DependencyEdges: &edges,
		Unavailable:     []string{models.FieldDeadLetters},
	}
	return f.latest, nil
}

func (f *fakeAggregator) ListSnapshots(_ context.Context, _ int) ([]*models.MetricsSnapshot, error) {
	if f.latest == nil {
		return nil, nil
	}
	return []*models.MetricsSnapshot{f.latest}, nil
}

func (f *fakeAggregator) LatestSnapshot(_ context.Context) (*models.MetricsSnapshot, error) {
	return f.latest, nil
}

type fakeAlertEngine struct {
	alerts []observability.Alert
}

func (f *fakeAlertEngine) Evaluate(_ context.Context) ([]observability.Alert, error) {
	return f.alerts, nil
}

// --- Test helpers ---

// newTestServices wires real registry services over a file store in a
// temp dir.
func newTestServices(t *testing.T) Services {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	events, err := observability.NewJSONLEventLog(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "dead_letters.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLEventLog: %v", err)
	}
	t.Cleanup(func() {
		events.Close()
		store.Close()
	})

	opts := core.Options{Emitter: &appendEmitter{events: events}, Locks: core.NewEntityLocks()}
	return Services{
		Registry:     core.NewEntityRegistry(store, opts),
		Health:       core.NewHealthScorer(store, opts),
		Dependencies: core.NewDependencyGraph(store, opts),
		Events:       events,
	}
}

// appendEmitter writes events straight to the log without delivery.
type appendEmitter struct {
	events storage.EventStore
}

func (a *appendEmitter) Emit(ctx context.Context, eventType models.EventType, entityID string, kind models.EntityKind,
	payload map[string]any, correlationID string) (string, error) {
	e := &models.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		EntityID:      entityID,
		EntityKind:    kind,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
		CorrelationID: correlationID,
	}
	return e.ID, a.events.AppendEvent(ctx, e)
}

// callTool is a helper that connects a client to the server and calls a tool.
func callTool(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	// Connect server (non-blocking).
	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("call tool %s: %v", toolName, err)
	}

	return result
}

// callToolAllowError is like callTool but returns nil instead of failing when
// the tool call returns a protocol error (e.g. schema validation failure).
func callToolAllowError(t *testing.T, srv *Server, toolName string, args map[string]any) *gomcp.CallToolResult {
	t.Helper()

	ctx := context.Background()
	client := gomcp.NewClient(&gomcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)

	t1, t2 := gomcp.NewInMemoryTransports()

	go func() {
		_ = srv.MCPServer().Run(ctx, t1)
	}()

	session, err := client.Connect(ctx, t2, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer session.Close()

	result, err := session.CallTool(ctx, &gomcp.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil
	}

	return result
}

// decodeResult unmarshals the structured content, falling back to the text
// content.
func decodeResult(t *testing.T, result *gomcp.CallToolResult, out any) {
	t.Helper()
	if result.StructuredContent != nil {
		data, _ := json.Marshal(result.StructuredContent)
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("unmarshalling structured content: %v", err)
		}
		return
	}
	text := extractText(result)
	if err := json.Unmarshal([]byte(text), out); err != nil {
		t.Fatalf("unmarshalling text content: %v (text was: %s)", err, text)
	}
}

func mustSucceed(t *testing.T, result *gomcp.CallToolResult) {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractText(result))
	}
}

func registerVia(t *testing.T, srv *Server, kind, name string) entityOutput {
	t.Helper()
	result := callTool(t, srv, "register_entity", map[string]any{"kind": kind, "name": name})
	mustSucceed(t, result)
	var out entityOutput
	decodeResult(t, result, &out)
	return out
}

// --- Tests ---

func TestRegisterAndGetEntity(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")

	created := registerVia(t, srv, "agent", "planner")
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.Status != "offline" {
		t.Errorf("expected initial status offline, got %s", created.Status)
	}

	result := callTool(t, srv, "get_entity", map[string]any{"entity_id": created.ID})
	mustSucceed(t, result)
	var got entityOutput
	decodeResult(t, result, &got)
	if got.Name != "planner" || got.Kind != "agent" {
		t.Errorf("get_entity = %+v", got)
	}
}

func TestRegisterEntityDuplicate(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	registerVia(t, srv, "server", "gateway")

	result := callTool(t, srv, "register_entity", map[string]any{"kind": "server", "name": "gateway"})
	if !result.IsError {
		t.Fatal("expected error for duplicate name")
	}
}

func TestGetEntityNotFound(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")

	result := callTool(t, srv, "get_entity", map[string]any{"entity_id": "missing"})
	if !result.IsError {
		t.Fatal("expected error result for unknown entity")
	}
	if extractText(result) == "" {
		t.Fatal("expected error message in result content")
	}
}

func TestGetEntityMissingID(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")

	// The SDK validates required fields at the schema level, so the call
	// may be rejected before it reaches the handler.
	result := callToolAllowError(t, srv, "get_entity", map[string]any{})
	if result == nil {
		return
	}
	if !result.IsError {
		t.Fatal("expected error result for missing entity_id")
	}
}

func TestListEntitiesWithFilter(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	registerVia(t, srv, "agent", "a1")
	registerVia(t, srv, "agent", "a2")
	registerVia(t, srv, "database", "orders")

	result := callTool(t, srv, "list_entities", map[string]any{"kind": "agent"})
	mustSucceed(t, result)
	var out listEntitiesOutput
	decodeResult(t, result, &out)
	if out.Count != 2 {
		t.Errorf("expected 2 agents, got %d", out.Count)
	}
}

func TestUpdateStatusAndDeregister(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	e := registerVia(t, srv, "server", "api")

	mustSucceed(t, callTool(t, srv, "update_status", map[string]any{"entity_id": e.ID, "status": "degraded"}))

	result := callTool(t, srv, "update_status", map[string]any{"entity_id": e.ID, "status": "planning"})
	if !result.IsError {
		t.Error("expected error for a status the kind does not allow")
	}

	mustSucceed(t, callTool(t, srv, "deregister_entity", map[string]any{"entity_id": e.ID}))

	result = callTool(t, srv, "update_status", map[string]any{"entity_id": e.ID, "status": "online"})
	if !result.IsError {
		t.Error("expected error updating an archived entity")
	}
}

func TestReportHeartbeat(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	e := registerVia(t, srv, "server", "worker")

	result := callTool(t, srv, "report_heartbeat", map[string]any{
		"entity_id":        e.ID,
		"response_time_ms": 500,
		"load_percent":     30,
	})
	mustSucceed(t, result)
	var h healthOutput
	decodeResult(t, result, &h)
	if h.Score != 100 {
		t.Errorf("expected score 100, got %v", h.Score)
	}
	if h.Tier != string(models.TierHealthy) {
		t.Errorf("expected tier healthy, got %s", h.Tier)
	}

	result = callTool(t, srv, "get_health", map[string]any{"entity_id": e.ID})
	mustSucceed(t, result)
	mustSucceed(t, callTool(t, srv, "recompute_health", map[string]any{"entity_id": e.ID}))
}

func TestReportHeartbeatOutOfRange(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	e := registerVia(t, srv, "agent", "busy-bee")

	result := callTool(t, srv, "report_heartbeat", map[string]any{
		"entity_id":        e.ID,
		"response_time_ms": 10,
		"load_percent":     150,
	})
	if !result.IsError {
		t.Fatal("expected error for load above 100")
	}
}

func TestDependencyTools(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	web := registerVia(t, srv, "server", "web")
	db := registerVia(t, srv, "database", "db")

	mustSucceed(t, callTool(t, srv, "report_heartbeat", map[string]any{"entity_id": web.ID, "response_time_ms": 100, "load_percent": 10}))

	result := callTool(t, srv, "add_dependency", map[string]any{
		"service_id":    web.ID,
		"depends_on_id": db.ID,
		"strength":      8,
		"cascading":     true,
	})
	mustSucceed(t, result)

	result = callTool(t, srv, "add_dependency", map[string]any{"service_id": web.ID, "depends_on_id": web.ID})
	if !result.IsError {
		t.Error("expected error for self-dependency")
	}

	result = callTool(t, srv, "get_dependency_impact", map[string]any{"entity_id": web.ID})
	mustSucceed(t, result)
	var impact impactOutput
	decodeResult(t, result, &impact)
	if len(impact.Dependencies) != 1 || impact.Dependencies[0].DependsOnID != db.ID {
		t.Errorf("dependencies = %+v", impact.Dependencies)
	}
	if impact.Health.EffectiveHealth > impact.Health.Score {
		t.Errorf("effective health %v exceeds own score %v", impact.Health.EffectiveHealth, impact.Health.Score)
	}

	mustSucceed(t, callTool(t, srv, "remove_dependency", map[string]any{"service_id": web.ID, "depends_on_id": db.ID}))
	result = callTool(t, srv, "remove_dependency", map[string]any{"service_id": web.ID, "depends_on_id": db.ID})
	if !result.IsError {
		t.Error("expected error removing a missing edge")
	}
}

func TestListEvents(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")
	e := registerVia(t, srv, "agent", "scribe")
	mustSucceed(t, callTool(t, srv, "update_status", map[string]any{"entity_id": e.ID, "status": "busy"}))

	result := callTool(t, srv, "list_events", map[string]any{"entity_id": e.ID, "event_type": "status_changed"})
	mustSucceed(t, result)
	var out listEventsOutput
	decodeResult(t, result, &out)
	if out.Count != 1 {
		t.Fatalf("expected 1 status_changed event, got %d", out.Count)
	}
	if out.Events[0].EntityID != e.ID {
		t.Errorf("event entity = %s", out.Events[0].EntityID)
	}

	result = callTool(t, srv, "list_events", map[string]any{"since": "5x"})
	if !result.IsError {
		t.Error("expected error for a bad since value")
	}
}

func TestGetMetrics(t *testing.T) {
	svc := newTestServices(t)
	agg := &fakeAggregator{}
	svc.Metrics = agg
	srv := NewServer(svc, "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})
	mustSucceed(t, result)
	var m metricsOutput
	decodeResult(t, result, &m)
	if agg.taken != 1 {
		t.Errorf("expected a snapshot to be taken when none exists, taken=%d", agg.taken)
	}
	if m.EntityCounts["agent"] != 4 || m.DependencyEdges != 3 {
		t.Errorf("metrics = %+v", m)
	}
	if len(m.Unavailable) != 1 || m.Unavailable[0] != models.FieldDeadLetters {
		t.Errorf("unavailable = %v", m.Unavailable)
	}

	mustSucceed(t, callTool(t, srv, "get_metrics", map[string]any{}))
	if agg.taken != 1 {
		t.Errorf("expected the latest snapshot to be reused, taken=%d", agg.taken)
	}
	mustSucceed(t, callTool(t, srv, "get_metrics", map[string]any{"refresh": true}))
	if agg.taken != 2 {
		t.Errorf("expected refresh to take a snapshot, taken=%d", agg.taken)
	}
}

func TestGetMetricsDisabled(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")

	result := callTool(t, srv, "get_metrics", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error when metrics are disabled")
	}
	if extractText(result) == "" {
		t.Fatal("expected error message in result")
	}
}

func TestGetAlerts(t *testing.T) {
	now := time.Now().UTC()
	svc := newTestServices(t)
	svc.Alerts = &fakeAlertEngine{
		alerts: []observability.Alert{
			{
				ID:          "critical-e1",
				Condition:   observability.ConditionCritical,
				Severity:    observability.SeverityHigh,
				EntityID:    "e1",
				Message:     "server web is critical",
				TriggeredAt: now,
			},
			{
				ID:          "dead-letter-backlog",
				Condition:   observability.ConditionDeadLetter,
				Severity:    observability.SeverityLow,
				Message:     "12 dead letters",
				TriggeredAt: now,
			},
		},
	}
	srv := NewServer(svc, "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	mustSucceed(t, result)
	var out getAlertsOutput
	decodeResult(t, result, &out)
	if out.Count != 2 {
		t.Fatalf("expected 2 alerts, got %d", out.Count)
	}
	if out.Alerts[0].Severity != "high" || out.Alerts[0].EntityID != "e1" {
		t.Errorf("first alert = %+v", out.Alerts[0])
	}
}

func TestGetAlertsDisabled(t *testing.T) {
	srv := NewServer(newTestServices(t), "test")

	result := callTool(t, srv, "get_alerts", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error when the alert engine is nil")
	}
}

func TestNewServerDefaultVersion(t *testing.T) {
	srv := NewServer(Services{}, "")
	if srv.MCPServer() == nil {
		t.Fatal("expected underlying server")
	}
}

func TestParseSince(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"7d", false},
		{"24h", false},
		{"30m", false},
		{"1d", false},
		{"", true},
		{"x", true},
		{"7w", true},
		{"abcd", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := parseSince(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseSince(%q) error = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

// extractText extracts the text from the first TextContent in a CallToolResult.
func extractText(result *gomcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(*gomcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
