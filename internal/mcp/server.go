// Package mcp provides an MCP (Model Context Protocol) server that exposes
// the registry as MCP tools, so agents can register themselves, report
// heartbeats and inspect the health of what they depend on.
package mcp

import (
	"context"
	"fmt"
	"time"

	gomcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Services are the registry services the tools call. Only Registry is
// required; tools whose service is nil report that it is not available.
type Services struct {
	Registry     core.EntityRegistry
	Health       core.HealthScorer
	Dependencies core.DependencyGraph
	Events       storage.EventStore
	Metrics      observability.Aggregator
	Alerts       observability.AlertEngine
}

// Server wraps the registry services and exposes them as MCP tools.
type Server struct {
	server *gomcp.Server
	svc    Services
}

// NewServer creates a new MCP server over svc.
func NewServer(svc Services, version string) *Server {
	if version == "" {
		version = "dev"
	}

	s := &Server{svc: svc}
	s.server = gomcp.NewServer(
		&gomcp.Implementation{Name: "areg", Version: version},
		nil,
	)

	s.registerTools()

	return s
}

// Run starts the MCP server on stdio, blocking until the client
// disconnects or the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &gomcp.StdioTransport{})
}

// MCPServer returns the underlying mcp.Server for testing purposes.
func (s *Server) MCPServer() *gomcp.Server {
	return s.server
}

// --- Tool input/output types ---

type entityIDInput struct {
	EntityID string `json:"entity_id" jsonschema:"the entity identifier returned by register_entity"`
}

type registerEntityInput struct {
	Kind         string            `json:"kind" jsonschema:"entity kind (agent, leader, server, database, department, division)"`
	Name         string            `json:"name" jsonschema:"name, unique among non-archived entities of the same kind"`
	Capabilities []string          `json:"capabilities,omitempty" jsonschema:"capability labels the entity offers"`
	Tags         []string          `json:"tags,omitempty" jsonschema:"free-form tags"`
	Metadata     map[string]string `json:"metadata,omitempty" jsonschema:"arbitrary string metadata"`
}

type entityOutput struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Kind             string            `json:"kind"`
	Status           string            `json:"status"`
	HealthScore      float64           `json:"health_score"`
	DependencyImpact float64           `json:"dependency_impact"`
	EffectiveHealth  float64           `json:"effective_health"`
	LastHeartbeat    string            `json:"last_heartbeat,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
	Created          string            `json:"created"`
	Updated          string            `json:"updated"`
}

type listEntitiesInput struct {
	Kind            string `json:"kind,omitempty" jsonschema:"filter by entity kind"`
	Status          string `json:"status,omitempty" jsonschema:"filter by status"`
	Tag             string `json:"tag,omitempty" jsonschema:"filter by tag"`
	Capability      string `json:"capability,omitempty" jsonschema:"filter by capability"`
	IncludeArchived bool   `json:"include_archived,omitempty" jsonschema:"include deregistered entities"`
}

type listEntitiesOutput struct {
	Entities []entityOutput `json:"entities"`
	Count    int            `json:"count"`
}

type updateStatusInput struct {
	EntityID string `json:"entity_id" jsonschema:"the entity identifier"`
	Status   string `json:"status" jsonschema:"the new status; allowed values depend on the entity kind"`
}

type messageOutput struct {
	Message string `json:"message"`
}

type heartbeatInput struct {
	EntityID       string  `json:"entity_id" jsonschema:"the entity identifier"`
	ResponseTimeMS float64 `json:"response_time_ms" jsonschema:"observed response time in milliseconds"`
	LoadPercent    float64 `json:"load_percent" jsonschema:"current load between 0 and 100"`
}

type healthOutput struct {
	EntityID         string  `json:"entity_id"`
	Score            float64 `json:"score"`
	Tier             string  `json:"tier"`
	Stale            bool    `json:"stale"`
	DependencyImpact float64 `json:"dependency_impact"`
	EffectiveHealth  float64 `json:"effective_health"`
	LastHeartbeat    string  `json:"last_heartbeat,omitempty"`
}

type addDependencyInput struct {
	ServiceID          string   `json:"service_id" jsonschema:"the dependent entity"`
	DependsOnID        string   `json:"depends_on_id" jsonschema:"the entity it depends on"`
	Type               string   `json:"type,omitempty" jsonschema:"required, optional or preferred (default required)"`
	Strength           int      `json:"strength,omitempty" jsonschema:"strength from 1 to 10 (default 5)"`
	Cascading          bool     `json:"cascading,omitempty" jsonschema:"whether impact propagates through this edge"`
	HealthImpactFactor *float64 `json:"health_impact_factor,omitempty" jsonschema:"weight of this edge between 0 and 1 (default 1)"`
}

type removeDependencyInput struct {
	ServiceID   string `json:"service_id" jsonschema:"the dependent entity"`
	DependsOnID string `json:"depends_on_id" jsonschema:"the entity it depends on"`
}

type dependencyOutput struct {
	ServiceID          string  `json:"service_id"`
	DependsOnID        string  `json:"depends_on_id"`
	Type               string  `json:"type"`
	Strength           int     `json:"strength"`
	Cascading          bool    `json:"cascading"`
	HealthImpactFactor float64 `json:"health_impact_factor"`
}

type impactOutput struct {
	Health       healthOutput       `json:"health"`
	Dependencies []dependencyOutput `json:"dependencies"`
}

type listEventsInput struct {
	EntityID  string `json:"entity_id,omitempty" jsonschema:"only events about this entity"`
	EventType string `json:"event_type,omitempty" jsonschema:"only events of this type (e.g. status_changed)"`
	Since     string `json:"since,omitempty" jsonschema:"time window (e.g. 30m, 24h, 7d). Defaults to 24h."`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum events to return (default 50)"`
}

type eventOutput struct {
	ID         string         `json:"id"`
	Type       string         `json:"event_type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Timestamp  string         `json:"timestamp"`
	Payload    map[string]any `json:"payload,omitempty"`
	Processed  bool           `json:"processed"`
}

type listEventsOutput struct {
	Events []eventOutput `json:"events"`
	Count  int           `json:"count"`
}

type getMetricsInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"take a new snapshot instead of returning the latest one"`
}

type metricsOutput struct {
	SnapshotID          string             `json:"snapshot_id"`
	TakenAt             string             `json:"taken_at"`
	EntityCounts        map[string]int     `json:"entity_counts"`
	StatusCounts        map[string]int     `json:"status_counts"`
	AverageHealth       map[string]float64 `json:"average_health"`
	TierCounts          map[string]int     `json:"tier_counts"`
	StaleEntities       int                `json:"stale_entities"`
	DependencyEdges     int                `json:"dependency_edges"`
	UnprocessedEvents   int                `json:"unprocessed_events"`
	ActiveSubscriptions int                `json:"active_subscriptions"`
	DeadLetters         int                `json:"dead_letters"`
	Unavailable         []string           `json:"unavailable,omitempty"`
}

type getAlertsInput struct{}

type alertOutput struct {
	ID          string `json:"id"`
	Condition   string `json:"condition"`
	Severity    string `json:"severity"`
	EntityID    string `json:"entity_id,omitempty"`
	Message     string `json:"message"`
	TriggeredAt string `json:"triggered_at"`
}

type getAlertsOutput struct {
	Alerts []alertOutput `json:"alerts"`
	Count  int           `json:"count"`
}

// --- Tool registration ---

func (s *Server) registerTools() {
	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "register_entity",
		Description: "Register an agent, leader, server, database, department or division. Returns the new entity with its generated id.",
	}, s.handleRegisterEntity)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "report_heartbeat",
		Description: "Report a heartbeat with response time and load. Returns the recomputed health score and tier.",
	}, s.handleReportHeartbeat)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_entity",
		Description: "Get an entity by id, including its status, health score and dependency impact.",
	}, s.handleGetEntity)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_entities",
		Description: "List entities filtered by kind, status, tag or capability. Archived entities are excluded unless asked for.",
	}, s.handleListEntities)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "update_status",
		Description: "Change an entity's operational status. Allowed statuses depend on the kind.",
	}, s.handleUpdateStatus)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "deregister_entity",
		Description: "Deregister (archive) an entity. Its dependents are re-scored as if it were down.",
	}, s.handleDeregisterEntity)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_health",
		Description: "Get the current health report of an entity.",
	}, s.handleGetHealth)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "recompute_health",
		Description: "Recompute an entity's health score from its latest heartbeat and the current time.",
	}, s.handleRecomputeHealth)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "add_dependency",
		Description: "Record that service_id depends on depends_on_id. Cycles are allowed; self-dependencies are rejected.",
	}, s.handleAddDependency)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "remove_dependency",
		Description: "Remove a dependency edge and re-score the dependent entity.",
	}, s.handleRemoveDependency)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_dependency_impact",
		Description: "Get an entity's own health, the impact of its dependencies and the resulting effective health.",
	}, s.handleGetDependencyImpact)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "list_events",
		Description: "List recent registry events, newest first, optionally filtered by entity and event type.",
	}, s.handleListEvents)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_metrics",
		Description: "Get the latest registry metrics snapshot: counts by kind, status and tier, average health, and event backlog.",
	}, s.handleGetMetrics)

	gomcp.AddTool(s.server, &gomcp.Tool{
		Name:        "get_alerts",
		Description: "Evaluate and return active alerts (stale entities, critical entities, dependency impact, dead-letter backlog).",
	}, s.handleGetAlerts)
}

// --- Entity tools ---

func (s *Server) handleRegisterEntity(ctx context.Context, _ *gomcp.CallToolRequest, input registerEntityInput) (*gomcp.CallToolResult, entityOutput, error) {
	if input.Kind == "" || input.Name == "" {
		return errorResult("kind and name are required"), entityOutput{}, nil
	}

	e, err := s.svc.Registry.Register(ctx, core.RegisterInput{
		Kind:         models.EntityKind(input.Kind),
		Name:         input.Name,
		Capabilities: input.Capabilities,
		Tags:         input.Tags,
		Metadata:     input.Metadata,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("registering %s %q: %s", input.Kind, input.Name, err)), entityOutput{}, nil
	}
	return nil, entityToOutput(e), nil
}

func (s *Server) handleGetEntity(ctx context.Context, _ *gomcp.CallToolRequest, input entityIDInput) (*gomcp.CallToolResult, entityOutput, error) {
	if input.EntityID == "" {
		return errorResult("entity_id is required"), entityOutput{}, nil
	}

	e, err := s.svc.Registry.Get(ctx, input.EntityID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting entity %s: %s", input.EntityID, err)), entityOutput{}, nil
	}
	return nil, entityToOutput(e), nil
}

func (s *Server) handleListEntities(ctx context.Context, _ *gomcp.CallToolRequest, input listEntitiesInput) (*gomcp.CallToolResult, listEntitiesOutput, error) {
	filter := models.EntityFilter{
		Kind:            models.EntityKind(input.Kind),
		Tag:             input.Tag,
		Capability:      input.Capability,
		IncludeArchived: input.IncludeArchived,
	}
	if input.Status != "" {
		filter.Statuses = []models.EntityStatus{models.EntityStatus(input.Status)}
	}

	entities, err := s.svc.Registry.List(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("listing entities: %s", err)), listEntitiesOutput{}, nil
	}

	out := listEntitiesOutput{
		Entities: make([]entityOutput, len(entities)),
		Count:    len(entities),
	}
	for i, e := range entities {
		out.Entities[i] = entityToOutput(e)
	}
	return nil, out, nil
}

func (s *Server) handleUpdateStatus(ctx context.Context, _ *gomcp.CallToolRequest, input updateStatusInput) (*gomcp.CallToolResult, messageOutput, error) {
	if input.EntityID == "" {
		return errorResult("entity_id is required"), messageOutput{}, nil
	}
	if input.Status == "" {
		return errorResult("status is required"), messageOutput{}, nil
	}

	if err := s.svc.Registry.UpdateStatus(ctx, input.EntityID, models.EntityStatus(input.Status)); err != nil {
		return errorResult(fmt.Sprintf("updating entity %s status: %s", input.EntityID, err)), messageOutput{}, nil
	}
	return nil, messageOutput{Message: fmt.Sprintf("entity %s status updated to %s", input.EntityID, input.Status)}, nil
}

func (s *Server) handleDeregisterEntity(ctx context.Context, _ *gomcp.CallToolRequest, input entityIDInput) (*gomcp.CallToolResult, messageOutput, error) {
	if input.EntityID == "" {
		return errorResult("entity_id is required"), messageOutput{}, nil
	}

	if err := s.svc.Registry.Deregister(ctx, input.EntityID); err != nil {
		return errorResult(fmt.Sprintf("deregistering entity %s: %s", input.EntityID, err)), messageOutput{}, nil
	}
	return nil, messageOutput{Message: fmt.Sprintf("entity %s deregistered", input.EntityID)}, nil
}

// --- Health tools ---

func (s *Server) handleReportHeartbeat(ctx context.Context, _ *gomcp.CallToolRequest, input heartbeatInput) (*gomcp.CallToolResult, healthOutput, error) {
	if s.svc.Health == nil {
		return errorResult("health scoring not available"), healthOutput{}, nil
	}
	if input.EntityID == "" {
		return errorResult("entity_id is required"), healthOutput{}, nil
	}
	if input.ResponseTimeMS < 0 || input.LoadPercent < 0 || input.LoadPercent > 100 {
		return errorResult("response_time_ms must be >= 0 and load_percent between 0 and 100"), healthOutput{}, nil
	}

	report, err := s.svc.Health.ReportHeartbeat(ctx, input.EntityID, input.ResponseTimeMS, input.LoadPercent)
	if err != nil {
		return errorResult(fmt.Sprintf("reporting heartbeat for %s: %s", input.EntityID, err)), healthOutput{}, nil
	}
	return nil, healthToOutput(report), nil
}

func (s *Server) handleGetHealth(ctx context.Context, _ *gomcp.CallToolRequest, input entityIDInput) (*gomcp.CallToolResult, healthOutput, error) {
	if s.svc.Health == nil {
		return errorResult("health scoring not available"), healthOutput{}, nil
	}
	if input.EntityID == "" {
		return errorResult("entity_id is required"), healthOutput{}, nil
	}

	report, err := s.svc.Health.GetHealth(ctx, input.EntityID)
	if err != nil {
		return errorResult(fmt.Sprintf("getting health of %s: %s", input.EntityID, err)), healthOutput{}, nil
	}
	return nil, healthToOutput(report), nil
}

func (s *Server) handleRecomputeHealth(ctx context.Context, _ *gomcp.CallToolRequest, input entityIDInput) (*gomcp.CallToolResult, healthOutput, error) {
	if s.svc.Health == nil {
		return errorResult("health scoring not available"), healthOutput{}, nil
	}
	if input.EntityID == "" {
		return errorResult("entity_id is required"), healthOutput{}, nil
	}

	report, err := s.svc.Health.RecomputeHealth(ctx, input.EntityID)
	if err != nil {
		return errorResult(fmt.Sprintf("recomputing health of %s: %s", input.EntityID, err)), healthOutput{}, nil
	}
	return nil, healthToOutput(report), nil
}

// --- Dependency tools ---

func (s *Server) handleAddDependency(ctx context.Context, _ *gomcp.CallToolRequest, input addDependencyInput) (*gomcp.CallToolResult, dependencyOutput, error) {
	if s.svc.Dependencies == nil {
		return errorResult("dependency graph not available"), dependencyOutput{}, nil
	}
	if input.ServiceID == "" || input.DependsOnID == "" {
		return errorResult("service_id and depends_on_id are required"), dependencyOutput{}, nil
	}

	dep, err := s.svc.Dependencies.AddDependency(ctx, core.DependencyInput{
		ServiceID:          input.ServiceID,
		DependsOnID:        input.DependsOnID,
		Type:               models.DependencyType(input.Type),
		Strength:           input.Strength,
		Cascading:          input.Cascading,
		HealthImpactFactor: input.HealthImpactFactor,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("adding dependency %s -> %s: %s", input.ServiceID, input.DependsOnID, err)), dependencyOutput{}, nil
	}
	return nil, dependencyToOutput(*dep), nil
}

func (s *Server) handleRemoveDependency(ctx context.Context, _ *gomcp.CallToolRequest, input removeDependencyInput) (*gomcp.CallToolResult, messageOutput, error) {
	if s.svc.Dependencies == nil {
		return errorResult("dependency graph not available"), messageOutput{}, nil
	}
	if input.ServiceID == "" || input.DependsOnID == "" {
		return errorResult("service_id and depends_on_id are required"), messageOutput{}, nil
	}

	if err := s.svc.Dependencies.RemoveDependency(ctx, input.ServiceID, input.DependsOnID); err != nil {
		return errorResult(fmt.Sprintf("removing dependency %s -> %s: %s", input.ServiceID, input.DependsOnID, err)), messageOutput{}, nil
	}
	return nil, messageOutput{Message: fmt.Sprintf("dependency %s -> %s removed", input.ServiceID, input.DependsOnID)}, nil
}

func (s *Server) handleGetDependencyImpact(ctx context.Context, _ *gomcp.CallToolRequest, input entityIDInput) (*gomcp.CallToolResult, impactOutput, error) {
	if s.svc.Dependencies == nil {
		return errorResult("dependency graph not available"), impactOutput{}, nil
	}
	if input.EntityID == "" {
		return errorResult("entity_id is required"), impactOutput{}, nil
	}

	report, err := s.svc.Dependencies.EffectiveHealth(ctx, input.EntityID)
	if err != nil {
		return errorResult(fmt.Sprintf("computing impact for %s: %s", input.EntityID, err)), impactOutput{}, nil
	}
	deps, err := s.svc.Dependencies.ListDependencies(ctx, input.EntityID)
	if err != nil {
		return errorResult(fmt.Sprintf("listing dependencies of %s: %s", input.EntityID, err)), impactOutput{}, nil
	}

	out := impactOutput{
		Health:       healthToOutput(report),
		Dependencies: make([]dependencyOutput, len(deps)),
	}
	for i, d := range deps {
		out.Dependencies[i] = dependencyToOutput(d)
	}
	return nil, out, nil
}

// --- Observability tools ---

func (s *Server) handleListEvents(ctx context.Context, _ *gomcp.CallToolRequest, input listEventsInput) (*gomcp.CallToolResult, listEventsOutput, error) {
	if s.svc.Events == nil {
		return errorResult("event log not available"), listEventsOutput{Events: []eventOutput{}}, nil
	}

	sinceStr := input.Since
	if sinceStr == "" {
		sinceStr = "24h"
	}
	sinceTime, err := parseSince(sinceStr)
	if err != nil {
		return errorResult(fmt.Sprintf("parsing since duration: %s", err)), listEventsOutput{Events: []eventOutput{}}, nil
	}
	limit := input.Limit
	if limit <= 0 {
		limit = 50
	}

	events, err := s.svc.Events.ListEvents(ctx, models.EventFilter{
		EntityID: input.EntityID,
		Type:     models.EventType(input.EventType),
		Since:    &sinceTime,
		Limit:    limit,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("listing events: %s", err)), listEventsOutput{Events: []eventOutput{}}, nil
	}

	out := listEventsOutput{
		Events: make([]eventOutput, len(events)),
		Count:  len(events),
	}
	for i, e := range events {
		out.Events[i] = eventOutput{
			ID:         e.ID,
			Type:       string(e.Type),
			EntityID:   e.EntityID,
			EntityKind: string(e.EntityKind),
			Timestamp:  e.Timestamp.Format(time.RFC3339),
			Payload:    e.Payload,
			Processed:  e.Processed,
		}
	}
	return nil, out, nil
}

func (s *Server) handleGetMetrics(ctx context.Context, _ *gomcp.CallToolRequest, input getMetricsInput) (*gomcp.CallToolResult, metricsOutput, error) {
	if s.svc.Metrics == nil {
		return errorResult("metrics not available (observability may be disabled)"), emptyMetricsOutput(), nil
	}

	var (
		snap *models.MetricsSnapshot
		err  error
	)
	if !input.Refresh {
		snap, err = s.svc.Metrics.LatestSnapshot(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("reading latest snapshot: %s", err)), emptyMetricsOutput(), nil
		}
	}
	if snap == nil {
		snap, err = s.svc.Metrics.TakeSnapshot(ctx)
		if err != nil {
			return errorResult(fmt.Sprintf("taking snapshot: %s", err)), emptyMetricsOutput(), nil
		}
	}
	return nil, snapshotToOutput(snap), nil
}

func (s *Server) handleGetAlerts(ctx context.Context, _ *gomcp.CallToolRequest, _ getAlertsInput) (*gomcp.CallToolResult, getAlertsOutput, error) {
	if s.svc.Alerts == nil {
		return errorResult("alert engine not available (observability may be disabled)"), getAlertsOutput{Alerts: []alertOutput{}}, nil
	}

	alerts, err := s.svc.Alerts.Evaluate(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("evaluating alerts: %s", err)), getAlertsOutput{Alerts: []alertOutput{}}, nil
	}

	out := getAlertsOutput{
		Alerts: make([]alertOutput, len(alerts)),
		Count:  len(alerts),
	}
	for i, a := range alerts {
		out.Alerts[i] = alertOutput{
			ID:          a.ID,
			Condition:   a.Condition,
			Severity:    string(a.Severity),
			EntityID:    a.EntityID,
			Message:     a.Message,
			TriggeredAt: a.TriggeredAt.Format(time.RFC3339),
		}
	}
	return nil, out, nil
}

// --- Helpers ---

func entityToOutput(e *models.Entity) entityOutput {
	return entityOutput{
		ID:               e.ID,
		Name:             e.Name,
		Kind:             string(e.Kind),
		Status:           string(e.Status),
		HealthScore:      e.HealthScore,
		DependencyImpact: e.DependencyImpact,
		EffectiveHealth:  e.EffectiveHealth,
		LastHeartbeat:    formatTime(e.LastHeartbeat),
		Capabilities:     e.Capabilities,
		Tags:             e.Tags,
		Metadata:         e.Metadata,
		Version:          e.Version,
		Created:          e.CreatedAt.Format(time.RFC3339),
		Updated:          e.UpdatedAt.Format(time.RFC3339),
	}
}

func healthToOutput(r *models.HealthReport) healthOutput {
	return healthOutput{
		EntityID:         r.EntityID,
		Score:            r.Score,
		Tier:             string(r.Tier),
		Stale:            r.Stale,
		DependencyImpact: r.DependencyImpact,
		EffectiveHealth:  r.EffectiveHealth,
		LastHeartbeat:    formatTime(r.LastHeartbeat),
	}
}

func dependencyToOutput(d models.Dependency) dependencyOutput {
	return dependencyOutput{
		ServiceID:          d.ServiceID,
		DependsOnID:        d.DependsOnID,
		Type:               string(d.Type),
		Strength:           d.Strength,
		Cascading:          d.Cascading,
		HealthImpactFactor: d.HealthImpactFactor,
	}
}

func snapshotToOutput(s *models.MetricsSnapshot) metricsOutput {
	out := emptyMetricsOutput()
	out.SnapshotID = s.ID
	out.TakenAt = s.TakenAt.Format(time.RFC3339)
	out.Unavailable = s.Unavailable
	for k, v := range s.EntityCounts {
		out.EntityCounts[string(k)] = v
	}
	for k, v := range s.StatusCounts {
		out.StatusCounts[string(k)] = v
	}
	for k, v := range s.AverageHealth {
		out.AverageHealth[string(k)] = v
	}
	for k, v := range s.TierCounts {
		out.TierCounts[string(k)] = v
	}
	out.StaleEntities = deref(s.StaleEntities)
	out.DependencyEdges = deref(s.DependencyEdges)
	out.UnprocessedEvents = deref(s.UnprocessedEvents)
	out.ActiveSubscriptions = deref(s.ActiveSubscriptions)
	out.DeadLetters = deref(s.DeadLetters)
	return out
}

func emptyMetricsOutput() metricsOutput {
	return metricsOutput{
		EntityCounts:  make(map[string]int),
		StatusCounts:  make(map[string]int),
		AverageHealth: make(map[string]float64),
		TierCounts:    make(map[string]int),
	}
}

func deref(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func errorResult(msg string) *gomcp.CallToolResult {
	return &gomcp.CallToolResult{
		Content: []gomcp.Content{&gomcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// parseSince parses a human-friendly duration string like "30m", "24h" or
// "7d" into the corresponding time in the past.
func parseSince(s string) (time.Time, error) {
	now := time.Now().UTC()

	if len(s) < 2 {
		return time.Time{}, fmt.Errorf("invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]
	var num int
	if _, err := fmt.Sscanf(numStr, "%d", &num); err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 'd':
		return now.AddDate(0, 0, -num), nil
	case 'h':
		return now.Add(-time.Duration(num) * time.Hour), nil
	case 'm':
		return now.Add(-time.Duration(num) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported duration suffix %q (use d, h or m)", string(suffix))
	}
}
