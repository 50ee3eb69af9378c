package cli

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- parseSinceDuration unit tests ---

func TestParseSinceDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		errMsg  string
	}{
		{"empty defaults to 7d", "", false, ""},
		{"whitespace defaults to 7d", "  ", false, ""},
		{"valid 7d", "7d", false, ""},
		{"valid 30d", "30d", false, ""},
		{"valid 24h", "24h", false, ""},
		{"valid 90m", "90m", false, ""},
		{"invalid suffix", "abc", true, "unsupported duration format"},
		{"invalid day number", "xd", true, "invalid day duration"},
		{"invalid hour number", "yh", true, "invalid hour duration"},
		{"invalid minute number", "zm", true, "invalid minute duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseSinceDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q should contain %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseSinceDuration_Offsets(t *testing.T) {
	got, err := parseSinceDuration("2h")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Now().UTC().Add(-2 * time.Hour)
	if d := want.Sub(got); d < 0 || d > time.Second {
		t.Errorf("2h resolved to %v, want about %v", got, want)
	}
}

// --- metricsCmd tests ---

type aggregatorMock struct {
	latest   *models.MetricsSnapshot
	snaps    []*models.MetricsSnapshot
	err      error
	snapshot int
}

func (m *aggregatorMock) TakeSnapshot(context.Context) (*models.MetricsSnapshot, error) {
	m.snapshot++
	return m.latest, m.err
}

func (m *aggregatorMock) ListSnapshots(context.Context, int) ([]*models.MetricsSnapshot, error) {
	return m.snaps, m.err
}

func (m *aggregatorMock) LatestSnapshot(context.Context) (*models.MetricsSnapshot, error) {
	return m.latest, m.err
}

func intPtr(n int) *int { return &n }

func TestMetricsCmd_NilAggregator(t *testing.T) {
	orig := Metrics
	defer func() { Metrics = orig }()
	Metrics = nil

	for _, c := range []*commandCase{{"latest", metricsCmd}, {"snapshot", metricsSnapshotCmd}, {"list", metricsListCmd}} {
		_, err := runCmd(t, c.cmd)
		if err == nil || !strings.Contains(err.Error(), "not initialized") {
			t.Errorf("%s: expected not initialized error, got %v", c.name, err)
		}
	}
}

func TestMetricsCmd_NoSnapshotYet(t *testing.T) {
	orig := Metrics
	defer func() { Metrics = orig }()
	Metrics = &aggregatorMock{}

	out := mustRun(t, metricsCmd)
	if !strings.Contains(out, "No snapshot has been taken yet") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestMetricsCmd_PrintsSnapshot(t *testing.T) {
	orig := Metrics
	defer func() { Metrics = orig }()
	Metrics = &aggregatorMock{latest: &models.MetricsSnapshot{
		ID:            "snap-1",
		TakenAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EntityCounts:  map[models.EntityKind]int{models.KindAgent: 3, models.KindServer: 1},
		AverageHealth: map[models.EntityKind]float64{models.KindAgent: 87.5},
		TierCounts:    map[models.HealthTier]int{models.TierHealthy: 3, models.TierCritical: 1},
		StaleEntities: intPtr(2),
		Performance:   &models.PerformanceStats{AvgResponseTimeMS: 420, AvgLoadPercent: 33.3, Samples: 4},
		Unavailable:   []string{models.FieldDependencyEdges},
	}}

	out := mustRun(t, metricsCmd)
	for _, want := range []string{
		"Snapshot snap-1",
		"agent:", "avg health 87.5",
		"critical:",
		"Stale entities:",
		"Dependency edges:         n/a",
		"420ms avg",
		"Unavailable: dependency_edges",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsSnapshotCmd_TakesSnapshot(t *testing.T) {
	orig := Metrics
	defer func() { Metrics = orig }()
	mock := &aggregatorMock{latest: &models.MetricsSnapshot{ID: "snap-2", TakenAt: time.Now().UTC()}}
	Metrics = mock

	mustRun(t, metricsSnapshotCmd)
	if mock.snapshot != 1 {
		t.Errorf("TakeSnapshot called %d times, want 1", mock.snapshot)
	}
}

func TestMetricsCmd_Error(t *testing.T) {
	orig := Metrics
	defer func() { Metrics = orig }()
	Metrics = &aggregatorMock{err: errors.New("disk gone")}

	_, err := runCmd(t, metricsListCmd)
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Errorf("expected wrapped error, got %v", err)
	}
}

func TestMetricsSnapshot_AgainstRealStore(t *testing.T) {
	setupServices(t)
	registerEntity(t, models.KindAgent, "a")
	registerEntity(t, models.KindServer, "s")

	out := mustRun(t, metricsSnapshotCmd)
	if !strings.Contains(out, "agent:") || !strings.Contains(out, "server:") {
		t.Errorf("snapshot should count both kinds:\n%s", out)
	}

	out = mustRun(t, metricsListCmd)
	if !strings.Contains(out, "TAKEN") {
		t.Errorf("expected a snapshot table:\n%s", out)
	}
}
