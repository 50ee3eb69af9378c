package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

func TestScoreComponents(t *testing.T) {
	cfg := DefaultHealthConfig()

	tests := []struct {
		name     string
		age      time.Duration
		rt, load float64
		want     models.HealthComponents
	}{
		{"perfect", 10 * time.Second, 500, 30, models.HealthComponents{Recency: 40, ResponseTime: 30, Load: 30}},
		{"fresh boundary", 60 * time.Second, 999, 49, models.HealthComponents{Recency: 40, ResponseTime: 30, Load: 30}},
		{"aging", 61 * time.Second, 1000, 50, models.HealthComponents{Recency: 20, ResponseTime: 15, Load: 15}},
		{"stale boundary", 300 * time.Second, 4999, 79, models.HealthComponents{Recency: 20, ResponseTime: 15, Load: 15}},
		{"stale", 301 * time.Second, 5000, 80, models.HealthComponents{}},
		{"overloaded", 0, 100, 250, models.HealthComponents{Recency: 40, ResponseTime: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ScoreComponents(tt.age, tt.rt, tt.load, cfg)
			if got != tt.want {
				t.Errorf("ScoreComponents = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Register server "api-1", heartbeat shortly after with 500ms and 30% load,
// and the fast path reports 100.
func TestReportHeartbeat_PerfectScore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")

	env.clock.Advance(10 * time.Second)
	report := env.heartbeat(t, api.ID, 500, 30)
	if report.Score != 100 {
		t.Errorf("heartbeat score = %v, want 100", report.Score)
	}
	if report.Components == nil || report.Components.Recency != 40 {
		t.Errorf("components = %+v", report.Components)
	}

	got, err := env.health.GetHealth(ctx, api.ID)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if got.Score != 100 || got.Tier != models.TierHealthy || got.Stale {
		t.Errorf("GetHealth = %+v, want 100 healthy", got)
	}
	if got.EffectiveHealth != 100 {
		t.Errorf("EffectiveHealth = %v, want 100", got.EffectiveHealth)
	}

	history, err := env.health.HealthHistory(ctx, api.ID, 10)
	if err != nil {
		t.Fatalf("HealthHistory: %v", err)
	}
	if len(history) != 1 || history[0].ResponseTimeMS != 500 || history[0].Score != 100 {
		t.Errorf("history = %+v", history)
	}
	if n := len(env.events.ofType(models.EventHealthChanged)); n != 1 {
		t.Errorf("health_changed events = %d, want 1", n)
	}
}

func TestReportHeartbeat_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agent := env.register(t, models.KindAgent, "scout")

	if _, err := env.health.ReportHeartbeat(ctx, "missing", 10, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: error = %v", err)
	}
	if _, err := env.health.ReportHeartbeat(ctx, agent.ID, -1, 10); !errors.Is(err, ErrValidation) {
		t.Errorf("negative response time: error = %v", err)
	}
	if err := env.registry.Deregister(ctx, agent.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.health.ReportHeartbeat(ctx, agent.ID, 10, 10); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("archived entity: error = %v", err)
	}
}

func TestGetHealth_StaleIsCriticalWithoutRecompute(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")
	env.heartbeat(t, api.ID, 500, 30)

	env.clock.Advance(400 * time.Second)
	got, err := env.health.GetHealth(ctx, api.ID)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if got.Score != 100 {
		t.Errorf("fast path recomputed: score = %v", got.Score)
	}
	if !got.Stale || got.Tier != models.TierCritical {
		t.Errorf("stale entity reported as %+v, want critical", got)
	}
}

// No heartbeat for 400 seconds: recompute drops the recency component to 0.
func TestRecomputeHealth_StaleHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")
	env.heartbeat(t, api.ID, 500, 30)

	env.clock.Advance(400 * time.Second)
	report, err := env.health.RecomputeHealth(ctx, api.ID)
	if err != nil {
		t.Fatalf("RecomputeHealth: %v", err)
	}
	if report.Components.Recency != 0 {
		t.Errorf("recency = %v, want 0", report.Components.Recency)
	}
	if report.Score != 60 {
		t.Errorf("score = %v, want 60", report.Score)
	}
	if report.Tier != models.TierCritical {
		t.Errorf("tier = %s, want critical", report.Tier)
	}
	if n := len(env.events.ofType(models.EventHeartbeatMissed)); n != 1 {
		t.Errorf("heartbeat_missed events = %d, want 1", n)
	}

	// A second recompute while still silent does not repeat the miss.
	env.clock.Advance(time.Minute)
	if _, err := env.health.RecomputeHealth(ctx, api.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(env.events.ofType(models.EventHeartbeatMissed)); n != 1 {
		t.Errorf("heartbeat_missed events = %d, want 1", n)
	}
}

func TestRecomputeHealth_NeverHeartbeated(t *testing.T) {
	env := newTestEnv(t)
	e := env.register(t, models.KindAgent, "scout")
	report, err := env.health.RecomputeHealth(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("RecomputeHealth: %v", err)
	}
	if report.Score != 0 || !report.Stale {
		t.Errorf("report = %+v, want score 0 and stale", report)
	}
}

func TestSweepStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, models.KindServer, "api-1")
	b := env.register(t, models.KindServer, "api-2")
	env.register(t, models.KindServer, "never-seen")
	env.heartbeat(t, a.ID, 500, 30)

	env.clock.Advance(90 * time.Second)
	env.heartbeat(t, b.ID, 500, 30)

	n, err := env.health.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if n != 1 {
		t.Errorf("recomputed = %d, want 1 (api-1 crossed the fresh window)", n)
	}
	got, _ := env.health.GetHealth(ctx, a.ID)
	if got.Score != 80 {
		t.Errorf("api-1 score = %v, want 80", got.Score)
	}

	// Nothing crossed a boundary since.
	if n, _ := env.health.SweepStale(ctx); n != 0 {
		t.Errorf("repeat sweep recomputed %d, want 0", n)
	}

	env.clock.Advance(300 * time.Second)
	if n, _ := env.health.SweepStale(ctx); n != 2 {
		t.Errorf("sweep after staleness recomputed %d, want 2", n)
	}
	got, _ = env.health.GetHealth(ctx, a.ID)
	if got.Score != 60 || got.Tier != models.TierCritical {
		t.Errorf("api-1 after sweep = %+v", got)
	}
}

func TestHealthHistory_Trimmed(t *testing.T) {
	env, err := newTestEnvAt(t.TempDir(), Options{Health: models.HealthConfig{
		FreshWindow: time.Minute, StalenessWindow: 5 * time.Minute, HistoryLimit: 3, ImpactFactor: 1,
	}})
	if err != nil {
		t.Fatal(err)
	}
	e := env.register(t, models.KindAgent, "scout")
	for i := 0; i < 5; i++ {
		env.clock.Advance(time.Second)
		env.heartbeat(t, e.ID, float64(100*(i+1)), 10)
	}
	history, err := env.health.HealthHistory(context.Background(), e.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 3 {
		t.Fatalf("history = %d samples, want 3", len(history))
	}
	if history[0].ResponseTimeMS != 500 {
		t.Errorf("newest sample first: got %v", history[0].ResponseTimeMS)
	}
}
