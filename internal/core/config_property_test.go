package core

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// =============================================================================
// Generators
// =============================================================================

type configValues struct {
	Driver          string
	FreshSeconds    int
	StalenessExtra  int
	HistoryLimit    int
	ImpactFactor    float64
	Workers         int
	MaxAttempts     int
	SnapshotMinutes int
	LogLevel        string
}

func genConfigValues(t *rapid.T) configValues {
	return configValues{
		Driver:          rapid.SampledFrom([]string{"file", "postgres"}).Draw(t, "driver"),
		FreshSeconds:    rapid.IntRange(1, 600).Draw(t, "fresh"),
		StalenessExtra:  rapid.IntRange(0, 3600).Draw(t, "stalenessExtra"),
		HistoryLimit:    rapid.IntRange(1, 10000).Draw(t, "historyLimit"),
		ImpactFactor:    float64(rapid.IntRange(0, 100).Draw(t, "factorPct")) / 100,
		Workers:         rapid.IntRange(1, 64).Draw(t, "workers"),
		MaxAttempts:     rapid.IntRange(1, 10).Draw(t, "attempts"),
		SnapshotMinutes: rapid.IntRange(1, 120).Draw(t, "snapshotMinutes"),
		LogLevel:        rapid.SampledFrom([]string{"debug", "info", "warn", "error"}).Draw(t, "level"),
	}
}

// =============================================================================
// YAML writers
// =============================================================================

// mustWriteAregconfigYAML writes a .aregconfig.yaml file with the given
// values. It calls t.Fatal on error.
func mustWriteAregconfigYAML(t *testing.T, dir string, v configValues) {
	t.Helper()
	content := fmt.Sprintf(`storage:
  driver: %s
  dsn: postgres://areg@db/areg
health:
  fresh_window: %ds
  staleness_window: %ds
  history_limit: %d
  impact_factor: %v
events:
  workers: %d
  max_attempts: %d
metrics:
  snapshot_schedule: "@every %dm"
logging:
  level: %s
`, v.Driver, v.FreshSeconds, v.FreshSeconds+v.StalenessExtra, v.HistoryLimit, v.ImpactFactor,
		v.Workers, v.MaxAttempts, v.SnapshotMinutes, v.LogLevel)

	path := filepath.Join(dir, ".aregconfig.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write .aregconfig.yaml: %v", err)
	}
}

// =============================================================================
// Property: Configuration round trip
// =============================================================================

// Feature: areg-config, Property 1: Configuration file values win over defaults
// *For any* valid values written to .aregconfig, LoadGlobalConfig SHALL return
// them, keys absent from the file SHALL keep their defaults, and the result
// SHALL pass ValidateConfig.
func TestProperty_ConfigurationFileOverridesDefaults(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := genConfigValues(rt)
		dir := t.TempDir()
		mustWriteAregconfigYAML(t, dir, v)

		cm := NewConfigurationManager(dir)
		cfg, err := cm.LoadGlobalConfig()
		if err != nil {
			rt.Fatalf("LoadGlobalConfig failed: %v", err)
		}

		if cfg.Storage.Driver != v.Driver {
			rt.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, v.Driver)
		}
		if cfg.Health.FreshWindow != time.Duration(v.FreshSeconds)*time.Second {
			rt.Errorf("Health.FreshWindow: got %s, want %ds", cfg.Health.FreshWindow, v.FreshSeconds)
		}
		if cfg.Health.StalenessWindow != time.Duration(v.FreshSeconds+v.StalenessExtra)*time.Second {
			rt.Errorf("Health.StalenessWindow: got %s", cfg.Health.StalenessWindow)
		}
		if cfg.Health.HistoryLimit != v.HistoryLimit {
			rt.Errorf("Health.HistoryLimit: got %d, want %d", cfg.Health.HistoryLimit, v.HistoryLimit)
		}
		if cfg.Health.ImpactFactor != v.ImpactFactor {
			rt.Errorf("Health.ImpactFactor: got %v, want %v", cfg.Health.ImpactFactor, v.ImpactFactor)
		}
		if cfg.Events.Workers != v.Workers || cfg.Events.MaxAttempts != v.MaxAttempts {
			rt.Errorf("Events: got %+v", cfg.Events)
		}
		if cfg.Logging.Level != v.LogLevel {
			rt.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, v.LogLevel)
		}

		// Untouched keys keep their defaults.
		defaults := DefaultConfig()
		if cfg.Events.QueueSize != defaults.Events.QueueSize {
			rt.Errorf("Events.QueueSize: got %d, want default %d", cfg.Events.QueueSize, defaults.Events.QueueSize)
		}
		if cfg.Cache.DefaultTTL != defaults.Cache.DefaultTTL {
			rt.Errorf("Cache.DefaultTTL: got %s, want default %s", cfg.Cache.DefaultTTL, defaults.Cache.DefaultTTL)
		}

		if err := cm.ValidateConfig(cfg); err != nil {
			rt.Errorf("generated config failed validation: %v", err)
		}
	})
}
