package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// ConfigurationManager loads and validates the .aregconfig file.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	ValidateConfig(cfg *models.GlobalConfig) error
}

// viperConfigManager implements ConfigurationManager using Viper. Every key
// can be overridden with an AREG_ environment variable, for example
// AREG_STORAGE_DSN or AREG_EVENTS_WORKERS.
type viperConfigManager struct {
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager that reads
// .aregconfig from basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *models.GlobalConfig {
	return &models.GlobalConfig{
		Storage: models.StorageConfig{Driver: "file", Migrate: true},
		Health:  DefaultHealthConfig(),
		Events: models.EventsConfig{
			Workers:         4,
			QueueSize:       1024,
			MaxAttempts:     3,
			RetryBackoff:    500 * time.Millisecond,
			RatePerSecond:   20,
			Retention:       30 * 24 * time.Hour,
			DrainTimeout:    10 * time.Second,
			RedriveSchedule: "@every 1m",
		},
		Cache: models.CacheConfig{
			DefaultTTL:    30 * time.Second,
			SweepSchedule: "@every 10s",
			SweepBatch:    8,
		},
		Metrics: models.MetricsConfig{
			SnapshotSchedule: "@every 15m",
			QueryTimeout:     5 * time.Second,
		},
		HTTP: models.HTTPConfig{Addr: ":8080"},
		Transports: models.TransportsConfig{
			Redis:   models.RedisConfig{ChannelPrefix: "areg"},
			Kafka:   models.KafkaConfig{Topic: "areg.events"},
			Webhook: models.WebhookConfig{Timeout: 5 * time.Second, BreakerFailures: 5},
		},
		Alerts:  models.AlertsConfig{ImpactThreshold: 50, DeadLetterThreshold: 10},
		Logging: models.LoggingConfig{Level: "info", Format: "json"},
	}
}

func setDefaults(v *viper.Viper, cfg *models.GlobalConfig) {
	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.migrate", cfg.Storage.Migrate)

	v.SetDefault("health.fresh_window", cfg.Health.FreshWindow)
	v.SetDefault("health.staleness_window", cfg.Health.StalenessWindow)
	v.SetDefault("health.history_limit", cfg.Health.HistoryLimit)
	v.SetDefault("health.impact_factor", cfg.Health.ImpactFactor)
	v.SetDefault("health.sweep_schedule", cfg.Health.SweepSchedule)

	v.SetDefault("events.workers", cfg.Events.Workers)
	v.SetDefault("events.queue_size", cfg.Events.QueueSize)
	v.SetDefault("events.max_attempts", cfg.Events.MaxAttempts)
	v.SetDefault("events.retry_backoff", cfg.Events.RetryBackoff)
	v.SetDefault("events.rate_per_second", cfg.Events.RatePerSecond)
	v.SetDefault("events.retention", cfg.Events.Retention)
	v.SetDefault("events.drain_timeout", cfg.Events.DrainTimeout)
	v.SetDefault("events.redrive_schedule", cfg.Events.RedriveSchedule)

	v.SetDefault("cache.default_ttl", cfg.Cache.DefaultTTL)
	v.SetDefault("cache.sweep_schedule", cfg.Cache.SweepSchedule)
	v.SetDefault("cache.sweep_batch", cfg.Cache.SweepBatch)

	v.SetDefault("metrics.snapshot_schedule", cfg.Metrics.SnapshotSchedule)
	v.SetDefault("metrics.query_timeout", cfg.Metrics.QueryTimeout)

	v.SetDefault("http.addr", cfg.HTTP.Addr)

	v.SetDefault("transports.redis.addr", cfg.Transports.Redis.Addr)
	v.SetDefault("transports.redis.password", cfg.Transports.Redis.Password)
	v.SetDefault("transports.redis.db", cfg.Transports.Redis.DB)
	v.SetDefault("transports.redis.channel_prefix", cfg.Transports.Redis.ChannelPrefix)
	v.SetDefault("transports.kafka.brokers", cfg.Transports.Kafka.Brokers)
	v.SetDefault("transports.kafka.topic", cfg.Transports.Kafka.Topic)
	v.SetDefault("transports.webhook.timeout", cfg.Transports.Webhook.Timeout)
	v.SetDefault("transports.webhook.breaker_failures", cfg.Transports.Webhook.BreakerFailures)

	v.SetDefault("notifications.enabled", cfg.Notifications.Enabled)
	v.SetDefault("notifications.slack_webhook_url", cfg.Notifications.SlackWebhookURL)

	v.SetDefault("alerts.impact_threshold", cfg.Alerts.ImpactThreshold)
	v.SetDefault("alerts.dead_letter_threshold", cfg.Alerts.DeadLetterThreshold)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}

// LoadGlobalConfig reads .aregconfig from the base path. A missing file
// yields the defaults, still subject to environment overrides.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	v := viper.New()
	v.SetConfigName(".aregconfig")
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)
	v.SetEnvPrefix("AREG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, DefaultConfig())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading .aregconfig: %w", err)
		}
	}

	cfg := &models.GlobalConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding .aregconfig: %w", err)
	}
	// Comma-separated broker lists arrive as one string from the environment.
	if len(cfg.Transports.Kafka.Brokers) == 1 && strings.Contains(cfg.Transports.Kafka.Brokers[0], ",") {
		cfg.Transports.Kafka.Brokers = strings.Split(cfg.Transports.Kafka.Brokers[0], ",")
	}
	return cfg, nil
}

var validStorageDrivers = map[string]bool{
	"file":     true,
	"postgres": true,
}

var validLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// ValidateConfig checks every field for values the services cannot run
// with and reports all problems at once.
func (cm *viperConfigManager) ValidateConfig(cfg *models.GlobalConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var errs []string

	if !validStorageDrivers[cfg.Storage.Driver] {
		errs = append(errs, fmt.Sprintf("storage.driver %q is invalid, must be one of: file, postgres", cfg.Storage.Driver))
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, "storage.dsn must be set when storage.driver is postgres")
	}

	if cfg.Health.FreshWindow <= 0 {
		errs = append(errs, fmt.Sprintf("health.fresh_window must be positive, got %s", cfg.Health.FreshWindow))
	}
	if cfg.Health.StalenessWindow < cfg.Health.FreshWindow {
		errs = append(errs, fmt.Sprintf("health.staleness_window %s must not be shorter than health.fresh_window %s",
			cfg.Health.StalenessWindow, cfg.Health.FreshWindow))
	}
	if cfg.Health.HistoryLimit <= 0 {
		errs = append(errs, fmt.Sprintf("health.history_limit must be positive, got %d", cfg.Health.HistoryLimit))
	}
	if cfg.Health.ImpactFactor < 0 || cfg.Health.ImpactFactor > 1 {
		errs = append(errs, fmt.Sprintf("health.impact_factor %v is invalid, must be between 0 and 1", cfg.Health.ImpactFactor))
	}

	if cfg.Events.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("events.workers must be positive, got %d", cfg.Events.Workers))
	}
	if cfg.Events.QueueSize <= 0 {
		errs = append(errs, fmt.Sprintf("events.queue_size must be positive, got %d", cfg.Events.QueueSize))
	}
	if cfg.Events.MaxAttempts <= 0 {
		errs = append(errs, fmt.Sprintf("events.max_attempts must be positive, got %d", cfg.Events.MaxAttempts))
	}
	if cfg.Events.RetryBackoff < 0 {
		errs = append(errs, "events.retry_backoff must not be negative")
	}
	if cfg.Events.RatePerSecond < 0 {
		errs = append(errs, "events.rate_per_second must not be negative")
	}
	if cfg.Events.Retention < 0 {
		errs = append(errs, "events.retention must not be negative")
	}

	if cfg.Cache.DefaultTTL <= 0 {
		errs = append(errs, fmt.Sprintf("cache.default_ttl must be positive, got %s", cfg.Cache.DefaultTTL))
	}
	if cfg.Cache.SweepBatch <= 0 {
		errs = append(errs, fmt.Sprintf("cache.sweep_batch must be positive, got %d", cfg.Cache.SweepBatch))
	}
	if cfg.Metrics.QueryTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("metrics.query_timeout must be positive, got %s", cfg.Metrics.QueryTimeout))
	}

	schedules := map[string]string{
		"health.sweep_schedule":     cfg.Health.SweepSchedule,
		"events.redrive_schedule":   cfg.Events.RedriveSchedule,
		"cache.sweep_schedule":      cfg.Cache.SweepSchedule,
		"metrics.snapshot_schedule": cfg.Metrics.SnapshotSchedule,
	}
	for _, key := range []string{"health.sweep_schedule", "events.redrive_schedule", "cache.sweep_schedule", "metrics.snapshot_schedule"} {
		if _, err := cron.ParseStandard(schedules[key]); err != nil {
			errs = append(errs, fmt.Sprintf("%s %q is invalid: %v", key, schedules[key], err))
		}
	}

	if cfg.Notifications.Enabled && cfg.Notifications.SlackWebhookURL == "" {
		errs = append(errs, "notifications.slack_webhook_url must be set when notifications are enabled")
	}
	if cfg.Alerts.ImpactThreshold < 0 || cfg.Alerts.ImpactThreshold > 100 {
		errs = append(errs, fmt.Sprintf("alerts.impact_threshold %v is invalid, must be between 0 and 100", cfg.Alerts.ImpactThreshold))
	}
	if cfg.Logging.Format != "" && !validLogFormats[cfg.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid, must be one of: json, console", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
