package models

import "time"

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Driver  string `yaml:"driver" mapstructure:"driver"` // file or postgres
	DSN     string `yaml:"dsn,omitempty" mapstructure:"dsn"`
	Migrate bool   `yaml:"migrate" mapstructure:"migrate"`
}

// HealthConfig tunes heartbeat scoring and staleness handling.
type HealthConfig struct {
	FreshWindow     time.Duration `yaml:"fresh_window" mapstructure:"fresh_window"`
	StalenessWindow time.Duration `yaml:"staleness_window" mapstructure:"staleness_window"`
	HistoryLimit    int           `yaml:"history_limit" mapstructure:"history_limit"`
	ImpactFactor    float64       `yaml:"impact_factor" mapstructure:"impact_factor"`
	SweepSchedule   string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// EventsConfig tunes the fan-out dispatcher and event retention.
type EventsConfig struct {
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	RatePerSecond   float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Retention       time.Duration `yaml:"retention" mapstructure:"retention"`
	DrainTimeout    time.Duration `yaml:"drain_timeout" mapstructure:"drain_timeout"`
	RedriveSchedule string        `yaml:"redrive_schedule" mapstructure:"redrive_schedule"`
}

// CacheConfig tunes the query cache.
type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	SweepSchedule string        `yaml:"sweep_schedule" mapstructure:"sweep_schedule"`
	SweepBatch    int           `yaml:"sweep_batch" mapstructure:"sweep_batch"`
}

// MetricsConfig tunes the snapshot aggregator.
type MetricsConfig struct {
	SnapshotSchedule string        `yaml:"snapshot_schedule" mapstructure:"snapshot_schedule"`
	QueryTimeout     time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// HTTPConfig configures the REST API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// RedisConfig configures the redis pub/sub transport.
type RedisConfig struct {
	Addr          string `yaml:"addr,omitempty" mapstructure:"addr"`
	Password      string `yaml:"password,omitempty" mapstructure:"password"`
	DB            int    `yaml:"db" mapstructure:"db"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
}

// KafkaConfig configures the kafka transport.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers,omitempty" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// WebhookConfig configures the webhook transport.
type WebhookConfig struct {
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	BreakerFailures uint32        `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// TransportsConfig groups delivery transport settings.
type TransportsConfig struct {
	Redis   RedisConfig   `yaml:"redis" mapstructure:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka" mapstructure:"kafka"`
	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
}

// NotificationsConfig configures alert notifications.
type NotificationsConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url,omitempty" mapstructure:"slack_webhook_url"`
}

// AlertsConfig holds alert thresholds.
type AlertsConfig struct {
	ImpactThreshold     float64 `yaml:"impact_threshold" mapstructure:"impact_threshold"`
	DeadLetterThreshold int     `yaml:"dead_letter_threshold" mapstructure:"dead_letter_threshold"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
}

// GlobalConfig holds system-wide settings read from .aregconfig via Viper.
type GlobalConfig struct {
	Storage       StorageConfig       `yaml:"storage" mapstructure:"storage"`
	Health        HealthConfig        `yaml:"health" mapstructure:"health"`
	Events        EventsConfig        `yaml:"events" mapstructure:"events"`
	Cache         CacheConfig         `yaml:"cache" mapstructure:"cache"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	HTTP          HTTPConfig          `yaml:"http" mapstructure:"http"`
	Transports    TransportsConfig    `yaml:"transports" mapstructure:"transports"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
	Alerts        AlertsConfig        `yaml:"alerts" mapstructure:"alerts"`
	Logging       LoggingConfig       `yaml:"logging" mapstructure:"logging"`
}
