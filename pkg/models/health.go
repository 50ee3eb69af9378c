package models

import "time"

// HealthTier buckets a health score into an operational band.
type HealthTier string

const (
	TierHealthy   HealthTier = "healthy"
	TierDegraded  HealthTier = "degraded"
	TierUnhealthy HealthTier = "unhealthy"
	TierCritical  HealthTier = "critical"
)

// TierFor returns the tier a score falls into.
func TierFor(score float64) HealthTier {
	switch {
	case score >= 80:
		return TierHealthy
	case score >= 50:
		return TierDegraded
	case score >= 20:
		return TierUnhealthy
	default:
		return TierCritical
	}
}

// HealthSample is one ingested heartbeat.
type HealthSample struct {
	EntityID       string    `json:"entity_id" yaml:"entity_id"`
	RecordedAt     time.Time `json:"recorded_at" yaml:"recorded_at"`
	ResponseTimeMS float64   `json:"response_time_ms" yaml:"response_time_ms"`
	LoadPercent    float64   `json:"load_percent" yaml:"load_percent"`
	Score          float64   `json:"score" yaml:"score"`
}

// HealthComponents breaks a score down into its weighted parts.
type HealthComponents struct {
	Recency      float64 `json:"recency"`
	ResponseTime float64 `json:"response_time"`
	Load         float64 `json:"load"`
}

// Total sums the components.
func (c HealthComponents) Total() float64 {
	return c.Recency + c.ResponseTime + c.Load
}

// HealthReport is what health reads return. Stale is the soft warning raised
// when no heartbeat arrived within the staleness window; a stale entity is
// always reported in the critical tier.
type HealthReport struct {
	EntityID         string            `json:"entity_id"`
	Score            float64           `json:"score"`
	Tier             HealthTier        `json:"tier"`
	Stale            bool              `json:"stale"`
	Components       *HealthComponents `json:"components,omitempty"`
	DependencyImpact float64           `json:"dependency_impact"`
	EffectiveHealth  float64           `json:"effective_health"`
	LastHeartbeat    *time.Time        `json:"last_heartbeat,omitempty"`
	ComputedAt       *time.Time        `json:"computed_at,omitempty"`
}
