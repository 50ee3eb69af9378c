package observability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// AlertSeverity represents the urgency of an alert.
type AlertSeverity string

const (
	SeverityHigh   AlertSeverity = "high"
	SeverityMedium AlertSeverity = "medium"
	SeverityLow    AlertSeverity = "low"
)

// Alert conditions.
const (
	ConditionStale      = "entity_stale"
	ConditionCritical   = "entity_critical"
	ConditionImpacted   = "entity_impacted"
	ConditionDeadLetter = "dead_letter_backlog"
)

// Alert represents a triggered alert condition.
type Alert struct {
	ID          string        `json:"id"`
	Condition   string        `json:"condition"`
	Severity    AlertSeverity `json:"severity"`
	EntityID    string        `json:"entity_id,omitempty"`
	Message     string        `json:"message"`
	TriggeredAt time.Time     `json:"triggered_at"`
}

// AlertThresholds configures when alerts should fire.
type AlertThresholds struct {
	// ImpactThreshold fires entity_impacted when an entity's own score is at
	// or above it but its effective health has been dragged below it.
	ImpactThreshold float64
	// DeadLetterThreshold fires dead_letter_backlog when the dead-letter
	// count exceeds it.
	DeadLetterThreshold int
	StalenessWindow     time.Duration
}

// DefaultAlertThresholds returns sensible defaults for alert thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		ImpactThreshold:     50,
		DeadLetterThreshold: 10,
		StalenessWindow:     core.DefaultHealthConfig().StalenessWindow,
	}
}

// ThresholdsFromConfig fills zero config values with defaults.
func ThresholdsFromConfig(alerts models.AlertsConfig, health models.HealthConfig) AlertThresholds {
	t := DefaultAlertThresholds()
	if alerts.ImpactThreshold > 0 {
		t.ImpactThreshold = alerts.ImpactThreshold
	}
	if alerts.DeadLetterThreshold > 0 {
		t.DeadLetterThreshold = alerts.DeadLetterThreshold
	}
	if health.StalenessWindow > 0 {
		t.StalenessWindow = health.StalenessWindow
	}
	return t
}

// AlertEngine evaluates alert conditions against current registry state.
type AlertEngine interface {
	Evaluate(ctx context.Context) ([]Alert, error)
}

type alertEngine struct {
	entities   storage.EntityStore
	events     storage.EventStore
	thresholds AlertThresholds
	now        func() time.Time
}

// NewAlertEngine creates an AlertEngine. A nil now uses time.Now.
func NewAlertEngine(entities storage.EntityStore, events storage.EventStore, thresholds AlertThresholds, now func() time.Time) AlertEngine {
	if now == nil {
		now = time.Now
	}
	return &alertEngine{
		entities:   entities,
		events:     events,
		thresholds: thresholds,
		now:        now,
	}
}

// Evaluate returns triggered alerts, most severe first. An entity raises
// at most one alert: stale wins over critical, critical over impacted.
func (ae *alertEngine) Evaluate(ctx context.Context) ([]Alert, error) {
	now := ae.now().UTC()

	entities, err := ae.entities.ListEntities(ctx, models.EntityFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	var alerts []Alert
	for _, e := range entities {
		if a, ok := ae.checkEntity(e, now); ok {
			alerts = append(alerts, a)
		}
	}

	backlog, err := ae.checkDeadLetters(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("checking dead letters: %w", err)
	}
	alerts = append(alerts, backlog...)

	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := severityRank(alerts[i].Severity), severityRank(alerts[j].Severity)
		if ri != rj {
			return ri < rj
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts, nil
}

func (ae *alertEngine) checkEntity(e *models.Entity, now time.Time) (Alert, bool) {
	switch {
	case e.LastHeartbeat == nil || now.Sub(*e.LastHeartbeat) > ae.thresholds.StalenessWindow:
		msg := fmt.Sprintf("%s %q has never reported a heartbeat", e.Kind, e.Name)
		if e.LastHeartbeat != nil {
			msg = fmt.Sprintf("%s %q has not reported a heartbeat for %s",
				e.Kind, e.Name, now.Sub(*e.LastHeartbeat).Truncate(time.Second))
		}
		return ae.alert("stale", ConditionStale, SeverityMedium, e, msg, now), true

	case e.Status == models.StatusError || models.TierFor(e.HealthScore) == models.TierCritical:
		msg := fmt.Sprintf("%s %q is %s with health %.1f", e.Kind, e.Name, e.Status, e.HealthScore)
		return ae.alert("critical", ConditionCritical, SeverityHigh, e, msg, now), true

	case e.HealthScore >= ae.thresholds.ImpactThreshold && e.EffectiveHealth < ae.thresholds.ImpactThreshold:
		msg := fmt.Sprintf("%s %q is healthy (%.1f) but its dependencies cut effective health to %.1f",
			e.Kind, e.Name, e.HealthScore, e.EffectiveHealth)
		return ae.alert("impacted", ConditionImpacted, SeverityMedium, e, msg, now), true
	}
	return Alert{}, false
}

func (ae *alertEngine) alert(prefix, condition string, sev AlertSeverity, e *models.Entity, msg string, now time.Time) Alert {
	return Alert{
		ID:          fmt.Sprintf("%s-%s", prefix, e.ID),
		Condition:   condition,
		Severity:    sev,
		EntityID:    e.ID,
		Message:     msg,
		TriggeredAt: now,
	}
}

func (ae *alertEngine) checkDeadLetters(ctx context.Context, now time.Time) ([]Alert, error) {
	if ae.events == nil {
		return nil, nil
	}
	dead, err := ae.events.ListDeadLetters(ctx, 0)
	if err != nil {
		return nil, err
	}
	if len(dead) <= ae.thresholds.DeadLetterThreshold {
		return nil, nil
	}
	return []Alert{{
		ID:          "dead-letter-backlog",
		Condition:   ConditionDeadLetter,
		Severity:    SeverityLow,
		Message:     fmt.Sprintf("%d deliveries dead-lettered, exceeding the maximum of %d", len(dead), ae.thresholds.DeadLetterThreshold),
		TriggeredAt: now,
	}}, nil
}

func severityRank(s AlertSeverity) int {
	switch s {
	case SeverityHigh:
		return 0
	case SeverityMedium:
		return 1
	default:
		return 2
	}
}
