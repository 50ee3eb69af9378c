package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// Job names.
const (
	JobHealthSweep = "health-sweep"
	JobCacheSweep  = "cache-sweep"
	JobSnapshot    = "metrics-snapshot"
	JobAlerts      = "alerts"
	JobExpireSubs  = "subscription-expiry"
	JobRedrive     = "event-redrive"
	JobPruneEvents = "event-retention"
)

// Retention runs hourly; the configured retention only sets the cutoff.
const retentionSchedule = "@hourly"

// --- Collaborators, as the jobs see them ---

type staleSweeper interface {
	SweepStale(ctx context.Context) (int, error)
}

type cacheSweeper interface {
	Sweep(batch int) int
}

type snapshotter interface {
	TakeSnapshot(ctx context.Context) (*models.MetricsSnapshot, error)
}

type expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

type redriver interface {
	Redrive(ctx context.Context) (int, error)
}

type pruner interface {
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// Deps holds what the registry jobs operate on. A nil dependency leaves
// its job out.
type Deps struct {
	Health        staleSweeper
	Cache         cacheSweeper
	Metrics       snapshotter
	Alerts        observability.AlertEngine
	Notifier      observability.Notifier
	Subscriptions expirer
	Dispatcher    redriver
	Events        pruner
	Logger        *zap.Logger
	Now           func() time.Time
}

// RegistryJobs builds the maintenance jobs from the configured schedules.
func RegistryJobs(cfg *models.GlobalConfig, d Deps) []Job {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}

	var jobs []Job
	if d.Health != nil {
		jobs = append(jobs, Job{Name: JobHealthSweep, Schedule: cfg.Health.SweepSchedule, Run: func(ctx context.Context) error {
			n, err := d.Health.SweepStale(ctx)
			if n > 0 {
				log.Info("stale entities rescored", zap.Int("count", n))
			}
			return err
		}})
	}
	if d.Cache != nil {
		batch := cfg.Cache.SweepBatch
		jobs = append(jobs, Job{Name: JobCacheSweep, Schedule: cfg.Cache.SweepSchedule, Run: func(context.Context) error {
			d.Cache.Sweep(batch)
			return nil
		}})
	}
	if d.Metrics != nil {
		jobs = append(jobs, Job{Name: JobSnapshot, Schedule: cfg.Metrics.SnapshotSchedule, Run: func(ctx context.Context) error {
			_, err := d.Metrics.TakeSnapshot(ctx)
			return err
		}})
	}
	if d.Alerts != nil {
		jobs = append(jobs, Job{Name: JobAlerts, Schedule: cfg.Metrics.SnapshotSchedule, Run: func(ctx context.Context) error {
			alerts, err := d.Alerts.Evaluate(ctx)
			if err != nil {
				return fmt.Errorf("evaluating alerts: %w", err)
			}
			if len(alerts) > 0 {
				log.Warn("alerts triggered", zap.Int("count", len(alerts)))
			}
			if d.Notifier == nil {
				return nil
			}
			return d.Notifier.Notify(ctx, alerts)
		}})
	}
	if d.Subscriptions != nil {
		jobs = append(jobs, Job{Name: JobExpireSubs, Schedule: cfg.Events.RedriveSchedule, Run: func(ctx context.Context) error {
			_, err := d.Subscriptions.ExpireDue(ctx)
			return err
		}})
	}
	if d.Dispatcher != nil {
		jobs = append(jobs, Job{Name: JobRedrive, Schedule: cfg.Events.RedriveSchedule, Run: func(ctx context.Context) error {
			n, err := d.Dispatcher.Redrive(ctx)
			if n > 0 {
				log.Info("unprocessed events redriven", zap.Int("count", n))
			}
			return err
		}})
	}
	if d.Events != nil && cfg.Events.Retention > 0 {
		retention := cfg.Events.Retention
		jobs = append(jobs, Job{Name: JobPruneEvents, Schedule: retentionSchedule, Run: func(ctx context.Context) error {
			n, err := d.Events.PruneEvents(ctx, now().Add(-retention))
			if n > 0 {
				log.Info("processed events pruned", zap.Int("count", n))
			}
			return err
		}})
	}
	return jobs
}

// AddAll adds every job, stopping at the first bad schedule.
func (s *Scheduler) AddAll(jobs []Job) error {
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
