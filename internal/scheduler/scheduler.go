// Package scheduler runs the registry's periodic maintenance on cron
// schedules: stale sweeps, cache sweeps, snapshots, subscription expiry,
// event redrive and retention.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one periodic task. An empty Schedule disables the job.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// JobStatus reports how a job has been doing.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
}

type jobState struct {
	job     Job
	entryID cron.EntryID

	mu        sync.Mutex
	runs      int64
	failures  int64
	lastRun   time.Time
	lastError error
}

// ErrUnknownJob is returned by RunNow for a name that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler wraps a cron runner. Overlapping runs of one job are skipped
// and a panicking job is recovered and logged.
type Scheduler struct {
	cron *cron.Cron
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	jobs    map[string]*jobState
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New creates a Scheduler evaluating schedules in UTC.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{log: logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:    logger,
		now:    time.Now,
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs with an empty schedule are kept for RunNow but
// never fire on their own.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a run function")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already added", job.Name)
	}
	st := &jobState{job: job}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.run(s.runContext(), st) })
		if err != nil {
			return fmt.Errorf("scheduling job %s with %q: %w", job.Name, job.Schedule, err)
		}
		st.entryID = id
	}
	s.jobs[job.Name] = st
	return nil
}

// Start begins firing jobs. Jobs run with ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop stops firing jobs, cancels the context of running ones and waits
// for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// RunNow runs the named job synchronously and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	return s.run(ctx, st)
}

func (s *Scheduler) run(ctx context.Context, st *jobState) error {
	start := s.now()
	err := st.job.Run(ctx)
	took := s.now().Sub(start)

	st.mu.Lock()
	st.runs++
	st.lastRun = start
	st.lastError = err
	if err != nil {
		st.failures++
	}
	st.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", zap.String("job", st.job.Name), zap.Duration("took", took), zap.Error(err))
	} else {
		s.log.Debug("scheduled job ran", zap.String("job", st.job.Name), zap.Duration("took", took))
	}
	return err
}

// Status lists every job sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		st.mu.Lock()
		js := JobStatus{
			Name:     st.job.Name,
			Schedule: st.job.Schedule,
			Runs:     st.runs,
			Failures: st.failures,
			LastRun:  st.lastRun,
		}
		if st.lastError != nil {
			js.LastError = st.lastError.Error()
		}
		st.mu.Unlock()
		if st.entryID != 0 {
			js.NextRun = s.cron.Entry(st.entryID).Next
		}
		out = append(out, js)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
