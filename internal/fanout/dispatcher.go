package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// ErrStopped is returned by Start on a dispatcher that was already stopped.
var ErrStopped = errors.New("dispatcher stopped")

// DispatcherConfig tunes the worker pool. Zero values fall back to
// DefaultDispatcherConfig.
type DispatcherConfig struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RatePerSecond float64
	DrainTimeout  time.Duration
}

// DefaultDispatcherConfig mirrors the events.* configuration defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:       4,
		QueueSize:     1024,
		MaxAttempts:   3,
		RetryBackoff:  500 * time.Millisecond,
		RatePerSecond: 20,
		DrainTimeout:  10 * time.Second,
	}
}

// ConfigFromModel converts the events section of the global config.
func ConfigFromModel(c models.EventsConfig) DispatcherConfig {
	return DispatcherConfig{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		MaxAttempts:   c.MaxAttempts,
		RetryBackoff:  c.RetryBackoff,
		RatePerSecond: c.RatePerSecond,
		DrainTimeout:  c.DrainTimeout,
	}
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	d := DefaultDispatcherConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	return c
}

// DispatcherOptions carries the dispatcher's collaborators.
type DispatcherOptions struct {
	Config  DispatcherConfig
	Cache   core.CacheInvalidator
	Metrics Metrics
	Logger  *zap.Logger
	Now     func() time.Time
	// Sleep waits between retries; tests replace it to avoid real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dispatcher consumes the event queue. A single router matches each event
// against the live subscriptions in queue order and appends one delivery per
// match to that subscription's lane. Lanes drain one delivery at a time, so
// a subscriber sees events in the order they were queued; at most Workers
// deliveries run at once across all lanes. An event is marked processed
// once every subscription it matches has been attempted, whether delivery
// succeeded or was dead-lettered.
type Dispatcher struct {
	subs       storage.SubscriptionStore
	events     storage.EventStore
	transports TransportSet
	cfg        DispatcherConfig
	cache      core.CacheInvalidator
	metrics    Metrics
	log        *zap.Logger
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error

	queue chan *models.Event
	slots *semaphore.Weighted

	mu       sync.Mutex
	pending  map[string]struct{}
	lanes    map[string][]delivery
	limiters map[string]*rate.Limiter
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to launch its workers.
func NewDispatcher(subs storage.SubscriptionStore, events storage.EventStore, transports TransportSet, opts DispatcherOptions) *Dispatcher {
	cfg := opts.Config.withDefaults()
	d := &Dispatcher{
		subs:       subs,
		events:     events,
		transports: transports,
		cfg:        cfg,
		cache:      opts.Cache,
		metrics:    opts.Metrics,
		log:        opts.Logger,
		now:        opts.Now,
		sleep:      opts.Sleep,
		queue:      make(chan *models.Event, cfg.QueueSize),
		slots:      semaphore.NewWeighted(int64(cfg.Workers)),
		pending:    make(map[string]struct{}),
		lanes:      make(map[string][]delivery),
		limiters:   make(map[string]*rate.Limiter),
	}
	if d.transports == nil {
		d.transports = TransportSet{}
	}
	if d.cache == nil {
		d.cache = nopInvalidator{}
	}
	if d.metrics == nil {
		d.metrics = nopMetrics{}
	}
	if d.log == nil {
		d.log = zap.NewNop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.sleep == nil {
		d.sleep = sleepContext
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Start launches the router. It and the lanes it feeds run until Stop is
// called or ctx ends.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return nil
	}
	d.started = true
	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.route(workerCtx)
	d.log.Info("dispatcher started", zap.Int("workers", d.cfg.Workers), zap.Int("queue_size", d.cfg.QueueSize))
	return nil
}

// Stop closes the queue and waits for the router and lanes to drain it, at most
// DrainTimeout. Events still queued when the timeout fires stay
// unprocessed in the log and are picked up by the next Redrive.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	started, cancel := d.started, d.cancel
	d.mu.Unlock()

	if !started {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		cancel()
		d.log.Info("dispatcher drained")
		return nil
	case <-time.After(d.cfg.DrainTimeout):
		cancel()
		<-done
		return fmt.Errorf("draining dispatcher: timed out after %s with %d events queued", d.cfg.DrainTimeout, len(d.queue))
	}
}

// Enqueue hands e to the router without blocking. It reports false when
// the queue is full, the dispatcher is stopped, or e is already queued.
func (d *Dispatcher) Enqueue(e *models.Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.pending[e.ID]; ok {
		return false
	}
	select {
	case d.queue <- e:
		d.pending[e.ID] = struct{}{}
		d.metrics.SetQueueDepth(len(d.queue))
		return true
	default:
		d.log.Warn("event queue full, leaving event for redrive",
			zap.String("event_id", e.ID), zap.Int("queue_size", d.cfg.QueueSize))
		return false
	}
}

// QueueDepth returns the number of events waiting to be routed.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Redrive re-enqueues unprocessed events from the log, oldest first, and
// returns how many were accepted.
func (d *Dispatcher) Redrive(ctx context.Context) (int, error) {
	unprocessed := false
	events, err := d.events.ListEvents(ctx, models.EventFilter{Processed: &unprocessed})
	if err != nil {
		return 0, fmt.Errorf("listing unprocessed events: %w", err)
	}
	n := 0
	for _, e := range events {
		if !d.Enqueue(e) {
			continue
		}
		n++
	}
	if n > 0 {
		d.log.Info("redrove events", zap.Int("count", n), zap.Int("unprocessed", len(events)))
	}
	return n, nil
}

// delivery is one event waiting in a subscription's lane.
type delivery struct {
	sub     *models.Subscription
	event   *models.Event
	tracker *eventTracker
}

// eventTracker counts the deliveries of one event that are still unsettled.
type eventTracker struct {
	mu        sync.Mutex
	remaining int
	err       error
}

// done records one settled delivery. It reports whether it was the last
// one, and the first error any delivery of the event returned.
func (t *eventTracker) done(err error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining--
	if err != nil && t.err == nil {
		t.err = err
	}
	return t.remaining == 0, t.err
}

func (d *Dispatcher) route(ctx context.Context) {
	defer d.wg.Done()
	for e := range d.queue {
		d.metrics.SetQueueDepth(len(d.queue))
		matched, err := d.matching(ctx, e)
		if err != nil || len(matched) == 0 {
			d.finish(ctx, e, err)
			continue
		}
		tracker := &eventTracker{remaining: len(matched)}
		for _, sub := range matched {
			d.push(ctx, delivery{sub: sub, event: e, tracker: tracker})
		}
	}
}

// push appends job to its subscription's lane and starts a goroutine for
// the lane when none is draining it. A lane exists in d.lanes exactly
// while its goroutine runs.
func (d *Dispatcher) push(ctx context.Context, job delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, running := d.lanes[job.sub.ID]
	d.lanes[job.sub.ID] = append(q, job)
	if running {
		return
	}
	d.wg.Add(1)
	go d.drainLane(ctx, job.sub.ID)
}

func (d *Dispatcher) drainLane(ctx context.Context, subID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.lanes[subID]
		if len(q) == 0 {
			delete(d.lanes, subID)
			d.mu.Unlock()
			return
		}
		job := q[0]
		d.lanes[subID] = q[1:]
		d.mu.Unlock()

		err := d.deliverInSlot(ctx, job.sub, job.event)
		if last, firstErr := job.tracker.done(err); last {
			d.finish(ctx, job.event, firstErr)
		}
	}
}

func (d *Dispatcher) deliverInSlot(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for a delivery slot for event %s: %w", e.ID, err)
	}
	defer d.slots.Release(1)
	return d.deliver(ctx, sub, e)
}

// finish marks e processed unless a delivery was left unsettled, then
// lets it be queued again.
func (d *Dispatcher) finish(ctx context.Context, e *models.Event, err error) {
	if err == nil {
		err = d.markProcessed(ctx, e)
	}
	if err != nil {
		d.log.Warn("event left unprocessed", zap.String("event_id", e.ID), zap.Error(err))
	}
	d.mu.Lock()
	delete(d.pending, e.ID)
	d.mu.Unlock()
}

// Process delivers e to every matching live subscription and marks it
// processed. It bypasses the queue and lanes and is exported for
// synchronous use by the CLI and tests.
func (d *Dispatcher) Process(ctx context.Context, e *models.Event) error {
	matched, err := d.matching(ctx, e)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range matched {
		g.Go(func() error {
			return d.deliver(gctx, sub, e)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return d.markProcessed(ctx, e)
}

func (d *Dispatcher) matching(ctx context.Context, e *models.Event) ([]*models.Subscription, error) {
	subs, err := d.subs.ListSubscriptions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions for event %s: %w", e.ID, err)
	}
	now := d.now()
	var matched []*models.Subscription
	for _, sub := range subs {
		if sub.Live(now) && sub.Matches(e) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func (d *Dispatcher) markProcessed(ctx context.Context, e *models.Event) error {
	if err := d.events.MarkProcessed(ctx, e.ID, d.now()); err != nil {
		return fmt.Errorf("marking event %s processed: %w", e.ID, err)
	}
	d.cache.InvalidateByTag(core.TagEvents)
	return nil
}

// deliver runs the retry loop for one subscription. It returns an error
// only when ctx ends before the delivery was settled.
func (d *Dispatcher) deliver(ctx context.Context, sub *models.Subscription, e *models.Event) error {
	t, ok := d.transports[sub.DeliveryMethod]
	if !ok {
		return d.deadLetter(ctx, sub, e, 0, fmt.Errorf("no transport for delivery method %q", sub.DeliveryMethod))
	}
	if err := d.limiter(sub.ID).Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limit of subscription %s: %w", sub.ID, err)
	}

	var last error
	attempt := 0
	for attempt < d.cfg.MaxAttempts {
		attempt++
		start := time.Now()
		err := t.Deliver(ctx, sub, e)
		d.metrics.DeliveryAttempted(sub.DeliveryMethod, err, time.Since(start))
		if err == nil {
			if rerr := d.subs.RecordDelivery(ctx, sub.ID, models.OutcomeDelivered, d.now()); rerr != nil {
				d.log.Warn("recording delivery failed", zap.String("subscription_id", sub.ID), zap.Error(rerr))
			}
			return nil
		}
		last = &core.DeliveryFailureError{SubscriptionID: sub.ID, EventID: e.ID, Attempt: attempt, Err: err}
		d.log.Debug("delivery attempt failed", zap.Error(last))
		if IsPermanent(err) || ctx.Err() != nil {
			break
		}
		if attempt < d.cfg.MaxAttempts {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				break
			}
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("delivering event %s to %s: %w", e.ID, sub.ID, ctx.Err())
	}
	return d.deadLetter(ctx, sub, e, attempt, last)
}

func (d *Dispatcher) deadLetter(ctx context.Context, sub *models.Subscription, e *models.Event, attempts int, cause error) error {
	dl := models.DeadLetter{
		ID:             uuid.NewString(),
		EventID:        e.ID,
		SubscriptionID: sub.ID,
		DeliveryMethod: sub.DeliveryMethod,
		Attempts:       attempts,
		LastError:      cause.Error(),
		CreatedAt:      d.now().UTC(),
	}
	if err := d.events.AppendDeadLetter(ctx, dl); err != nil {
		d.log.Error("writing dead letter failed", zap.String("event_id", e.ID), zap.Error(err))
	}
	if err := d.subs.RecordDelivery(ctx, sub.ID, models.OutcomeDeadLetter, d.now()); err != nil {
		d.log.Warn("recording failed delivery", zap.String("subscription_id", sub.ID), zap.Error(err))
	}
	d.cache.InvalidateByTag(core.TagEvents)
	d.metrics.DeadLettered(sub.DeliveryMethod)
	d.log.Warn("event dead-lettered",
		zap.String("event_id", e.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("delivery_method", string(sub.DeliveryMethod)),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return nil
}

// backoff doubles RetryBackoff per attempt, capped at 32x.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return d.cfg.RetryBackoff * time.Duration(1<<shift)
}

func (d *Dispatcher) limiter(subID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[subID]
	if !ok {
		burst := int(d.cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), burst)
		d.limiters[subID] = l
	}
	return l
}

// Forget drops per-subscription state after an unsubscribe or expiry.
func (d *Dispatcher) Forget(subID string) {
	d.mu.Lock()
	delete(d.limiters, subID)
	d.mu.Unlock()
}
