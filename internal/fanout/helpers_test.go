package fanout

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- Fakes ---

// fakeTransport records deliveries and fails the first failFirst calls.
type fakeTransport struct {
	method    models.DeliveryMethod
	failFirst int
	permanent bool

	mu    sync.Mutex
	calls int
	got   []*models.Event
	subs  []string
}

func (f *fakeTransport) Method() models.DeliveryMethod { return f.method }

func (f *fakeTransport) Deliver(_ context.Context, sub *models.Subscription, e *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		err := errors.New("receiver unavailable")
		if f.permanent {
			return Permanent(err)
		}
		return err
	}
	f.got = append(f.got, e)
	f.subs = append(f.subs, sub.ID)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeTransport) delivered() []*models.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Event(nil), f.got...)
}

// --- Environment ---

type fanoutEnv struct {
	store  storage.RegistryStore
	events observability.EventLog
	now    time.Time
}

func newFanoutEnv(t *testing.T) *fanoutEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	events, err := observability.NewJSONLEventLog(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "dead_letters.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLEventLog: %v", err)
	}
	t.Cleanup(func() {
		events.Close()
		store.Close()
	})
	return &fanoutEnv{
		store:  store,
		events: events,
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (env *fanoutEnv) clock() time.Time { return env.now }

func (env *fanoutEnv) dispatcher(t *testing.T, cfg DispatcherConfig, ts ...Transport) *Dispatcher {
	t.Helper()
	return NewDispatcher(env.store, env.events, NewTransportSet(ts...), DispatcherOptions{
		Config: cfg,
		Logger: zaptest.NewLogger(t),
		Now:    env.clock,
		Sleep:  func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
}

func (env *fanoutEnv) subscriptions(t *testing.T, opts SubscriptionOptions) SubscriptionManager {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Now == nil {
		opts.Now = env.clock
	}
	return NewSubscriptionManager(env.store, opts)
}

func (env *fanoutEnv) subscribe(t *testing.T, m SubscriptionManager, in SubscribeInput) *models.Subscription {
	t.Helper()
	sub, err := m.Subscribe(context.Background(), in)
	if err != nil {
		t.Fatalf("Subscribe(%+v): %v", in, err)
	}
	return sub
}

func (env *fanoutEnv) appendEvent(t *testing.T, e *models.Event) *models.Event {
	t.Helper()
	if e.Timestamp.IsZero() {
		e.Timestamp = env.now
	}
	if err := env.events.AppendEvent(context.Background(), e); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	return e
}

func (env *fanoutEnv) processed(t *testing.T, id string) bool {
	t.Helper()
	e, err := env.events.GetEvent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEvent(%s): %v", id, err)
	}
	return e.Processed
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
