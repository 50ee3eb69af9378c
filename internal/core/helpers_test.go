package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// --- Helpers ---

type recordedEvent struct {
	Type     models.EventType
	EntityID string
	Kind     models.EntityKind
	Payload  map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recordingEmitter) Emit(_ context.Context, t models.EventType, entityID string, kind models.EntityKind, payload map[string]any, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Type: t, EntityID: entityID, Kind: kind, Payload: payload})
	return "evt", nil
}

func (r *recordingEmitter) ofType(t models.EventType) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type recordingInvalidator struct {
	mu   sync.Mutex
	tags []string
}

func (r *recordingInvalidator) InvalidateByTag(tag string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	return 0
}

func (r *recordingInvalidator) saw(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tags {
		if t == tag {
			return true
		}
	}
	return false
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	store    storage.RegistryStore
	clock    *testClock
	events   *recordingEmitter
	cache    *recordingInvalidator
	registry EntityRegistry
	health   HealthScorer
	graph    DependencyGraph
}

func newTestEnvAt(dir string, opts Options) (*testEnv, error) {
	store, err := storage.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	env := &testEnv{
		store:  store,
		clock:  &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		events: &recordingEmitter{},
		cache:  &recordingInvalidator{},
	}
	opts.Emitter = env.events
	if opts.Cache == nil {
		opts.Cache = env.cache
	}
	opts.Now = env.clock.Now
	opts.Locks = NewEntityLocks()
	env.registry = NewEntityRegistry(store, opts)
	env.health = NewHealthScorer(store, opts)
	env.graph = NewDependencyGraph(store, opts)
	return env, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env, err := newTestEnvAt(t.TempDir(), Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("creating test env: %v", err)
	}
	t.Cleanup(func() { _ = env.store.Close() })
	return env
}

type fataler interface {
	Fatalf(format string, args ...any)
}

func (env *testEnv) register(t fataler, kind models.EntityKind, name string) *models.Entity {
	e, err := env.registry.Register(context.Background(), RegisterInput{Kind: kind, Name: name})
	if err != nil {
		t.Fatalf("Register(%s, %s): %v", kind, name, err)
	}
	return e
}

func (env *testEnv) heartbeat(t fataler, id string, responseTimeMS, loadPercent float64) *models.HealthReport {
	r, err := env.health.ReportHeartbeat(context.Background(), id, responseTimeMS, loadPercent)
	if err != nil {
		t.Fatalf("ReportHeartbeat(%s): %v", id, err)
	}
	return r
}

func (env *testEnv) depend(t fataler, from, to string, cascading bool) {
	_, err := env.graph.AddDependency(context.Background(), DependencyInput{
		ServiceID: from, DependsOnID: to, Type: models.DependencyRequired, Strength: 5, Cascading: cascading,
	})
	if err != nil {
		t.Fatalf("AddDependency(%s, %s): %v", from, to, err)
	}
}
