package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/valter-silva-au/agent-registry/pkg/models"
)

func TestRegister_InitialStatusPerKind(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		kind models.EntityKind
		want models.EntityStatus
	}{
		{models.KindAgent, models.StatusOffline},
		{models.KindLeader, models.StatusOffline},
		{models.KindServer, models.StatusOffline},
		{models.KindDatabase, models.StatusOffline},
		{models.KindDepartment, models.StatusPlanning},
		{models.KindDivision, models.StatusPlanning},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := env.register(t, tt.kind, "first-"+string(tt.kind))
			if e.Status != tt.want {
				t.Errorf("status = %s, want %s", e.Status, tt.want)
			}
			if e.ID == "" {
				t.Error("expected a generated id")
			}
			if e.DependencyImpact != 100 {
				t.Errorf("DependencyImpact = %v, want 100", e.DependencyImpact)
			}
			if kind, _ := e.Extension.Kind(); kind != tt.kind {
				t.Errorf("extension kind = %q, want %q", kind, tt.kind)
			}
		})
	}

	if got := len(env.events.ofType(models.EventRegistered)); got != len(tests) {
		t.Errorf("registered events = %d, want %d", got, len(tests))
	}
}

func TestRegister_DuplicateNameWithinKind(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, models.KindServer, "api-1")

	_, err := env.registry.Register(ctx, RegisterInput{Kind: models.KindServer, Name: "api-1"})
	var dup *DuplicateNameError
	if !errors.As(err, &dup) {
		t.Fatalf("error = %v, want DuplicateNameError", err)
	}
	if !errors.Is(err, ErrDuplicateName) {
		t.Error("DuplicateNameError should match ErrDuplicateName")
	}

	// Same name in another kind is fine.
	if _, err := env.registry.Register(ctx, RegisterInput{Kind: models.KindDatabase, Name: "api-1"}); err != nil {
		t.Fatalf("same name in another kind: %v", err)
	}
}

func TestRegister_NameReusableAfterDeregister(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first := env.register(t, models.KindAgent, "scout")
	if err := env.registry.Deregister(ctx, first.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	second := env.register(t, models.KindAgent, "scout")
	if second.ID == first.ID {
		t.Error("expected a fresh id for the re-registered name")
	}
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   RegisterInput
	}{
		{"unknown kind", RegisterInput{Kind: "robot", Name: "x"}},
		{"blank name", RegisterInput{Kind: models.KindAgent, Name: "  "}},
		{"mismatched extension", RegisterInput{
			Kind: models.KindAgent, Name: "x",
			Extension: &models.Extension{Server: &models.ServerExt{EndpointURL: "http://x"}},
		}},
		{"two extensions", RegisterInput{
			Kind: models.KindServer, Name: "x",
			Extension: &models.Extension{Server: &models.ServerExt{}, Database: &models.DatabaseExt{}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.registry.Register(ctx, tt.in)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestRegister_KeepsExtensionAndNormalizesSets(t *testing.T) {
	env := newTestEnv(t)
	e, err := env.registry.Register(context.Background(), RegisterInput{
		Kind:         models.KindServer,
		Name:         "api-1",
		Capabilities: []string{"http", "grpc", "http", " "},
		Tags:         []string{"prod"},
		Metadata:     map[string]string{"region": "eu"},
		Extension:    &models.Extension{Server: &models.ServerExt{EndpointURL: "http://api-1", RateLimit: 100}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := env.registry.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Extension.Server == nil || got.Extension.Server.EndpointURL != "http://api-1" {
		t.Errorf("extension = %+v", got.Extension)
	}
	if len(got.Capabilities) != 2 || got.Capabilities[0] != "grpc" {
		t.Errorf("capabilities = %v, want [grpc http]", got.Capabilities)
	}
	if got.Metadata["region"] != "eu" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")

	if err := env.registry.UpdateStatus(ctx, api.ID, models.StatusOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, _ := env.registry.Get(ctx, api.ID)
	if got.Status != models.StatusOnline {
		t.Errorf("status = %s, want online", got.Status)
	}
	if got.Version != api.Version+1 {
		t.Errorf("version = %d, want %d", got.Version, api.Version+1)
	}

	changes := env.events.ofType(models.EventStatusChanged)
	if len(changes) != 1 {
		t.Fatalf("status_changed events = %d, want 1", len(changes))
	}
	if changes[0].Payload["new_status"] != "online" || changes[0].Payload["old_status"] != "offline" {
		t.Errorf("payload = %v", changes[0].Payload)
	}
	if !env.cache.saw(api.ID) || !env.cache.saw(KindTag(models.KindServer)) {
		t.Error("expected entity and kind tags to be invalidated")
	}

	// Same status again is a no-op.
	if err := env.registry.UpdateStatus(ctx, api.ID, models.StatusOnline); err != nil {
		t.Fatalf("repeat UpdateStatus: %v", err)
	}
	if n := len(env.events.ofType(models.EventStatusChanged)); n != 1 {
		t.Errorf("status_changed events after no-op = %d, want 1", n)
	}
}

func TestUpdateStatus_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	agent := env.register(t, models.KindAgent, "scout")
	dept := env.register(t, models.KindDepartment, "research")

	if err := env.registry.UpdateStatus(ctx, "missing", models.StatusOnline); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: error = %v, want NotFoundError", err)
	}

	tests := []struct {
		name   string
		id     string
		status models.EntityStatus
	}{
		{"agent cannot be degraded", agent.ID, models.StatusDegraded},
		{"agent cannot be planning", agent.ID, models.StatusPlanning},
		{"department cannot be busy", dept.ID, models.StatusBusy},
		{"archived only through deregister", agent.ID, models.StatusArchived},
		{"unknown status", agent.ID, "sleeping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.registry.UpdateStatus(ctx, tt.id, tt.status)
			var ist *InvalidStateTransitionError
			if !errors.As(err, &ist) {
				t.Fatalf("error = %v, want InvalidStateTransitionError", err)
			}
			if ist.To != tt.status {
				t.Errorf("To = %s, want %s", ist.To, tt.status)
			}
		})
	}

	if err := env.registry.Deregister(ctx, agent.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := env.registry.UpdateStatus(ctx, agent.ID, models.StatusOnline); !errors.Is(err, ErrInvalidStateTransition) {
		t.Errorf("archived entity: error = %v, want InvalidStateTransitionError", err)
	}
}

func TestList_Filters(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.register(t, models.KindServer, "api-1")
	env.register(t, models.KindServer, "api-2")
	env.register(t, models.KindDatabase, "db-1")
	if err := env.registry.UpdateStatus(ctx, a.ID, models.StatusOnline); err != nil {
		t.Fatal(err)
	}

	servers, err := env.registry.List(ctx, models.EntityFilter{Kind: models.KindServer})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(servers) != 2 {
		t.Errorf("servers = %d, want 2", len(servers))
	}

	online, _ := env.registry.List(ctx, models.EntityFilter{Statuses: []models.EntityStatus{models.StatusOnline}})
	if len(online) != 1 || online[0].ID != a.ID {
		t.Errorf("online = %v", online)
	}

	if _, err := env.registry.List(ctx, models.EntityFilter{Kind: "robot"}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown kind filter: error = %v", err)
	}
}

func TestDeregister_CascadesOutgoingEdges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")
	db := env.register(t, models.KindDatabase, "db-1")
	cache := env.register(t, models.KindServer, "cache-1")
	env.depend(t, api.ID, db.ID, true)
	env.depend(t, api.ID, cache.ID, false)
	env.depend(t, cache.ID, db.ID, false)

	if err := env.registry.Deregister(ctx, api.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	got, _ := env.registry.Get(ctx, api.ID)
	if got.Status != models.StatusArchived {
		t.Errorf("status = %s, want archived", got.Status)
	}
	deps, _ := env.store.ListDependencies(ctx, api.ID)
	if len(deps) != 0 {
		t.Errorf("outgoing edges left = %d, want 0", len(deps))
	}
	// Edges owned by other entities survive.
	others, _ := env.store.ListDependencies(ctx, cache.ID)
	if len(others) != 1 {
		t.Errorf("cache-1 edges = %d, want 1", len(others))
	}
	if n := len(env.events.ofType(models.EventDependencyRemoved)); n != 2 {
		t.Errorf("dependency_removed events = %d, want 2", n)
	}

	live, _ := env.registry.List(ctx, models.EntityFilter{})
	for _, e := range live {
		if e.ID == api.ID {
			t.Error("archived entity listed without IncludeArchived")
		}
	}
}

func TestDeregister_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	e := env.register(t, models.KindAgent, "scout")

	if err := env.registry.Deregister(ctx, e.ID); err != nil {
		t.Fatalf("first Deregister: %v", err)
	}
	after, _ := env.registry.Get(ctx, e.ID)
	if err := env.registry.Deregister(ctx, e.ID); err != nil {
		t.Fatalf("second Deregister: %v", err)
	}
	again, _ := env.registry.Get(ctx, e.ID)
	if again.Version != after.Version || again.Status != models.StatusArchived {
		t.Errorf("second deregister changed state: %+v", again)
	}
	if n := len(env.events.ofType(models.EventDeregistered)); n != 1 {
		t.Errorf("deregistered events = %d, want 1", n)
	}

	if err := env.registry.Deregister(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id: error = %v, want NotFoundError", err)
	}
}

func TestConcurrentWritesFromTwoInstancesAreSerialized(t *testing.T) {
	dir := t.TempDir()
	a, err := newTestEnvAt(dir, Options{})
	if err != nil {
		t.Fatalf("first env: %v", err)
	}
	t.Cleanup(func() { _ = a.store.Close() })
	b, err := newTestEnvAt(dir, Options{})
	if err != nil {
		t.Fatalf("second env: %v", err)
	}
	t.Cleanup(func() { _ = b.store.Close() })

	srv := a.register(t, models.KindServer, "srv-1")
	ctx := context.Background()

	const writers = 160
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		errs       []error
		heartbeats int
	)
	for i := 0; i < writers; i++ {
		env := a
		if i%2 == 1 {
			env = b
		}
		if i%4 < 2 {
			heartbeats++
		}
		wg.Add(1)
		go func(i int, env *testEnv) {
			defer wg.Done()
			var err error
			if i%4 < 2 {
				_, err = env.health.ReportHeartbeat(ctx, srv.ID, 500, 30)
			} else {
				status := models.StatusOnline
				if i%8 >= 4 {
					status = models.StatusBusy
				}
				err = env.registry.UpdateStatus(ctx, srv.ID, status)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("writer %d: %w", i, err))
				mu.Unlock()
			}
		}(i, env)
	}
	wg.Wait()

	for _, err := range errs {
		t.Error(err)
	}

	got, err := a.registry.Get(ctx, srv.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	statusWrites := len(a.events.ofType(models.EventStatusChanged)) + len(b.events.ofType(models.EventStatusChanged))
	if want := int64(1 + heartbeats + statusWrites); int64(got.Version) != want {
		t.Errorf("Version = %d, want %d (1 + %d heartbeats + %d status changes)", got.Version, want, heartbeats, statusWrites)
	}
	if got.LastHeartbeat == nil {
		t.Error("LastHeartbeat = nil after concurrent heartbeats")
	}
}
