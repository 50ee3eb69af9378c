package core

import (
	"context"
	"testing"
	"time"

	"github.com/valter-silva-au/agent-registry/internal/cache"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// A cached count of online servers is recomputed after any server changes
// status.
func TestCachedAggregateInvalidatedByStatusChange(t *testing.T) {
	c := cache.New(cache.Options{DefaultTTL: time.Hour})
	env, err := newTestEnvAt(t.TempDir(), Options{Cache: c})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	api := env.register(t, models.KindServer, "api-1")
	env.register(t, models.KindServer, "api-2")

	computes := 0
	healthyServers := func() int {
		v, err := c.GetOrCompute(ctx, "healthy_servers_count", "count",
			[]string{KindTag(models.KindServer)}, 0,
			func(ctx context.Context) (any, error) {
				computes++
				online, err := env.registry.List(ctx, models.EntityFilter{
					Kind:     models.KindServer,
					Statuses: []models.EntityStatus{models.StatusOnline},
				})
				return len(online), err
			})
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		return v.(int)
	}

	if n := healthyServers(); n != 0 {
		t.Fatalf("initial count = %d, want 0", n)
	}
	healthyServers()
	if computes != 1 {
		t.Fatalf("computes = %d, want 1 while cached", computes)
	}

	if err := env.registry.UpdateStatus(ctx, api.ID, models.StatusOnline); err != nil {
		t.Fatal(err)
	}
	if n := healthyServers(); n != 1 {
		t.Errorf("count after status change = %d, want 1", n)
	}
	if computes != 2 {
		t.Errorf("computes = %d, want 2", computes)
	}

	// Writes to other kinds leave the server aggregate cached.
	env.register(t, models.KindAgent, "scout")
	healthyServers()
	if computes != 2 {
		t.Errorf("agent registration invalidated the server count")
	}
}
