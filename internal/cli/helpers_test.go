package cli

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zaptest"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/storage"
)

// setupServices points the package service vars at real file-backed
// services in a temp dir, the way a one-shot CLI process runs: events are
// appended to the log but not delivered. The originals are restored on
// cleanup.
func setupServices(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	events, err := observability.NewJSONLEventLog(filepath.Join(dir, "events.jsonl"), filepath.Join(dir, "dead_letters.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLEventLog: %v", err)
	}
	snapshots, err := observability.NewJSONLSnapshotLog(filepath.Join(dir, "snapshots.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLSnapshotLog: %v", err)
	}

	bus := fanout.NewBus(events, fanout.BusOptions{Logger: logger})
	opts := core.Options{Emitter: bus, Locks: core.NewEntityLocks(), Logger: logger}

	origBase, origReg, origHealth, origDeps := BasePath, Registry, Health, Dependencies
	origSubs, origDisp, origLog := Subscriptions, Dispatcher, EventLog
	origMetrics, origAlerts, origNotifier := Metrics, AlertEngine, Notifier
	t.Cleanup(func() {
		BasePath, Registry, Health, Dependencies = origBase, origReg, origHealth, origDeps
		Subscriptions, Dispatcher, EventLog = origSubs, origDisp, origLog
		Metrics, AlertEngine, Notifier = origMetrics, origAlerts, origNotifier
		_ = events.Close()
		_ = store.Close()
	})

	BasePath = dir
	Registry = core.NewEntityRegistry(store, opts)
	Health = core.NewHealthScorer(store, opts)
	Dependencies = core.NewDependencyGraph(store, opts)
	Subscriptions = fanout.NewSubscriptionManager(store, fanout.SubscriptionOptions{Emitter: bus, Logger: logger})
	Dispatcher = nil
	EventLog = events
	Metrics = observability.NewAggregator(store, events, snapshots, observability.AggregatorOptions{Logger: logger})
	AlertEngine = observability.NewAlertEngine(store, events, observability.DefaultAlertThresholds(), nil)
	Notifier = nil
}

// runCmd invokes cmd.RunE with args and returns what it printed.
func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	defer cmd.SetOut(nil)
	err := cmd.RunE(cmd, args)
	return out.String(), err
}

// mustRun is runCmd that fails the test on error.
func mustRun(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	out, err := runCmd(t, cmd, args...)
	if err != nil {
		t.Fatalf("%s %v: %v", cmd.Name(), args, err)
	}
	return out
}

type commandCase struct {
	name string
	cmd  *cobra.Command
}
