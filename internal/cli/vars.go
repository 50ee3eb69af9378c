package cli

import (
	"context"

	"go.uber.org/zap"

	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/internal/observability"
)

// Daemon runs the long-lived server: REST API, dispatcher workers and
// scheduled jobs. It returns once ctx is cancelled and shutdown finished.
type Daemon interface {
	Run(ctx context.Context, addr string) error
}

// Service instances, set during app initialization in app.go.
var (
	BasePath string

	Registry      core.EntityRegistry
	Health        core.HealthScorer
	Dependencies  core.DependencyGraph
	Subscriptions fanout.SubscriptionManager
	Dispatcher    *fanout.Dispatcher

	EventLog    observability.EventLog
	Metrics     observability.Aggregator
	AlertEngine observability.AlertEngine
	Notifier    observability.Notifier

	Server Daemon
	// LogLevel is the shared logger's level. One-shot commands raise it to
	// error unless --verbose is given.
	LogLevel *zap.AtomicLevel
	// ListenAddr is the configured http.addr, used as the serve default and
	// to reach a running server from client commands.
	ListenAddr = ":8080"
)
