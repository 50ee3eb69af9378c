// Package internal provides the App struct that wires all components of the
// agent registry together and initializes the CLI layer.
package internal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/valter-silva-au/agent-registry/internal/api"
	"github.com/valter-silva-au/agent-registry/internal/cache"
	"github.com/valter-silva-au/agent-registry/internal/cli"
	"github.com/valter-silva-au/agent-registry/internal/core"
	"github.com/valter-silva-au/agent-registry/internal/fanout"
	"github.com/valter-silva-au/agent-registry/internal/observability"
	"github.com/valter-silva-au/agent-registry/internal/scheduler"
	"github.com/valter-silva-au/agent-registry/internal/storage"
	"github.com/valter-silva-au/agent-registry/pkg/models"
)

// File names under the base path.
const (
	eventLogFile    = "events.jsonl"
	deadLetterFile  = "dead_letters.jsonl"
	snapshotLogFile = "snapshots.jsonl"
	outboxDir       = "outbox"
	mailboxCapacity = 1000
)

// App holds all service dependencies for the agent registry.
type App struct {
	BasePath string
	Config   *models.GlobalConfig
	Logger   *zap.Logger

	// Configuration
	ConfigMgr core.ConfigurationManager

	// Storage layer
	Store     storage.RegistryStore
	Events    observability.EventLog
	Snapshots storage.SnapshotStore

	// Core services
	Registry     core.EntityRegistry
	Health       core.HealthScorer
	Dependencies core.DependencyGraph

	// Fan-out
	Transports    fanout.TransportSet
	Mailbox       *fanout.Mailbox
	Hub           *fanout.WebsocketHub
	Dispatcher    *fanout.Dispatcher
	Bus           *fanout.Bus
	Subscriptions fanout.SubscriptionManager

	// Observability
	Cache       cache.Cache
	Collectors  *observability.Collectors
	Metrics     observability.Aggregator
	AlertEngine observability.AlertEngine
	Notifier    observability.Notifier

	Scheduler *scheduler.Scheduler
	Router    http.Handler

	// closeEvents is false when the event log is the store itself.
	closeEvents bool
	closeOnce   sync.Once
	closeErr    error
}

// NewApp creates and wires all components of the agent registry.
// basePath is the root directory where all data is stored (typically
// $AREG_HOME or the directory containing .aregconfig).
func NewApp(basePath string) (*App, error) {
	app := &App{BasePath: basePath}

	// --- Configuration ---
	app.ConfigMgr = core.NewConfigurationManager(basePath)
	cfg, err := app.ConfigMgr.LoadGlobalConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := app.ConfigMgr.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	app.Config = cfg

	var level zap.AtomicLevel
	app.Logger, level, err = observability.NewLeveledLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log := app.Logger

	// --- Storage layer ---
	if err := app.openStorage(cfg); err != nil {
		return nil, err
	}

	// --- Query cache and metrics collectors ---
	app.Collectors = observability.NewCollectors()
	app.Cache = cache.New(cache.Options{DefaultTTL: cfg.Cache.DefaultTTL, Observer: app.Collectors})

	// --- Transports ---
	app.Mailbox = fanout.NewMailbox(mailboxCapacity)
	app.Hub = fanout.NewWebsocketHub(log)
	transports := []fanout.Transport{
		app.Mailbox,
		app.Hub,
		fanout.NewWebhookTransport(fanout.WebhookConfig{
			Timeout:         cfg.Transports.Webhook.Timeout,
			BreakerFailures: cfg.Transports.Webhook.BreakerFailures,
		}, log),
	}
	if cfg.Transports.Redis.Addr != "" {
		client := fanout.NewRedisClient(cfg.Transports.Redis)
		transports = append(transports, fanout.NewRedisTransport(client, cfg.Transports.Redis.ChannelPrefix))
	}
	if len(cfg.Transports.Kafka.Brokers) > 0 {
		transports = append(transports, fanout.NewKafkaTransport(fanout.NewKafkaWriter(cfg.Transports.Kafka), cfg.Transports.Kafka.Topic))
	}
	fileTransport, err := fanout.NewFileTransport(filepath.Join(basePath, outboxDir))
	if err != nil {
		log.Warn("file transport disabled", zap.Error(err))
	} else {
		transports = append(transports, fileTransport)
	}
	app.Transports = fanout.NewTransportSet(transports...)

	// --- Dispatcher and event bus ---
	// The dispatcher only runs inside "areg serve". Events emitted by other
	// commands stay unprocessed in the log until the server redrives them.
	app.Dispatcher = fanout.NewDispatcher(app.Store, app.Events, app.Transports, fanout.DispatcherOptions{
		Config:  fanout.ConfigFromModel(cfg.Events),
		Cache:   app.Cache,
		Metrics: app.Collectors,
		Logger:  log,
	})
	app.Bus = fanout.NewBus(app.Events, fanout.BusOptions{
		Dispatcher: app.Dispatcher,
		Cache:      app.Cache,
		Metrics:    app.Collectors,
		Logger:     log,
	})

	// --- Core services ---
	opts := core.Options{
		Health:   cfg.Health,
		Emitter:  app.Bus,
		Cache:    app.Cache,
		Observer: app.Collectors,
		Locks:    core.NewEntityLocks(),
		Logger:   log,
	}
	app.Registry = core.NewEntityRegistry(app.Store, opts)
	app.Health = core.NewHealthScorer(app.Store, opts)
	app.Dependencies = core.NewDependencyGraph(app.Store, opts)
	app.Subscriptions = fanout.NewSubscriptionManager(app.Store, fanout.SubscriptionOptions{
		Emitter:    app.Bus,
		Cache:      app.Cache,
		Dispatcher: app.Dispatcher,
		Mailbox:    app.Mailbox,
		Logger:     log,
	})

	// --- Metrics and alerts ---
	app.Metrics = observability.NewAggregator(app.Store, app.Events, app.Snapshots, observability.AggregatorOptions{
		Cache:        app.Cache,
		QueryTimeout: cfg.Metrics.QueryTimeout,
		Health:       cfg.Health,
		Observer:     app.Collectors,
		Logger:       log,
	})
	app.AlertEngine = observability.NewAlertEngine(app.Store, app.Events,
		observability.ThresholdsFromConfig(cfg.Alerts, cfg.Health), nil)
	if cfg.Notifications.Enabled && cfg.Notifications.SlackWebhookURL != "" {
		app.Notifier = observability.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	}

	// --- Scheduled jobs ---
	app.Scheduler = scheduler.New(log)
	jobs := scheduler.RegistryJobs(cfg, scheduler.Deps{
		Health:        app.Health,
		Cache:         app.Cache,
		Metrics:       app.Metrics,
		Alerts:        app.AlertEngine,
		Notifier:      app.Notifier,
		Subscriptions: app.Subscriptions,
		Dispatcher:    app.Dispatcher,
		Events:        app.Events,
		Logger:        log,
	})
	if err := app.Scheduler.AddAll(jobs); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("scheduling jobs: %w", err)
	}

	// --- REST API ---
	gin.SetMode(gin.ReleaseMode)
	app.Router = api.NewRouter(api.Services{
		Registry:      app.Registry,
		Health:        app.Health,
		Dependencies:  app.Dependencies,
		Subscriptions: app.Subscriptions,
		Events:        app.Events,
		Dispatcher:    app.Dispatcher,
		Hub:           app.Hub,
		Metrics:       app.Metrics,
		Alerts:        app.AlertEngine,
		Cache:         app.Cache,
		Collectors:    app.Collectors,
	}, log)

	// --- Wire CLI package-level variables ---
	cli.BasePath = basePath
	cli.Registry = app.Registry
	cli.Health = app.Health
	cli.Dependencies = app.Dependencies
	cli.Subscriptions = app.Subscriptions
	cli.Dispatcher = app.Dispatcher
	cli.EventLog = app.Events
	cli.Metrics = app.Metrics
	cli.AlertEngine = app.AlertEngine
	cli.Notifier = app.Notifier
	cli.Server = app
	cli.LogLevel = &level
	if cfg.HTTP.Addr != "" {
		cli.ListenAddr = cfg.HTTP.Addr
	}

	return app, nil
}

// openStorage opens the configured registry store. The file store keeps
// events and snapshots in JSONL logs beside it; postgres keeps everything
// in its own tables.
func (a *App) openStorage(cfg *models.GlobalConfig) error {
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := storage.OpenPostgres(context.Background(), cfg.Storage.DSN)
		if err != nil {
			return err
		}
		if cfg.Storage.Migrate {
			if err := storage.Migrate(db.DB); err != nil {
				_ = db.Close()
				return err
			}
		}
		pg := storage.NewPostgresStore(db)
		a.Store, a.Events, a.Snapshots = pg, pg, pg
		return nil

	case "", "file":
		store, err := storage.NewFileStore(a.BasePath)
		if err != nil {
			return fmt.Errorf("opening file store: %w", err)
		}
		events, err := observability.NewJSONLEventLog(
			filepath.Join(a.BasePath, eventLogFile), filepath.Join(a.BasePath, deadLetterFile))
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("opening event log: %w", err)
		}
		snapshots, err := observability.NewJSONLSnapshotLog(filepath.Join(a.BasePath, snapshotLogFile))
		if err != nil {
			_ = events.Close()
			_ = store.Close()
			return fmt.Errorf("opening snapshot log: %w", err)
		}
		a.Store, a.Events, a.Snapshots = store, events, snapshots
		a.closeEvents = true
		return nil

	default:
		return fmt.Errorf("unknown storage driver %q (use file or postgres)", cfg.Storage.Driver)
	}
}

// Run serves the REST API, delivers events and runs the scheduled jobs
// until ctx is cancelled. Shutdown stops the scheduler, then the HTTP
// server, then drains the dispatcher.
func (a *App) Run(ctx context.Context, addr string) error {
	log := a.Logger

	// Workers must outlive ctx so Stop can drain the queue.
	if err := a.Dispatcher.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	if n, err := a.Dispatcher.Redrive(ctx); err != nil {
		log.Warn("initial redrive failed", zap.Error(err))
	} else if n > 0 {
		log.Info("redriving events left unprocessed", zap.Int("count", n))
	}

	srv := api.NewServer(addr, a.Router)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http on %s: %w", addr, err)
		}
		return nil
	})

	a.Scheduler.Start(gctx)

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		a.Scheduler.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Events.DrainTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
		}
		if err := a.Dispatcher.Stop(); err != nil {
			log.Warn("dispatcher did not drain", zap.Error(err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// Close releases transports, logs and stores. Call it after Run returns.
// Later calls return the first call's result.
func (a *App) Close() error {
	a.closeOnce.Do(func() { a.closeErr = a.close() })
	return a.closeErr
}

func (a *App) close() error {
	var errs []error
	if a.Dispatcher != nil {
		if err := a.Dispatcher.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Transports != nil {
		if err := a.Transports.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.closeEvents && a.Events != nil {
		if err := a.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing event log: %w", err))
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}

// ResolveBasePath determines the registry data directory. It checks the
// AREG_HOME env var, then walks up from the current directory looking for
// .aregconfig, and falls back to the current directory.
func ResolveBasePath() string {
	if home := os.Getenv("AREG_HOME"); home != "" {
		return home
	}
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".aregconfig")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	cwd, _ := os.Getwd()
	return cwd
}
