// Package app wires the engine together: configuration, storage, schema,
// component registry, cache, hooks, and the scheduler, advanced through the
// boot lifecycle in order. Embedders construct an App, register components
// and systems through the callbacks, and call Run.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bunsane/bunsane/internal/cache"
	"github.com/bunsane/bunsane/internal/config"
	"github.com/bunsane/bunsane/internal/debug"
	"github.com/bunsane/bunsane/internal/ecs"
	"github.com/bunsane/bunsane/internal/hooks"
	"github.com/bunsane/bunsane/internal/lifecycle"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/scheduler"
	"github.com/bunsane/bunsane/internal/storage"
	"github.com/bunsane/bunsane/internal/storage/postgres"
	"github.com/bunsane/bunsane/internal/telemetry"
)

// Version is reported to telemetry and the CLI.
const Version = "0.1.0"

const healthInterval = 30 * time.Second

// Options configures an App before boot.
type Options struct {
	// ConfigPath points at an explicit bunsane.yaml. Empty means defaults,
	// the working directory, and the environment.
	ConfigPath string

	// Driver, when set, is used instead of opening a pool from
	// DATABASE_URL. Used by tests and by embedders with an existing pool.
	Driver storage.Driver

	// RegisterComponents runs during boot, before the registry freezes.
	// Every component type the application uses must be registered here.
	RegisterComponents func(*registry.Registry) error

	// RegisterSystems runs in the SYSTEM_REGISTERING phase with the store,
	// dispatcher, and scheduler available. Hook and task registration
	// belongs here.
	RegisterSystems func(*App) error
}

// App is the booted engine. Fields are populated by Boot in lifecycle
// order and are nil before their phase is reached.
type App struct {
	Config    *config.Config
	Lifecycle *lifecycle.Coordinator
	Registry  *registry.Registry
	DB        storage.Driver
	Schema    *postgres.Schema
	Cache     *cache.Manager
	Store     *ecs.Store
	Hooks     *hooks.Dispatcher
	Scheduler *scheduler.Scheduler

	opts   Options
	booted bool
}

// New returns an unbooted App in the DB_INIT phase.
func New(opts Options) *App {
	return &App{
		Lifecycle: lifecycle.New(),
		Registry:  registry.New(),
		opts:      opts,
	}
}

// Boot brings the engine to APP_READY: load config, connect storage,
// bootstrap the schema, register and freeze components, build the cache and
// store, run system registration, and start the scheduler. Boot is not
// idempotent; calling it twice is an error.
func (a *App) Boot(ctx context.Context) error {
	if a.booted {
		return errors.New("app: already booted")
	}
	a.booted = true

	cfg, err := config.Load(a.opts.ConfigPath)
	if err != nil {
		return err
	}
	a.Config = cfg

	if err := telemetry.Init(ctx, "bunsane", Version); err != nil {
		return err
	}

	db := a.opts.Driver
	if db == nil {
		db, err = postgres.Open(ctx, cfg.DatabaseURL, cfg.DatabasePoolSize)
		if err != nil {
			return err
		}
	}
	a.DB = telemetry.WrapDriver(db)
	a.Lifecycle.Advance(lifecycle.DBReady)

	a.Schema = postgres.NewSchema(a.DB, cfg)
	if err := a.Schema.Bootstrap(ctx); err != nil {
		return err
	}
	if a.opts.RegisterComponents != nil {
		if err := a.opts.RegisterComponents(a.Registry); err != nil {
			return fmt.Errorf("app: registering components: %w", err)
		}
	}
	for _, name := range a.Registry.Names() {
		if err := a.Schema.EnsurePartition(ctx, name); err != nil {
			return err
		}
	}
	a.Registry.Freeze()
	a.Lifecycle.Advance(lifecycle.ComponentsReady)

	a.Cache, err = cache.NewManager(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	a.Store = ecs.NewStore(a.DB, a.Registry, a.Schema, a.Cache, nil, cfg.UseLateralJoins)
	a.Lifecycle.Advance(lifecycle.SystemRegistering)

	a.Hooks = hooks.NewDispatcher()
	a.Scheduler = scheduler.New(a.Store, cfg.Scheduler)
	if a.opts.RegisterSystems != nil {
		if err := a.opts.RegisterSystems(a); err != nil {
			return fmt.Errorf("app: registering systems: %w", err)
		}
	}
	a.Store.SetSink(a.Hooks)
	if err := telemetry.RegisterEngineObservers(a.Cache, a.Hooks, a.Scheduler); err != nil {
		return err
	}
	a.Lifecycle.Advance(lifecycle.SystemReady)

	a.Scheduler.Start(ctx)
	a.Lifecycle.Advance(lifecycle.AppReady)
	return nil
}

// Run boots the engine and blocks until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down. The returned error is the boot failure, the
// first health-loop failure, or the shutdown error.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Boot(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.healthLoop(gctx)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		if runErr == nil {
			runErr = err
		}
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// healthLoop pings storage periodically until ctx is done. Ping failures are
// logged, not fatal; the pool reconnects on its own.
func (a *App) healthLoop(ctx context.Context) error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.DB.PingContext(ctx); err != nil && ctx.Err() == nil {
				debug.Logf("app: storage ping failed: %v", err)
			}
		}
	}
}

// Shutdown stops the scheduler, closes the cache and storage, and flushes
// telemetry. Safe to call on a partially booted App.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := telemetry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
