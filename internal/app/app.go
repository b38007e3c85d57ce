// Package app initializes and holds long-lived application services, acting
// as the composition root for the tracker binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/api"
	"github.com/JakeFAU/serp-rank-tracker/internal/clock/system"
	"github.com/JakeFAU/serp-rank-tracker/internal/config"
	"github.com/JakeFAU/serp-rank-tracker/internal/dispatcher"
	"github.com/JakeFAU/serp-rank-tracker/internal/metrics"
	"github.com/JakeFAU/serp-rank-tracker/internal/mirror"
	"github.com/JakeFAU/serp-rank-tracker/internal/policy/ratelimit"
	"github.com/JakeFAU/serp-rank-tracker/internal/pool"
	"github.com/JakeFAU/serp-rank-tracker/internal/provider/serpapi"
	"github.com/JakeFAU/serp-rank-tracker/internal/scheduler"
	"github.com/JakeFAU/serp-rank-tracker/internal/storage/memory"
	"github.com/JakeFAU/serp-rank-tracker/internal/storage/postgres"
	"github.com/JakeFAU/serp-rank-tracker/internal/storage/sqlite"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// App holds all the shared, long-lived services for the application. It is
// built once at startup and handed to the commands that need it.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	pool       *pool.Manager
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	mirror     *mirror.Mirror
	results    tracker.ResultStore
	server     *api.Server
	closeStore func() error
}

// Options replaces collaborators, mainly for tests.
type Options struct {
	HTTPClient *http.Client
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pool exposes the credential pool.
func (a *App) Pool() *pool.Manager {
	return a.pool
}

// Dispatcher exposes the bulk keyword dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatcher
}

// Results exposes the result store.
func (a *App) Results() tracker.ResultStore {
	return a.results
}

// Handler returns the HTTP handler for the API server.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

type stores struct {
	credentials tracker.CredentialStore
	results     tracker.ResultStore
	close       func() error
}

// openStores selects the persistence backend named by storage.driver.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Info("connecting to postgres", zap.String("credential_table", cfg.Storage.CredentialTable))
		st, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			CredentialTable: cfg.Storage.CredentialTable,
			ResultTable:     cfg.Storage.ResultTable,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
			AutoMigrate:     cfg.DB.AutoMigrate,
		})
		if err != nil {
			return stores{}, fmt.Errorf("open postgres: %w", err)
		}
		return stores{credentials: st, results: st, close: func() error { st.Close(); return nil }}, nil
	case config.DriverSQLite:
		logger.Info("opening sqlite database", zap.String("path", cfg.SQLite.Path))
		st, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return stores{}, fmt.Errorf("open sqlite: %w", err)
		}
		return stores{credentials: st, results: st, close: st.Close}, nil
	case config.DriverMemory, "":
		logger.Info("using in-memory storage; usage counters reset on restart")
		return stores{
			credentials: memory.NewCredentialStore(),
			results:     memory.NewResultStore(),
			close:       func() error { return nil },
		}, nil
	default:
		return stores{}, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

// New creates and initializes the App. It fails fast when storage cannot be
// opened or no credential is configured.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	logger.Info("initializing application services")

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	strategy, err := pool.ParseStrategy(cfg.Pool.Strategy)
	if err != nil {
		return nil, fmt.Errorf("pool.strategy: %w", err)
	}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	provider := serpapi.New(serpapi.Config{
		BaseURL:     cfg.Provider.BaseURL,
		Timeout:     cfg.Provider.Timeout,
		UserAgent:   cfg.Provider.UserAgent,
		ResultCount: cfg.Provider.ResultCount,
	}, opts.HTTPClient, logger.Named("serpapi"))
	throttle := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Provider.RequestsPerSecond,
		DefaultBurst: cfg.Provider.Burst,
	})
	mir := mirror.New(mirror.Config{
		BufferSize: cfg.Mirror.BufferSize,
		MaxBatch:   cfg.Mirror.MaxBatch,
		MaxWait:    cfg.Mirror.MaxWait,
		Logger:     logger.Named("mirror"),
	}, st.credentials)

	mgr, err := pool.New(pool.Config{
		Strategy:      strategy,
		MaxRetries:    cfg.Pool.MaxRetries,
		PauseDuration: cfg.Pool.PauseDuration,
		DailyLimit:    cfg.Pool.DailyLimit,
		MonthlyLimit:  cfg.Pool.MonthlyLimit,
		Location:      loc,
		DomainMatch:   tracker.DomainMatchPolicy(cfg.Provider.DomainMatch),
	}, pool.Deps{
		Provider:    provider,
		Credentials: st.credentials,
		Results:     st.results,
		Mirror:      mir,
		Throttle:    throttle,
		Logger:      logger.Named("pool"),
	})
	if err == nil {
		err = mgr.Initialize(ctx, cfg.Definitions())
	}
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx, mir, st.close))
	}

	dispatch := dispatcher.New(dispatcher.Config{
		BatchSize:      cfg.Bulk.BatchSize,
		MaxConcurrency: cfg.Bulk.MaxConcurrency,
		BatchDelay:     cfg.Bulk.BatchDelay,
		RetryEnabled:   cfg.Bulk.RetryEnabled,
		MaxRetryRounds: cfg.Bulk.MaxRetryRounds,
		RetryDelay:     cfg.Bulk.RetryDelay,
	}, mgr, logger.Named("dispatcher"))

	a := &App{
		cfg:        cfg,
		logger:     logger,
		pool:       mgr,
		dispatcher: dispatch,
		mirror:     mir,
		results:    st.results,
		server:     api.NewServer(mgr, dispatch, st.results, cfg, logger),
		closeStore: st.close,
	}

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Config{
			DailyReset: cfg.Scheduler.DailyReset,
			Purge:      cfg.Scheduler.Purge,
			Health:     cfg.Scheduler.Health,
			Retention:  cfg.Scheduler.Retention,
			Location:   loc,
		}, mgr, st.results, system.NewIn(loc), logger.Named("scheduler"))
		if err != nil {
			mgr.Close()
			return nil, errors.Join(err, shutdown(ctx, mir, st.close))
		}
		a.scheduler = sched
	}

	logger.Info("application services initialized", zap.Int("credentials", mgr.Size()))
	return a, nil
}

// StartBackground launches the maintenance scheduler, if enabled.
func (a *App) StartBackground() {
	if a.scheduler != nil {
		a.scheduler.Start()
	}
}

// Close stops background work, flushes pending credential writes and closes
// storage. It is safe to call once.
func (a *App) Close(ctx context.Context) error {
	a.logger.Info("shutting down application services")
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.pool.Close()
	if err := shutdown(ctx, a.mirror, a.closeStore); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func shutdown(ctx context.Context, mir *mirror.Mirror, closeStore func() error) error {
	var errs []error
	if err := mir.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush credential mirror: %w", err))
	}
	if err := closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("close storage: %w", err))
	}
	return errors.Join(errs...)
}
