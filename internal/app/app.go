// Package app initializes and holds long-lived application services,
// acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/normafeed/fetchkit/internal/cache"
	"github.com/normafeed/fetchkit/internal/client"
	"github.com/normafeed/fetchkit/internal/config"
	"github.com/normafeed/fetchkit/internal/fetch"
	"github.com/normafeed/fetchkit/internal/headless"
	"github.com/normafeed/fetchkit/internal/hoststate"
	hoststatepg "github.com/normafeed/fetchkit/internal/hoststate/postgres"
	"github.com/normafeed/fetchkit/internal/httpfetch"
	"github.com/normafeed/fetchkit/internal/ratelimit"
	"github.com/normafeed/fetchkit/internal/retry"
	"github.com/normafeed/fetchkit/internal/runner"
	"github.com/normafeed/fetchkit/internal/telemetry"
	"github.com/normafeed/fetchkit/internal/warmup"
)

// App holds the shared, long-lived services for one invocation: the state
// store, page cache, composed fetch client, and the run loop driving them.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store  fetch.StateStore
	client *client.Client
	runner *runner.Runner

	metricsSrv *http.Server
	closers    []func()
}

// New wires all services from the loaded configuration. It fails fast
// when a critical backend (Postgres state, cache directory) cannot be
// initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	telemetry.Init()

	a := &App{cfg: cfg, logger: logger}

	matcher := fetch.NewCookieMatcher(cfg.AntiBot.ExtraCookiePatterns...)
	clock := fetch.SystemClock{}

	store, err := buildStateStore(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}
	a.store = store

	pageCache, err := cache.New(cfg.Cache.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("init page cache: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultInterval: cfg.HTTP.DefaultInterval,
		PerHost:         cfg.HostIntervals(),
	})

	attempts := httpfetch.New(httpfetch.Config{UserAgent: cfg.HTTP.UserAgent})
	warmer := warmup.New(attempts, matcher, clock, logger)
	engine := retry.New(matcher, warmer, clock, logger)
	renderer := headless.New(headless.Config{
		BinaryPath:        cfg.Headless.Binary,
		UserAgent:         cfg.HTTP.UserAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
		WaitAfterLoad:     cfg.Headless.WaitAfterLoad,
	}, logger)

	a.client = client.New(store, pageCache, limiter, attempts, engine, warmer, renderer, matcher, clock, logger)
	a.runner = runner.New(a.client, store, cfg.Run.Parallelism, clock, logger)

	if cfg.Run.MetricsAddr != "" {
		a.startMetricsServer(cfg.Run.MetricsAddr)
	}

	logger.Info("application services initialized",
		zap.Int("sources", len(cfg.Sources)),
		zap.Bool("postgres_state", cfg.State.PostgresDSN != ""),
	)
	return a, nil
}

func buildStateStore(ctx context.Context, cfg config.Config, logger *zap.Logger, a *App) (fetch.StateStore, error) {
	if cfg.State.PostgresDSN != "" {
		store, err := hoststatepg.NewStore(ctx, hoststatepg.StoreConfig{
			DSN:   cfg.State.PostgresDSN,
			Table: cfg.State.Table,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres state store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	}
	store, err := hoststate.New(cfg.State.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}
	return store, nil
}

func (a *App) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	a.metricsSrv = srv
	go func() {
		a.logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Client exposes the composed fetch client.
func (a *App) Client() *client.Client { return a.client }

// Runner exposes the run loop.
func (a *App) Runner() *runner.Runner { return a.runner }

// Sources resolves the configured sources into runnable units.
func (a *App) Sources() []runner.Source {
	sources := make([]runner.Source, 0, len(a.cfg.Sources))
	for _, src := range a.cfg.Sources {
		name := src.Name
		if name == "" {
			name = src.Host()
		}
		sources = append(sources, runner.Source{
			Name:     name,
			URL:      src.URL,
			Strategy: src.ToStrategy(a.cfg.HTTP.UserAgent),
		})
	}
	return sources
}

// RunTimeout returns the configured whole-run deadline, zero meaning none.
func (a *App) RunTimeout() time.Duration { return a.cfg.Run.Timeout }

// Close flushes host state and shuts down background services.
func (a *App) Close() {
	if a.store != nil {
		if err := a.store.Flush(); err != nil {
			a.logger.Warn("state flush on shutdown failed", zap.Error(err))
		}
	}
	for _, closeFn := range a.closers {
		closeFn()
	}
	if a.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.metricsSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
