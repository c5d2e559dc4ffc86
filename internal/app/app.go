// Package app wires configuration into a running broker: transport, provider
// roster, selector, worker pool, store and metrics.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"

	"github.com/jmylchreest/captcha-broker/internal/config"
	"github.com/jmylchreest/captcha-broker/internal/metrics"
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/store"
	"github.com/jmylchreest/captcha-broker/internal/version"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// App holds the assembled broker.
type App struct {
	Config   *config.Config
	Manager  *orchestrator.Manager
	Selector *selection.Selector
	Pool     *worker.Pool
	Load     *worker.LoadDetector
	Metrics  *metrics.Metrics
	// Store is nil when no database path is configured.
	Store  *store.SQLiteStore
	Logger *slog.Logger
}

// NewTransport returns the outbound client selected by cfg.
func NewTransport(cfg config.TransportConfig, logger *slog.Logger) (solver.Transport, error) {
	if cfg.Stealth {
		return solver.NewStealthTransport(cfg.ProxyURL, logger)
	}
	if cfg.ProxyURL != "" {
		logger.Warn("transport.proxy_url is only honoured by the stealth transport")
	}
	return solver.NewHTTPTransport(cfg.Timeout, version.UserAgent()), nil
}

// NewRoster builds one service per built-in provider, seeded from cfg.
func NewRoster(cfg *config.Config, transport solver.Transport, onBalance provider.BalanceObserver, logger *slog.Logger) []*provider.Service {
	poll := solver.PollConfig{Interval: cfg.Poll.Interval, MaxPolls: cfg.Poll.MaxPolls}

	defs := solver.Builtin()
	services := make([]*provider.Service, 0, len(defs))
	for _, def := range defs {
		seed := cfg.Providers[def.ID]
		adapter := def.New(solver.Options{
			Transport: transport,
			BaseURL:   seed.BaseURL,
			Poll:      poll,
			Logger:    logger,
		})
		svc := provider.NewService(adapter, provider.Options{
			BalanceTTL: cfg.Balance.TTL,
			Logger:     logger,
			OnBalance:  onBalance,
		})
		svc.Apply(seed.Config())
		services = append(services, svc)
	}
	return services
}

// New assembles the broker. Persisted provider configuration, when present,
// overrides the seeds from cfg. Call Start before solving and Close when done.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	transport, err := NewTransport(cfg.Transport, logger)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	services := NewRoster(cfg, transport, m.ObserveBalance, logger)

	selector := selection.New(selection.Options{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ProbeInterval:    cfg.Breaker.ProbeInterval,
		Logger:           logger,
	})

	load := worker.NewLoadDetector(worker.LoadDetectorConfig{
		Threshold: cfg.Pool.HighLoadThreshold,
		Window:    cfg.Pool.LoadWindow,
		Logger:    logger,
	})
	pool := worker.NewPool(worker.PoolConfig{
		Size:      cfg.Pool.Size,
		QueueSize: cfg.Pool.QueueSize,
		Logger:    logger,
	}, load)

	strategy, err := worker.ParseStrategy(cfg.Pool.Strategy)
	if err != nil {
		return nil, err
	}
	executor := worker.NewRetryExecutor(pool, worker.RetryConfig{
		MinTimeout:     cfg.Retry.MinTimeout,
		MaxTimeout:     cfg.Retry.MaxTimeout,
		DefaultTimeout: cfg.Retry.DefaultTimeout,
		Delay:          cfg.Retry.Delay,
		Strategy:       strategy,
		Retryable:      solver.Retryable,
		Logger:         logger,
	})

	a := &App{
		Config:   cfg,
		Selector: selector,
		Pool:     pool,
		Load:     load,
		Metrics:  m,
		Logger:   logger,
	}

	var cs orchestrator.ConfigStore
	if cfg.DatabasePath != "" {
		st, err := store.NewSQLiteStore(cfg.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("open config store: %w", err)
		}
		a.Store = st
		cs = st
	}

	a.Manager = orchestrator.New(orchestrator.Options{
		Services:   services,
		Selector:   selector,
		Executor:   executor,
		Store:      cs,
		Observer:   m,
		MaxRetries: cfg.Retry.MaxRetries,
		Logger:     logger,
	})

	if a.Store != nil {
		if _, err := a.Manager.LoadConfigs(ctx); err != nil {
			logger.Warn("failed to load stored provider configs", "error", err)
		}
	}

	m.RegisterPool(pool)
	m.RegisterBreakers(selector)

	return a, nil
}

// Start launches the load detector and the worker pool.
func (a *App) Start() {
	a.Load.Start()
	a.Pool.Start()
}

// Close stops the pool and closes the store.
func (a *App) Close() error {
	a.Pool.Stop()
	a.Load.Stop()
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Reconfigure applies a reloaded configuration: provider seeds, then stored
// configuration on top. Pool sizing and transport changes need a restart.
func (a *App) Reconfigure(ctx context.Context, cfg *config.Config) error {
	var errs error
	for id, seed := range cfg.Providers {
		errs = multierr.Append(errs, a.Manager.UpdateConfig(id, seed.Config()))
	}
	if a.Store != nil {
		_, err := a.Manager.LoadConfigs(ctx)
		errs = multierr.Append(errs, err)
	}
	a.Config = cfg
	return errs
}

// Busy reports whether the pool has queued or running tasks.
func (a *App) Busy() bool {
	s := a.Pool.Stats()
	return s.Active > 0 || s.Queued > 0
}
