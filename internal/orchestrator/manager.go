// Package orchestrator composes provider selection, provider runtimes, and the
// worker layer into the broker's public solve operation.
package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/multierr"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/logging"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// DefaultMaxRetries is the per-provider retry count for transient failures.
const DefaultMaxRetries = 1

// ConfigStore persists provider configuration keyed by provider id.
type ConfigStore interface {
	Load(ctx context.Context) (map[string]provider.Config, error)
	Save(ctx context.Context, configs map[string]provider.Config) error
}

// Observer receives solve outcomes, typically for metrics.
type Observer interface {
	ObserveAttempt(providerID string, t challenge.Type, err error, d time.Duration)
	ObserveSolve(t challenge.Type, err error, d time.Duration)
}

// Options configure a Manager.
type Options struct {
	Services   []*provider.Service
	Selector   *selection.Selector
	Executor   *worker.RetryExecutor
	Store      ConfigStore
	Observer   Observer
	MaxRetries int
	Logger     *slog.Logger
}

// Manager owns the provider roster and runs solves against it.
type Manager struct {
	services   []*provider.Service
	byID       map[string]*provider.Service
	selector   *selection.Selector
	executor   *worker.RetryExecutor
	store      ConfigStore
	observer   Observer
	maxRetries int
	history    *history
	logger     *slog.Logger
}

// New creates a Manager. The roster is fixed for the Manager's lifetime; services
// are reconfigured, never added or removed.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Selector == nil {
		opts.Selector = selection.New(selection.Options{Logger: opts.Logger})
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	byID := make(map[string]*provider.Service, len(opts.Services))
	for _, s := range opts.Services {
		byID[s.ID()] = s
	}
	return &Manager{
		services:   slices.Clone(opts.Services),
		byID:       byID,
		selector:   opts.Selector,
		executor:   opts.Executor,
		store:      opts.Store,
		observer:   opts.Observer,
		maxRetries: opts.MaxRetries,
		history:    newHistory(),
		logger:     opts.Logger.With("component", "orchestrator"),
	}
}

// Selector returns the selector, which owns the circuit breakers.
func (m *Manager) Selector() *selection.Selector { return m.selector }

// Solve tries eligible providers one at a time, best first, and returns the first
// token obtained.
func (m *Manager) Solve(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
	return m.run(ctx, req, m.services)
}

// SolveWith runs req against one provider only, without fallback. The provider
// must still pass selection.
func (m *Manager) SolveWith(ctx context.Context, providerID string, req solver.SolveRequest) (*solver.SolveResult, error) {
	svc, err := m.Service(providerID)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, req, []*provider.Service{svc})
}

// SolvePage classifies a fetched page and solves the first widget of a known type
// that carries a site key. Detection params become the request's extra fields and
// the detection's page URL wins over pageURL when set.
func (m *Manager) SolvePage(ctx context.Context, c challenge.Classifier, pageURL string, body []byte) (*solver.SolveResult, challenge.Detection, error) {
	for _, d := range c.Classify(pageURL, body) {
		if !d.Type.Known() || d.SiteKey == "" {
			continue
		}
		if d.PageURL == "" {
			d.PageURL = pageURL
		}
		res, err := m.Solve(ctx, solver.SolveRequest{
			Type:    d.Type,
			SiteKey: d.SiteKey,
			PageURL: d.PageURL,
			Extra:   maps.Clone(d.Params),
		})
		return res, d, err
	}
	return nil, challenge.Detection{}, ErrNoChallenge
}

func (m *Manager) run(ctx context.Context, req solver.SolveRequest, roster []*provider.Service) (*solver.SolveResult, error) {
	start := time.Now()
	rec := SolveRecord{ID: ulid.Make().String(), Type: req.Type, At: start}
	ctx = logging.WithSolveID(ctx, rec.ID)

	res, err := m.solve(ctx, req, roster, &rec)

	rec.Duration = time.Since(start)
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Success = true
		rec.Provider = res.Provider
	}
	m.history.add(rec)
	if m.observer != nil {
		m.observer.ObserveSolve(req.Type, err, rec.Duration)
	}
	return res, err
}

func (m *Manager) solve(ctx context.Context, req solver.SolveRequest, roster []*provider.Service, rec *SolveRecord) (*solver.SolveResult, error) {
	logger := logging.FromContext(ctx, m.logger)
	candidates := m.selector.SelectOrdered(req.Type, roster)
	if len(candidates) == 0 {
		logger.WarnContext(ctx, "no eligible provider", "type", req.Type)
		return nil, &NoProviderError{Type: req.Type}
	}

	var causes, last error
	for _, svc := range candidates {
		breaker := m.selector.CircuitBreaker(svc.ID())
		if breaker.IsOpen() {
			if !breaker.TryProbe() {
				continue
			}
			logger.InfoContext(ctx, "probing provider with open circuit", "provider", svc.ID())
		}

		rec.Attempted = append(rec.Attempted, svc.ID())
		attemptStart := time.Now()
		res, err := m.attempt(ctx, svc, req)
		if m.observer != nil && !worker.IsAdmissionError(err) {
			m.observer.ObserveAttempt(svc.ID(), req.Type, err, time.Since(attemptStart))
		}

		if err == nil {
			breaker.RecordSuccess()
			logger.InfoContext(ctx, "captcha solved",
				"provider", svc.ID(),
				"type", req.Type,
				"task_id", res.TaskID,
				"duration", res.Duration,
			)
			return res, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("solve %s interrupted: %w", req.Type, ctx.Err())
		}
		if worker.IsAdmissionError(err) {
			return nil, err
		}

		breaker.RecordFailure()
		last = err
		causes = multierr.Append(causes, fmt.Errorf("%s: %w", svc.ID(), err))
		logger.WarnContext(ctx, "provider attempt failed",
			"provider", svc.ID(),
			"type", req.Type,
			"kind", solver.KindOf(err),
			"consecutive_failures", breaker.ConsecutiveFailures(),
			"error", err,
		)
	}

	if len(rec.Attempted) == 0 {
		return nil, &NoProviderError{Type: req.Type}
	}
	return nil, &ExhaustedError{Type: req.Type, Attempted: slices.Clone(rec.Attempted), Last: last, Causes: causes}
}

func (m *Manager) attempt(ctx context.Context, svc *provider.Service, req solver.SolveRequest) (*solver.SolveResult, error) {
	preq := svc.Request(req)
	solve := func(ctx context.Context) (any, error) {
		return svc.Solve(ctx, preq)
	}

	if m.executor == nil {
		return svc.Solve(ctx, preq)
	}
	v, err := m.executor.Execute(ctx, req.Extra, m.maxRetries, solve)
	if err != nil {
		return nil, err
	}
	res, ok := v.(*solver.SolveResult)
	if !ok || res == nil {
		return nil, fmt.Errorf("%s: empty solve result", svc.ID())
	}
	return res, nil
}

// RefreshAllBalances starts a background balance refresh for every configured
// provider and returns how many were triggered.
func (m *Manager) RefreshAllBalances() int {
	n := 0
	for _, s := range m.services {
		if !s.IsConfigured() {
			continue
		}
		s.ForceRefreshBalance()
		n++
	}
	return n
}

// RunBalanceRefresher calls RefreshAllBalances every interval until ctx is done.
func (m *Manager) RunBalanceRefresher(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := m.RefreshAllBalances()
			m.logger.Debug("periodic balance refresh", "providers", n)
		}
	}
}

// Services returns the roster sorted by priority, then id.
func (m *Manager) Services() []*provider.Service {
	out := slices.Clone(m.services)
	slices.SortStableFunc(out, func(a, b *provider.Service) int {
		if c := cmp.Compare(a.Priority(), b.Priority()); c != 0 {
			return c
		}
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// Snapshots returns Snapshot() of every service in Services order.
func (m *Manager) Snapshots() []provider.Snapshot {
	services := m.Services()
	out := make([]provider.Snapshot, 0, len(services))
	for _, s := range services {
		out = append(out, s.Snapshot())
	}
	return out
}

// Service looks up a provider by id.
func (m *Manager) Service(id string) (*provider.Service, error) {
	s, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return s, nil
}

// UpdateConfig applies cfg to provider id.
func (m *Manager) UpdateConfig(id string, cfg provider.Config) error {
	s, err := m.Service(id)
	if err != nil {
		return err
	}
	s.Apply(cfg)
	m.logger.Info("provider configuration updated",
		"provider", id,
		"enabled", cfg.Enabled,
		"priority", cfg.Priority,
		"key", solver.MaskKey(cfg.APIKey),
	)
	return nil
}

// ResetStatistics clears the statistics of provider id, or of every provider and
// the solve history when id is empty.
func (m *Manager) ResetStatistics(id string) error {
	if id == "" {
		for _, s := range m.services {
			s.Statistics().Reset()
		}
		m.history.reset()
		return nil
	}
	s, err := m.Service(id)
	if err != nil {
		return err
	}
	s.Statistics().Reset()
	return nil
}

// ResetBreaker closes the circuit breaker of provider id.
func (m *Manager) ResetBreaker(id string) error {
	if _, err := m.Service(id); err != nil {
		return err
	}
	m.selector.CircuitBreaker(id).Reset()
	return nil
}

// Configs returns the persisted triple of every provider.
func (m *Manager) Configs() map[string]provider.Config {
	out := make(map[string]provider.Config, len(m.services))
	for _, s := range m.services {
		out[s.ID()] = s.Config()
	}
	return out
}

// SaveConfigs writes every provider's configuration to the store.
func (m *Manager) SaveConfigs(ctx context.Context) error {
	if m.store == nil {
		return ErrNoStore
	}
	if err := m.store.Save(ctx, m.Configs()); err != nil {
		return fmt.Errorf("save provider configs: %w", err)
	}
	m.logger.Info("provider configurations saved", "count", len(m.services))
	return nil
}

// LoadConfigs applies stored configuration to the roster and returns how many
// providers were updated. Unknown ids in the store are ignored.
func (m *Manager) LoadConfigs(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, ErrNoStore
	}
	configs, err := m.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load provider configs: %w", err)
	}
	n := 0
	for id, cfg := range configs {
		s, ok := m.byID[id]
		if !ok {
			m.logger.Warn("ignoring stored config for unknown provider", "provider", id)
			continue
		}
		s.Apply(cfg)
		n++
	}
	m.logger.Info("provider configurations loaded", "count", n)
	return n, nil
}

// RecentSolves returns up to the last 100 solve records, newest first.
func (m *Manager) RecentSolves() []SolveRecord { return m.history.recent() }

// Stats returns the aggregate solve counters.
func (m *Manager) Stats() Stats { return m.history.snapshot() }
