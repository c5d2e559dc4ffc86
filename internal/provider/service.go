// Package provider holds the runtime state of each CAPTCHA provider: its
// configuration, cached account balance, and usage statistics.
package provider

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/solver"
)

const (
	// DefaultBalanceTTL is how long a fetched balance is served from cache.
	DefaultBalanceTTL = 20 * time.Second
	// balanceTimeout bounds one background balance request.
	balanceTimeout = 30 * time.Second
)

// Config is the persisted, user-editable part of a provider.
type Config struct {
	APIKey   string `json:"apiKey" yaml:"api_key" mapstructure:"api_key"`
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Priority int    `json:"priority" yaml:"priority" mapstructure:"priority"`
}

// BalanceObserver is notified after every background balance refresh.
type BalanceObserver func(providerID string, balance float64, err error)

// Options configure a Service.
type Options struct {
	BalanceTTL time.Duration
	Logger     *slog.Logger
	OnBalance  BalanceObserver
}

type balanceState struct {
	value   float64
	known   bool
	expires time.Time
}

// Service wraps a solver adapter with mutable operational state. Configuration
// fields are written rarely and read on every solve, so they are held in atomics.
type Service struct {
	adapter solver.Solver
	desc    solver.Descriptor

	apiKey     atomic.Pointer[string]
	enabled    atomic.Bool
	priority   atomic.Int64
	balance    atomic.Pointer[balanceState]
	refreshing atomic.Bool

	stats     *Statistics
	ttl       time.Duration
	logger    *slog.Logger
	onBalance BalanceObserver
	now       func() time.Time
}

// NewService creates the runtime for adapter. The provider starts disabled with no
// key and an unknown balance.
func NewService(adapter solver.Solver, opts Options) *Service {
	if opts.BalanceTTL <= 0 {
		opts.BalanceTTL = DefaultBalanceTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	desc := adapter.Descriptor()
	s := &Service{
		adapter:   adapter,
		desc:      desc,
		stats:     &Statistics{},
		ttl:       opts.BalanceTTL,
		logger:    opts.Logger.With("component", "provider", "provider", desc.ID),
		onBalance: opts.OnBalance,
		now:       time.Now,
	}
	empty := ""
	s.apiKey.Store(&empty)
	s.balance.Store(&balanceState{})
	return s
}

// ID returns the provider id.
func (s *Service) ID() string { return s.desc.ID }

// Descriptor returns the static provider description.
func (s *Service) Descriptor() solver.Descriptor { return s.desc }

// Statistics returns the live counters.
func (s *Service) Statistics() *Statistics { return s.stats }

// APIKey returns the current key.
func (s *Service) APIKey() string { return *s.apiKey.Load() }

// Enabled reports whether the provider is switched on.
func (s *Service) Enabled() bool { return s.enabled.Load() }

// Priority returns the configured priority; lower is tried first.
func (s *Service) Priority() int { return int(s.priority.Load()) }

// Supports reports whether the adapter handles t.
func (s *Service) Supports(t challenge.Type) bool { return s.desc.Supports(t) }

// IsConfigured is true when the provider is enabled and holds a key that passes the
// provider's format rule.
func (s *Service) IsConfigured() bool {
	key := s.APIKey()
	return s.Enabled() && key != "" && s.desc.ValidKey(key)
}

// Config returns the persisted triple.
func (s *Service) Config() Config {
	return Config{
		APIKey:   s.APIKey(),
		Enabled:  s.Enabled(),
		Priority: s.Priority(),
	}
}

// Apply replaces the persisted triple. A changed key drops the cached balance.
func (s *Service) Apply(cfg Config) {
	old := s.apiKey.Swap(&cfg.APIKey)
	s.enabled.Store(cfg.Enabled)
	s.priority.Store(int64(cfg.Priority))
	if *old != cfg.APIKey {
		s.balance.Store(&balanceState{})
		s.logger.Debug("api key changed", "key", solver.MaskKey(cfg.APIKey))
	}
}

// Request derives the per-provider request carrying this provider's key.
func (s *Service) Request(req solver.SolveRequest) solver.SolveRequest {
	return req.WithAPIKey(s.APIKey())
}

// Solve delegates to the adapter and records the outcome. Adapter errors are
// returned unchanged.
func (s *Service) Solve(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
	start := s.now()
	res, err := s.adapter.Solve(ctx, req)
	if err != nil {
		s.stats.RecordFailure()
		return nil, err
	}
	s.stats.RecordSuccess(s.now().Sub(start))
	return res, nil
}

// Balance returns the cached balance without triggering a refresh.
func (s *Service) Balance() (float64, bool) {
	b := s.balance.Load()
	return b.value, b.known
}

// IsRefreshing reports whether a background refresh is in flight.
func (s *Service) IsRefreshing() bool { return s.refreshing.Load() }

// RefreshBalance returns the cached balance. When a key is set and the cache has
// expired it starts one background refresh; it never waits for the result. A
// failed refresh is retried once the TTL has passed again.
func (s *Service) RefreshBalance() (float64, bool) {
	b := s.balance.Load()
	key := s.APIKey()
	if key == "" || s.now().Before(b.expires) {
		return b.value, b.known
	}
	s.startRefresh(key)
	return b.value, b.known
}

// ForceRefreshBalance expires the cache and starts a refresh. It does nothing when
// no key is set.
func (s *Service) ForceRefreshBalance() {
	key := s.APIKey()
	if key == "" {
		return
	}
	for {
		b := s.balance.Load()
		expired := &balanceState{value: b.value, known: b.known}
		if s.balance.CompareAndSwap(b, expired) {
			break
		}
	}
	s.startRefresh(key)
}

func (s *Service) startRefresh(key string) {
	if !s.refreshing.CompareAndSwap(false, true) {
		return
	}
	go s.refresh(key)
}

func (s *Service) refresh(key string) {
	defer s.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), balanceTimeout)
	defer cancel()

	value, err := s.fetch(ctx, key)
	if err != nil {
		s.logger.Warn("balance refresh failed",
			"key", solver.MaskKey(key),
			"error", err,
		)
		return
	}
	s.logger.Debug("balance refreshed", "balance", value)
}

// FetchBalance queries the provider synchronously and updates the cache.
func (s *Service) FetchBalance(ctx context.Context) (float64, error) {
	key := s.APIKey()
	if key == "" {
		return 0, &solver.SolverError{Kind: solver.KindConfig, Provider: s.desc.ID, Message: "no API key configured"}
	}
	return s.fetch(ctx, key)
}

func (s *Service) fetch(ctx context.Context, key string) (float64, error) {
	value, err := s.adapter.Balance(ctx, key)
	if s.onBalance != nil {
		s.onBalance(s.desc.ID, value, err)
	}
	expires := s.now().Add(s.ttl)
	if err != nil {
		// Keep the stale value and wait one TTL before the next attempt.
		s.storeBalance(key, func(prev *balanceState) *balanceState {
			return &balanceState{value: prev.value, known: prev.known, expires: expires}
		})
		return 0, err
	}
	s.storeBalance(key, func(*balanceState) *balanceState {
		return &balanceState{value: value, known: true, expires: expires}
	})
	return value, nil
}

// storeBalance replaces the cached state with next(current) while key is still
// the configured key. Apply stores a fresh state after swapping the key, so a
// failed swap here means the key is checked again.
func (s *Service) storeBalance(key string, next func(*balanceState) *balanceState) bool {
	for {
		b := s.balance.Load()
		if s.APIKey() != key {
			return false
		}
		if s.balance.CompareAndSwap(b, next(b)) {
			return true
		}
	}
}

// Snapshot is a read-only view of a provider for display and configuration.
type Snapshot struct {
	ID             string           `json:"id"`
	DisplayName    string           `json:"displayName"`
	Protocol       solver.Protocol  `json:"protocol"`
	MaskedKey      string           `json:"maskedKey"`
	Enabled        bool             `json:"enabled"`
	Priority       int              `json:"priority"`
	Configured     bool             `json:"configured"`
	Balance        float64          `json:"balance"`
	BalanceKnown   bool             `json:"balanceKnown"`
	Refreshing     bool             `json:"refreshing"`
	SupportedTypes []challenge.Type `json:"supportedTypes"`
	Stats          StatsSnapshot    `json:"stats"`
}

// Snapshot copies the current state.
func (s *Service) Snapshot() Snapshot {
	balance, known := s.Balance()
	return Snapshot{
		ID:             s.desc.ID,
		DisplayName:    s.desc.DisplayName,
		Protocol:       s.desc.Protocol,
		MaskedKey:      solver.MaskKey(s.APIKey()),
		Enabled:        s.Enabled(),
		Priority:       s.Priority(),
		Configured:     s.IsConfigured(),
		Balance:        balance,
		BalanceKnown:   known,
		Refreshing:     s.IsRefreshing(),
		SupportedTypes: append([]challenge.Type(nil), s.desc.SupportedTypes...),
		Stats:          s.stats.Snapshot(),
	}
}
