package selection

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/provider"
)

// Options configure a Selector.
type Options struct {
	// FailureThreshold opens a breaker; zero means DefaultFailureThreshold.
	FailureThreshold int
	// ProbeInterval enables half-open trials when positive.
	ProbeInterval time.Duration
	Logger        *slog.Logger
}

// Selector filters and orders the provider roster. It owns one breaker per
// provider id.
type Selector struct {
	threshold     int
	probeInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// New creates a Selector.
func New(opts Options) *Selector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Selector{
		threshold:     opts.FailureThreshold,
		probeInterval: opts.ProbeInterval,
		logger:        opts.Logger.With("component", "selector"),
		now:           time.Now,
		breakers:      make(map[string]*CircuitBreaker),
	}
}

// CircuitBreaker returns the breaker for id, creating it on first use. The same
// pointer is returned for every call with the same id.
func (s *Selector) CircuitBreaker(id string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[id]
	if !ok {
		b = newCircuitBreaker(id, s.threshold, s.probeInterval, s.now)
		s.breakers[id] = b
	}
	return b
}

// Breakers returns the state of every breaker created so far, sorted by id.
func (s *Selector) Breakers() []BreakerStats {
	s.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]BreakerStats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	slices.SortFunc(out, func(a, b BreakerStats) int { return strings.Compare(a.ID, b.ID) })
	return out
}

type filter struct {
	name string
	keep func(*provider.Service) bool
}

func (s *Selector) filters(t challenge.Type) []filter {
	return []filter{
		{"disabled", func(p *provider.Service) bool { return p.Enabled() }},
		{"not configured", func(p *provider.Service) bool { return p.IsConfigured() }},
		{"type unsupported", func(p *provider.Service) bool { return p.Supports(t) }},
		{"no balance", func(p *provider.Service) bool {
			// Serves the cache and refreshes it in the background once expired, so
			// a provider topped up after a zero or failed fetch comes back.
			balance, known := p.RefreshBalance()
			return known && balance > 0
		}},
		{"circuit open", func(p *provider.Service) bool {
			b := s.CircuitBreaker(p.ID())
			return !b.IsOpen() || b.ProbeDue()
		}},
	}
}

// SelectOrdered returns the providers eligible for t, best first. It is computed
// fresh on every call.
func (s *Selector) SelectOrdered(t challenge.Type, roster []*provider.Service) []*provider.Service {
	filters := s.filters(t)
	eligible := make([]*provider.Service, 0, len(roster))

candidates:
	for _, p := range roster {
		for _, f := range filters {
			if !f.keep(p) {
				s.logger.Debug("provider rejected", "provider", p.ID(), "type", t, "reason", f.name)
				continue candidates
			}
		}
		eligible = append(eligible, p)
	}

	slices.SortStableFunc(eligible, compareProviders)
	return eligible
}

// compareProviders orders by priority, then success rate (neutral without history),
// then average solve time where both have history, then id.
func compareProviders(a, b *provider.Service) int {
	if c := cmp.Compare(a.Priority(), b.Priority()); c != 0 {
		return c
	}
	sa, sb := a.Statistics(), b.Statistics()
	if c := cmp.Compare(sb.Score(), sa.Score()); c != 0 {
		return c
	}
	if sa.Successful() > 0 && sb.Successful() > 0 {
		if c := cmp.Compare(sa.AverageSolveTime(), sb.AverageSolveTime()); c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID(), b.ID())
}
