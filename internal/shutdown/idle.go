// Package shutdown stops an idle broker so scale-to-zero platforms can reclaim it.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// ErrIdle is returned by Run when the idle timeout elapses.
var ErrIdle = errors.New("idle timeout reached")

// DefaultCheckInterval is how often Run looks at activity.
const DefaultCheckInterval = 10 * time.Second

// IdleMonitor tracks HTTP traffic and background work and reports when the
// broker has been idle for longer than its timeout.
type IdleMonitor struct {
	timeout  time.Duration
	interval time.Duration
	busy     func() bool
	passive  func(*http.Request) bool
	now      func() time.Time
	logger   *slog.Logger

	lastActive atomic.Int64 // unix nanos
	inFlight   atomic.Int64
}

// IdleConfig configures an IdleMonitor.
type IdleConfig struct {
	// Timeout of zero or less disables the monitor.
	Timeout time.Duration
	// CheckInterval defaults to DefaultCheckInterval, capped at Timeout.
	CheckInterval time.Duration
	// Busy reports work outside HTTP requests, such as queued solves.
	Busy func() bool
	// IsPassive identifies requests that do not count as activity.
	// Defaults to IsProbe.
	IsPassive func(*http.Request) bool
	Logger    *slog.Logger
}

// NewIdleMonitor creates a monitor; the idle clock starts now.
func NewIdleMonitor(cfg IdleConfig) *IdleMonitor {
	if cfg.IsPassive == nil {
		cfg.IsPassive = IsProbe
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Timeout > 0 && cfg.CheckInterval > cfg.Timeout {
		cfg.CheckInterval = cfg.Timeout
	}
	m := &IdleMonitor{
		timeout:  cfg.Timeout,
		interval: cfg.CheckInterval,
		busy:     cfg.Busy,
		passive:  cfg.IsPassive,
		now:      time.Now,
		logger:   cfg.Logger.With("component", "idle"),
	}
	m.touch()
	return m
}

// Enabled reports whether a positive timeout was configured.
func (m *IdleMonitor) Enabled() bool { return m.timeout > 0 }

func (m *IdleMonitor) touch() { m.lastActive.Store(m.now().UnixNano()) }

// IdleFor returns the time since the last activity.
func (m *IdleMonitor) IdleFor() time.Duration {
	return m.now().Sub(time.Unix(0, m.lastActive.Load()))
}

// InFlight returns the number of active non-passive requests.
func (m *IdleMonitor) InFlight() int64 { return m.inFlight.Load() }

// Middleware counts non-passive requests as activity.
func (m *IdleMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.passive(r) {
			next.ServeHTTP(w, r)
			return
		}
		m.inFlight.Add(1)
		m.touch()
		defer func() {
			m.inFlight.Add(-1)
			m.touch()
		}()
		next.ServeHTTP(w, r)
	})
}

// idle checks the clock once, refreshing it while work is pending.
func (m *IdleMonitor) idle() bool {
	if m.inFlight.Load() > 0 || (m.busy != nil && m.busy()) {
		m.touch()
		return false
	}
	return m.IdleFor() >= m.timeout
}

// Run blocks until ctx is done, returning nil, or the broker has been idle
// for the timeout, returning ErrIdle. A disabled monitor waits for ctx.
func (m *IdleMonitor) Run(ctx context.Context) error {
	if !m.Enabled() {
		<-ctx.Done()
		return nil
	}
	m.logger.Info("idle shutdown armed", "timeout", m.timeout)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.idle() {
				m.logger.Info("idle timeout reached", "idle_for", m.IdleFor().Round(time.Second))
				return ErrIdle
			}
		}
	}
}

// IsProbe matches health checks and metric scrapes.
func IsProbe(r *http.Request) bool {
	if strings.Contains(r.Header.Get("User-Agent"), "HealthCheck") {
		return true
	}
	switch r.URL.Path {
	case "/health", "/healthz", "/livez", "/readyz", "/metrics":
		return true
	}
	return false
}
