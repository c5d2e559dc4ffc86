package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type clock struct{ t atomic.Int64 }

func (c *clock) now() time.Time { return time.Unix(0, c.t.Load()) }
func (c *clock) advance(d time.Duration) { c.t.Add(int64(d)) }

func newTestMonitor(timeout time.Duration, busy func() bool) (*IdleMonitor, *clock) {
	c := &clock{}
	c.t.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	m := NewIdleMonitor(IdleConfig{Timeout: timeout, Busy: busy, Logger: testLogger()})
	m.now = c.now
	m.touch()
	return m, c
}

func TestIdleMonitor_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		want    bool
	}{
		{"positive", time.Minute, true},
		{"zero", 0, false},
		{"negative", -time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewIdleMonitor(IdleConfig{Timeout: tt.timeout, Logger: testLogger()})
			if got := m.Enabled(); got != tt.want {
				t.Errorf("Enabled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIdleMonitor_CheckIntervalCapped(t *testing.T) {
	m := NewIdleMonitor(IdleConfig{Timeout: time.Second, Logger: testLogger()})
	if m.interval != time.Second {
		t.Errorf("interval = %v, want 1s", m.interval)
	}
}

func TestIdleMonitor_Middleware(t *testing.T) {
	m, c := newTestMonitor(time.Minute, nil)
	c.advance(time.Hour)

	release := make(chan struct{})
	entered := make(chan struct{})
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/solve" {
			close(entered)
			<-release
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	if m.InFlight() != 0 || m.IdleFor() < time.Hour {
		t.Fatalf("probe counted as activity: in_flight=%d idle_for=%v", m.InFlight(), m.IdleFor())
	}

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/solve", nil))
		close(done)
	}()
	<-entered
	if m.InFlight() != 1 {
		t.Errorf("InFlight() = %d, want 1", m.InFlight())
	}
	if m.idle() {
		t.Error("idle while a request is in flight")
	}
	close(release)
	<-done

	if m.InFlight() != 0 {
		t.Errorf("InFlight() = %d after completion", m.InFlight())
	}
	if m.IdleFor() != 0 {
		t.Errorf("IdleFor() = %v, want 0 right after a request", m.IdleFor())
	}
}

func TestIdleMonitor_BusyKeepsAlive(t *testing.T) {
	var busy atomic.Bool
	busy.Store(true)
	m, c := newTestMonitor(time.Minute, busy.Load)

	c.advance(2 * time.Minute)
	if m.idle() {
		t.Fatal("idle while busy")
	}

	busy.Store(false)
	c.advance(30 * time.Second)
	if m.idle() {
		t.Fatal("idle before the timeout elapsed since last work")
	}
	c.advance(30 * time.Second)
	if !m.idle() {
		t.Fatal("not idle after the timeout")
	}
}

func TestIdleMonitor_Run(t *testing.T) {
	t.Run("returns ErrIdle", func(t *testing.T) {
		m := NewIdleMonitor(IdleConfig{Timeout: 20 * time.Millisecond, Logger: testLogger()})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Run(ctx); !errors.Is(err, ErrIdle) {
			t.Errorf("Run() = %v, want ErrIdle", err)
		}
	})

	t.Run("disabled waits for context", func(t *testing.T) {
		m := NewIdleMonitor(IdleConfig{Logger: testLogger()})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := m.Run(ctx); err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	})

	t.Run("cancel stops an armed monitor", func(t *testing.T) {
		m := NewIdleMonitor(IdleConfig{Timeout: time.Hour, Logger: testLogger()})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := m.Run(ctx); err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
	})
}

func TestIsProbe(t *testing.T) {
	tests := []struct {
		path string
		ua   string
		want bool
	}{
		{"/health", "", true},
		{"/metrics", "", true},
		{"/readyz", "", true},
		{"/v1/solve", "", false},
		{"/v1/providers", "Fly-HealthCheck/1.0", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, tt.path, nil)
		if tt.ua != "" {
			r.Header.Set("User-Agent", tt.ua)
		}
		if got := IsProbe(r); got != tt.want {
			t.Errorf("IsProbe(%s, %q) = %v, want %v", tt.path, tt.ua, got, tt.want)
		}
	}
}
