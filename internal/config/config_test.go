package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoad(t *testing.T) {
	t.Setenv(ConfigEnv, "")

	t.Run("defaults", func(t *testing.T) {
		cfg, _, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Port != 8191 {
			t.Errorf("Port = %d, want 8191", cfg.Port)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
		}
		if cfg.Pool.Size != 10 {
			t.Errorf("Pool.Size = %d, want 10", cfg.Pool.Size)
		}
		if cfg.Pool.QueueSize != 100 {
			t.Errorf("Pool.QueueSize = %d, want 100", cfg.Pool.QueueSize)
		}
		if cfg.Pool.HighLoadThreshold != 50 {
			t.Errorf("Pool.HighLoadThreshold = %d, want 50", cfg.Pool.HighLoadThreshold)
		}
		if cfg.Pool.Strategy != "blocking" {
			t.Errorf("Pool.Strategy = %q, want blocking", cfg.Pool.Strategy)
		}
		if cfg.Retry.MaxRetries != 1 {
			t.Errorf("Retry.MaxRetries = %d, want 1", cfg.Retry.MaxRetries)
		}
		if cfg.Retry.MinTimeout != 10*time.Second || cfg.Retry.MaxTimeout != 120*time.Second {
			t.Errorf("Retry bounds = %v..%v, want 10s..2m", cfg.Retry.MinTimeout, cfg.Retry.MaxTimeout)
		}
		if cfg.Retry.DefaultTimeout != 30*time.Second {
			t.Errorf("Retry.DefaultTimeout = %v, want 30s", cfg.Retry.DefaultTimeout)
		}
		if cfg.Breaker.FailureThreshold != 5 {
			t.Errorf("Breaker.FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
		}
		if cfg.Breaker.ProbeInterval != time.Minute {
			t.Errorf("Breaker.ProbeInterval = %v, want 1m", cfg.Breaker.ProbeInterval)
		}
		if cfg.Balance.TTL != 20*time.Second {
			t.Errorf("Balance.TTL = %v, want 20s", cfg.Balance.TTL)
		}
		if cfg.Auth.AllowUnauthenticated {
			t.Error("Auth.AllowUnauthenticated = true, want false")
		}
		if cfg.Auth.Enabled() {
			t.Error("Auth.Enabled() = true without secrets")
		}

		if len(cfg.Providers) != 6 {
			t.Fatalf("len(Providers) = %d, want 6", len(cfg.Providers))
		}
		seed := cfg.Providers["2captcha"]
		if seed.APIKey != "" || !seed.Enabled || seed.Priority != 0 {
			t.Errorf("2captcha seed = %+v", seed)
		}
		if got := cfg.Providers["capmonster"].Priority; got != 5 {
			t.Errorf("capmonster priority = %d, want 5", got)
		}
	})

	t.Run("from env", func(t *testing.T) {
		t.Setenv("PORT", "9000")
		t.Setenv("LOG_LEVEL", "debug")
		t.Setenv("POOL_SIZE", "4")
		t.Setenv("POOL_STRATEGY", "rate_limited")
		t.Setenv("RETRY_MAX_RETRIES", "3")
		t.Setenv("BREAKER_PROBE_INTERVAL", "0s")
		t.Setenv("TWOCAPTCHA_API_KEY", "test-2captcha-key")
		t.Setenv("CAPSOLVER_PRIORITY", "9")
		t.Setenv("ANTICAPTCHA_ENABLED", "false")
		t.Setenv("BROKER_API_SECRET", "secret-key")
		t.Setenv("PROXY_URL", "http://proxy:8080")

		cfg, _, err := Load("")
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Port != 9000 {
			t.Errorf("Port = %d, want 9000", cfg.Port)
		}
		if cfg.LogLevel != "debug" {
			t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
		}
		if cfg.Pool.Size != 4 {
			t.Errorf("Pool.Size = %d, want 4", cfg.Pool.Size)
		}
		if cfg.Pool.Strategy != "rate_limited" {
			t.Errorf("Pool.Strategy = %q, want rate_limited", cfg.Pool.Strategy)
		}
		if cfg.Retry.MaxRetries != 3 {
			t.Errorf("Retry.MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
		}
		if cfg.Breaker.ProbeInterval != 0 {
			t.Errorf("Breaker.ProbeInterval = %v, want 0", cfg.Breaker.ProbeInterval)
		}
		if got := cfg.Providers["2captcha"].APIKey; got != "test-2captcha-key" {
			t.Errorf("2captcha api key = %q", got)
		}
		if got := cfg.Providers["capsolver"].Priority; got != 9 {
			t.Errorf("capsolver priority = %d, want 9", got)
		}
		if cfg.Providers["anticaptcha"].Enabled {
			t.Error("anticaptcha enabled, want disabled")
		}
		if cfg.Auth.APISecret != "secret-key" || !cfg.Auth.Enabled() {
			t.Errorf("Auth = %+v", cfg.Auth)
		}
		if cfg.Transport.ProxyURL != "http://proxy:8080" {
			t.Errorf("Transport.ProxyURL = %q", cfg.Transport.ProxyURL)
		}
	})

	t.Run("invalid numbers fail", func(t *testing.T) {
		t.Setenv("PORT", "not-a-number")
		if _, _, err := Load(""); err == nil {
			t.Error("Load() with PORT=not-a-number succeeded")
		}
	})

	t.Run("validation", func(t *testing.T) {
		t.Setenv("POOL_SIZE", "0")
		t.Setenv("POOL_STRATEGY", "eager")
		t.Setenv("RETRY_DEFAULT_TIMEOUT", "5m")

		_, _, err := Load("")
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Fatalf("Load() error = %v, want ValidationErrors", err)
		}
		fields := make([]string, 0, len(verrs))
		for _, e := range verrs {
			fields = append(fields, e.Field)
		}
		for _, want := range []string{"pool.size", "pool.strategy", "retry.default_timeout"} {
			if !strings.Contains(strings.Join(fields, ","), want) {
				t.Errorf("validation errors %v missing %s", fields, want)
			}
		}
		if !strings.Contains(err.Error(), "3 validation errors") {
			t.Errorf("error text = %q", err.Error())
		}
	})
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, `
port: 7000
pool:
  size: 3
providers:
  capsolver:
    api_key: CAP-abcdefghijkl
    priority: 2
    base_url: http://localhost:9999
`)
	t.Setenv("POOL_SIZE", "6")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000", cfg.Port)
	}
	if cfg.Pool.Size != 6 {
		t.Errorf("Pool.Size = %d, want env to override the file", cfg.Pool.Size)
	}
	seed := cfg.Providers["capsolver"]
	if seed.APIKey != "CAP-abcdefghijkl" || seed.Priority != 2 || !seed.Enabled {
		t.Errorf("capsolver seed = %+v", seed)
	}
	if seed.BaseURL != "http://localhost:9999" {
		t.Errorf("capsolver base url = %q", seed.BaseURL)
	}
	if got := seed.Config(); got.APIKey != seed.APIKey || got.Priority != 2 {
		t.Errorf("Config() = %+v", got)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, "providers:\n  deathbycaptcha:\n    api_key: x\n")

	_, _, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("Load() error = %v, want unknown provider", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() of a missing file succeeded")
	}
}

func TestWatch(t *testing.T) {
	v, err := New("")
	require.NoError(t, err)
	require.False(t, Watch(v, quietLogger(), func(*Config) {}), "no file, nothing to watch")

	path := filepath.Join(t.TempDir(), "broker.yaml")
	writeConfig(t, path, "providers:\n  rucaptcha:\n    priority: 1\n")

	v, err = New(path)
	require.NoError(t, err)

	var priority atomic.Int64
	priority.Store(-1)
	require.True(t, Watch(v, quietLogger(), func(cfg *Config) {
		priority.Store(int64(cfg.Providers["rucaptcha"].Priority))
	}))

	writeConfig(t, path, "providers:\n  rucaptcha:\n    priority: 7\n")
	require.Eventually(t, func() bool { return priority.Load() == 7 },
		5*time.Second, 20*time.Millisecond)
}
