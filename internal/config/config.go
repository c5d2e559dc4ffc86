// Package config provides configuration management for the captcha broker.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// ConfigEnv names the environment variable holding the config file path.
const ConfigEnv = "CAPTCHA_BROKER_CONFIG"

// Config holds all configuration for the captcha broker.
type Config struct {
	// Server settings
	Port               int           `mapstructure:"port"`
	LogLevel           string        `mapstructure:"log_level"`
	LogFormat          string        `mapstructure:"log_format"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	DatabasePath       string        `mapstructure:"database_path"`
	// IdleTimeout stops the server after this long without traffic or work.
	// Zero disables idle shutdown.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	Pool      PoolConfig      `mapstructure:"pool"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Balance   BalanceConfig   `mapstructure:"balance"`
	Poll      PollConfig      `mapstructure:"poll"`
	Transport TransportConfig `mapstructure:"transport"`
	Auth      AuthConfig      `mapstructure:"auth"`

	// Providers seeds each built-in provider. Stored configuration wins over
	// these values once it exists.
	Providers map[string]ProviderSeed `mapstructure:"providers"`
}

// PoolConfig sizes the worker pool and load detector.
type PoolConfig struct {
	Size              int           `mapstructure:"size"`
	QueueSize         int           `mapstructure:"queue_size"`
	HighLoadThreshold int           `mapstructure:"high_load_threshold"`
	LoadWindow        time.Duration `mapstructure:"load_window"`
	Strategy          string        `mapstructure:"strategy"`
}

// RetryConfig bounds per-attempt timeouts and retries.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	MinTimeout     time.Duration `mapstructure:"min_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	Delay          time.Duration `mapstructure:"delay"`
}

// BreakerConfig controls the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	// ProbeInterval lets one request through an open circuit after this long.
	// Zero keeps circuits open until a manual reset.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
}

// BalanceConfig controls balance caching and background refresh.
type BalanceConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// PollConfig controls provider result polling.
type PollConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	MaxPolls int           `mapstructure:"max_polls"`
}

// TransportConfig selects the outbound HTTP client.
type TransportConfig struct {
	Stealth  bool          `mapstructure:"stealth"`
	ProxyURL string        `mapstructure:"proxy_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig protects the admin and solve routes.
type AuthConfig struct {
	APISecret            string `mapstructure:"api_secret"` // HMAC secret for signed headers
	JWTSecret            string `mapstructure:"jwt_secret"` // HS256 secret for bearer tokens
	AllowUnauthenticated bool   `mapstructure:"allow_unauthenticated"`
}

// Enabled reports whether any authentication method is configured.
func (a AuthConfig) Enabled() bool {
	return (a.APISecret != "" || a.JWTSecret != "") && !a.AllowUnauthenticated
}

// ProviderSeed is the configured starting state of one provider.
type ProviderSeed struct {
	APIKey   string `mapstructure:"api_key"`
	Enabled  bool   `mapstructure:"enabled"`
	Priority int    `mapstructure:"priority"`
	BaseURL  string `mapstructure:"base_url"`
}

// Config returns the runtime configuration carried by the seed.
func (s ProviderSeed) Config() provider.Config {
	return provider.Config{APIKey: s.APIKey, Enabled: s.Enabled, Priority: s.Priority}
}

// envPrefixes maps provider ids to the environment prefix of their keys, e.g.
// TWOCAPTCHA_API_KEY.
var envPrefixes = map[string]string{
	solver.ProviderTwoCaptcha:   "TWOCAPTCHA",
	solver.ProviderRuCaptcha:    "RUCAPTCHA",
	solver.ProviderSolveCaptcha: "SOLVECAPTCHA",
	solver.ProviderCapSolver:    "CAPSOLVER",
	solver.ProviderAntiCaptcha:  "ANTICAPTCHA",
	solver.ProviderCapMonster:   "CAPMONSTER",
}

// SetDefaults registers every default and provider env binding on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8191)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "")
	v.SetDefault("request_timeout", 5*time.Minute)
	v.SetDefault("idle_timeout", 0)
	v.SetDefault("rate_limit_per_minute", 0)
	v.SetDefault("database_path", "data/captcha-broker.db")

	v.SetDefault("pool.size", worker.DefaultPoolSize)
	v.SetDefault("pool.queue_size", worker.DefaultQueueSize)
	v.SetDefault("pool.high_load_threshold", worker.DefaultHighLoadThreshold)
	v.SetDefault("pool.load_window", worker.DefaultLoadWindow)
	v.SetDefault("pool.strategy", worker.Blocking.String())

	v.SetDefault("retry.max_retries", 1)
	v.SetDefault("retry.min_timeout", worker.DefaultMinTimeout)
	v.SetDefault("retry.max_timeout", worker.DefaultMaxTimeout)
	v.SetDefault("retry.default_timeout", worker.DefaultTimeout)
	v.SetDefault("retry.delay", worker.DefaultRetryDelay)

	v.SetDefault("breaker.failure_threshold", selection.DefaultFailureThreshold)
	v.SetDefault("breaker.probe_interval", time.Minute)

	v.SetDefault("balance.ttl", provider.DefaultBalanceTTL)
	v.SetDefault("balance.refresh_interval", 5*time.Minute)

	v.SetDefault("poll.interval", solver.DefaultPollInterval)
	v.SetDefault("poll.max_polls", solver.DefaultMaxPolls)

	v.SetDefault("transport.stealth", false)
	v.SetDefault("transport.proxy_url", "")
	v.SetDefault("transport.timeout", 30*time.Second)

	v.SetDefault("auth.api_secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_unauthenticated", false)

	for i, def := range solver.Builtin() {
		key := "providers." + def.ID
		v.SetDefault(key+".api_key", "")
		v.SetDefault(key+".enabled", true)
		v.SetDefault(key+".priority", i)
		v.SetDefault(key+".base_url", "")

		prefix := envPrefixes[def.ID]
		_ = v.BindEnv(key+".api_key", prefix+"_API_KEY")
		_ = v.BindEnv(key+".enabled", prefix+"_ENABLED")
		_ = v.BindEnv(key+".priority", prefix+"_PRIORITY")
		_ = v.BindEnv(key+".base_url", prefix+"_BASE_URL")
	}

	// Shorter aliases for the server settings.
	_ = v.BindEnv("auth.api_secret", "AUTH_API_SECRET", "BROKER_API_SECRET")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "BROKER_JWT_SECRET")
	_ = v.BindEnv("auth.allow_unauthenticated", "AUTH_ALLOW_UNAUTHENTICATED", "ALLOW_UNAUTHENTICATED")
	_ = v.BindEnv("transport.proxy_url", "TRANSPORT_PROXY_URL", "PROXY_URL")
}

// New builds a viper instance layered as defaults, then the optional YAML file
// at path (or $CAPTCHA_BROKER_CONFIG), then the environment.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.AutomaticEnv()
	// Nested keys map to underscores, e.g. POOL_SIZE for pool.size.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals and validates the current state of v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Load reads the configuration from defaults, file and environment.
func Load(path string) (*Config, *viper.Viper, error) {
	v, err := New(path)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Watch re-decodes the config file whenever it changes and hands valid results
// to fn. It returns false when v was not loaded from a file.
func Watch(v *viper.Viper, logger *slog.Logger, fn func(*Config)) bool {
	if v.ConfigFileUsed() == "" {
		return false
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
	return true
}
