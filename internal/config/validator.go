package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "warning", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.Port < 1 || c.Port > 65535 {
		add("port", c.Port, "must be between 1 and 65535")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.LogLevel)) {
		add("log_level", c.LogLevel, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	if f := strings.ToLower(c.LogFormat); f != "" && f != "text" && f != "json" {
		add("log_format", c.LogFormat, "must be text or json")
	}
	if c.RateLimitPerMinute < 0 {
		add("rate_limit_per_minute", c.RateLimitPerMinute, "must not be negative")
	}
	if c.IdleTimeout < 0 {
		add("idle_timeout", c.IdleTimeout, "must not be negative")
	}

	if c.Pool.Size < 1 {
		add("pool.size", c.Pool.Size, "must be at least 1")
	}
	if c.Pool.QueueSize < 1 {
		add("pool.queue_size", c.Pool.QueueSize, "must be at least 1")
	}
	if c.Pool.HighLoadThreshold < 1 {
		add("pool.high_load_threshold", c.Pool.HighLoadThreshold, "must be at least 1")
	}
	if _, err := worker.ParseStrategy(c.Pool.Strategy); err != nil {
		add("pool.strategy", c.Pool.Strategy, "must be blocking, non_blocking or rate_limited")
	}

	if c.Retry.MaxRetries < 0 {
		add("retry.max_retries", c.Retry.MaxRetries, "must not be negative")
	}
	if c.Retry.MinTimeout <= 0 {
		add("retry.min_timeout", c.Retry.MinTimeout, "must be positive")
	}
	if c.Retry.MaxTimeout < c.Retry.MinTimeout {
		add("retry.max_timeout", c.Retry.MaxTimeout, "must not be below retry.min_timeout")
	}
	if c.Retry.DefaultTimeout < c.Retry.MinTimeout || c.Retry.DefaultTimeout > c.Retry.MaxTimeout {
		add("retry.default_timeout", c.Retry.DefaultTimeout, "must lie within the timeout bounds")
	}

	if c.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold", c.Breaker.FailureThreshold, "must be at least 1")
	}
	if c.Breaker.ProbeInterval < 0 {
		add("breaker.probe_interval", c.Breaker.ProbeInterval, "must not be negative")
	}
	if c.Balance.TTL <= 0 {
		add("balance.ttl", c.Balance.TTL, "must be positive")
	}
	if c.Poll.MaxPolls < 0 {
		add("poll.max_polls", c.Poll.MaxPolls, "must not be negative")
	}

	if c.Transport.ProxyURL != "" {
		if u, err := url.Parse(c.Transport.ProxyURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("transport.proxy_url", c.Transport.ProxyURL, "must be an absolute URL")
		}
	}

	ids := make([]string, 0, len(c.Providers))
	for id := range c.Providers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		seed := c.Providers[id]
		if _, ok := solver.Lookup(id); !ok {
			add("providers."+id, id, "unknown provider")
			continue
		}
		if seed.Priority < 0 {
			add("providers."+id+".priority", seed.Priority, "must not be negative")
		}
		if seed.BaseURL != "" {
			if u, err := url.Parse(seed.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
				add("providers."+id+".base_url", seed.BaseURL, "must be an absolute URL")
			}
		}
	}

	return errs
}
