package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// TimeoutParam is the request parameter carrying a caller-requested timeout in
// seconds.
const TimeoutParam = "timeout_seconds"

const (
	DefaultMinTimeout = 10 * time.Second
	DefaultMaxTimeout = 120 * time.Second
	DefaultTimeout    = 30 * time.Second
	DefaultRetryDelay = 500 * time.Millisecond
)

// RetryConfig configures a RetryExecutor.
type RetryConfig struct {
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	// Delay separates attempts; zero means DefaultRetryDelay, negative means none.
	Delay    time.Duration
	Strategy Strategy
	// Retryable stops the loop early when it returns false. Nil retries every failure.
	Retryable func(error) bool
	Logger    *slog.Logger
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MinTimeout <= 0 {
		c.MinTimeout = DefaultMinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.MaxTimeout < c.MinTimeout {
		c.MaxTimeout = c.MinTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Delay < 0 {
		c.Delay = 0
	} else if c.Delay == 0 {
		c.Delay = DefaultRetryDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// RetryError is returned when every attempt failed.
type RetryError struct {
	Attempts int
	Last     error
	Causes   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("task failed after %d attempts (%d retries exhausted): %v",
		e.Attempts, e.Attempts-1, e.Last)
}

func (e *RetryError) Unwrap() error { return e.Last }

// Errors returns the failure of every attempt in order.
func (e *RetryError) Errors() []error { return multierr.Errors(e.Causes) }

// RetryExecutor submits work to a Pool with a per-attempt ceiling and bounded
// retries.
type RetryExecutor struct {
	pool   *Pool
	cfg    RetryConfig
	logger *slog.Logger
}

// NewRetryExecutor creates an executor over pool.
func NewRetryExecutor(pool *Pool, cfg RetryConfig) *RetryExecutor {
	cfg = cfg.withDefaults()
	return &RetryExecutor{
		pool:   pool,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "retry"),
	}
}

// EffectiveTimeout reads TimeoutParam from params and clamps it to the configured
// bounds. A missing or malformed value yields the default.
func (e *RetryExecutor) EffectiveTimeout(params map[string]string) time.Duration {
	raw, ok := params[TimeoutParam]
	if !ok {
		return e.cfg.DefaultTimeout
	}
	// Out of range values saturate to the int64 bounds.
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return e.cfg.DefaultTimeout
	}
	// Clamp in seconds first so the conversion cannot overflow.
	switch {
	case secs <= 0:
		return e.cfg.MinTimeout
	case secs > int64(e.cfg.MaxTimeout/time.Second):
		return e.cfg.MaxTimeout
	}
	return min(max(time.Duration(secs)*time.Second, e.cfg.MinTimeout), e.cfg.MaxTimeout)
}

// Execute runs fn up to maxRetries+1 times. Each attempt is bounded by the
// effective timeout and cancelled when it expires. Admission errors from the pool
// and cancellation of ctx end the loop at once.
func (e *RetryExecutor) Execute(ctx context.Context, params map[string]string, maxRetries int, fn Func) (any, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	timeout := e.EffectiveTimeout(params)

	var causes, last error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.NewTimer(e.cfg.Delay)
			select {
			case <-ctx.Done():
				delay.Stop()
				return nil, ctx.Err()
			case <-delay.C:
			}
		}

		task, err := e.pool.Submit(ctx, fn, e.cfg.Strategy)
		if err != nil {
			return nil, err
		}
		attempts++

		res, err := e.await(ctx, task, timeout)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		last = err
		causes = multierr.Append(causes, fmt.Errorf("attempt %d: %w", attempt+1, err))
		e.logger.Debug("attempt failed",
			"task_id", task.ID,
			"attempt", attempt+1,
			"max_attempts", maxRetries+1,
			"state", task.State(),
			"error", err,
		)

		if e.cfg.Retryable != nil && !e.cfg.Retryable(err) {
			if attempts == 1 {
				return nil, err
			}
			return nil, &RetryError{Attempts: attempts, Last: last, Causes: causes}
		}
	}

	return nil, &RetryError{Attempts: attempts, Last: last, Causes: causes}
}

func (e *RetryExecutor) await(ctx context.Context, task *Task, timeout time.Duration) (any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
		return task.Result()
	case <-timer.C:
		task.expire()
		return nil, fmt.Errorf("task %s exceeded %s: %w", task.ID, timeout, ErrTaskTimeout)
	case <-ctx.Done():
		task.Cancel()
		return nil, ctx.Err()
	}
}

// IsAdmissionError reports whether err came from pool admission rather than from
// the work itself.
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrPoolFull) || errors.Is(err, ErrQueueFull) || errors.Is(err, ErrPoolClosed)
}
