package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startPool(t *testing.T, size, queue, threshold int) *Pool {
	t.Helper()
	load := NewLoadDetector(LoadDetectorConfig{Threshold: threshold, Logger: quietLogger()})
	p := NewPool(PoolConfig{Size: size, QueueSize: queue, Logger: quietLogger()}, load)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func blockUntilDone(ctx context.Context) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestQueue_OfferPutTake(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	a, b, c := newTask(ctx, nil), newTask(ctx, nil), newTask(ctx, nil)
	require.NoError(t, q.Offer(a))
	require.NoError(t, q.Put(ctx, b))
	assert.ErrorIs(t, q.Offer(c), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, 0, q.Remaining())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Put(short, c), context.DeadlineExceeded)

	got, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Same(t, a, got, "FIFO order")

	left := q.Close()
	assert.Len(t, left, 1)
	assert.ErrorIs(t, q.Offer(c), ErrQueueClosed)
	_, err = q.Take(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestLoadDetector(t *testing.T) {
	d := NewLoadDetector(LoadDetectorConfig{Threshold: 3, Logger: quietLogger()})

	for i := 0; i < 3; i++ {
		d.Register()
	}
	assert.False(t, d.IsHighLoad(), "count equal to threshold is not high load")
	d.Register()
	assert.True(t, d.IsHighLoad())

	assert.EqualValues(t, 4, d.reset())
	assert.Zero(t, d.Count())
	assert.False(t, d.IsHighLoad())
}

func TestLoadDetector_WindowReset(t *testing.T) {
	d := NewLoadDetector(LoadDetectorConfig{Threshold: 1, Window: 10 * time.Millisecond, Logger: quietLogger()})
	d.Start()
	defer d.Stop()

	d.Register()
	d.Register()
	require.Eventually(t, func() bool { return d.Count() == 0 }, time.Second, time.Millisecond)
}

func TestLoadDetector_ReserveWaitsForWindow(t *testing.T) {
	d := NewLoadDetector(LoadDetectorConfig{Threshold: 2, Logger: quietLogger()})
	ctx := context.Background()

	require.NoError(t, d.Reserve(ctx))
	require.NoError(t, d.Reserve(ctx))

	reserved := make(chan error, 1)
	go func() { reserved <- d.Reserve(ctx) }()

	select {
	case <-reserved:
		t.Fatal("Reserve returned before the window reset")
	case <-time.After(20 * time.Millisecond):
	}

	d.reset()
	select {
	case err := <-reserved:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Reserve did not wake on reset")
	}
	assert.EqualValues(t, 1, d.Count())

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Reserve(short))
	assert.ErrorIs(t, d.Reserve(short), context.DeadlineExceeded)
}

func TestTask_States(t *testing.T) {
	ctx := context.Background()

	ok := newTask(ctx, func(ctx context.Context) (any, error) { return "tok", nil })
	ok.run()
	res, err := ok.Result()
	require.NoError(t, err)
	assert.Equal(t, "tok", res)
	assert.Equal(t, StateSucceeded, ok.State())

	failed := newTask(ctx, func(ctx context.Context) (any, error) { return nil, errors.New("boom") })
	failed.run()
	assert.Equal(t, StateFailed, failed.State())

	pending := newTask(ctx, func(ctx context.Context) (any, error) {
		t.Error("cancelled task must not run")
		return nil, nil
	})
	pending.Cancel()
	pending.run()
	assert.Equal(t, StateCancelled, pending.State())
	_, err = pending.Result()
	assert.ErrorIs(t, err, ErrTaskCancelled)

	expired := newTask(ctx, blockUntilDone)
	go expired.run()
	require.Eventually(t, func() bool { return expired.State() == StateRunning }, time.Second, time.Millisecond)
	expired.expire()
	<-expired.Done()
	assert.Equal(t, StateTimedOut, expired.State())
}

func TestPool_RunsTasks(t *testing.T) {
	p := startPool(t, 2, 10, 50)
	ctx := context.Background()

	task, err := p.Submit(ctx, func(ctx context.Context) (any, error) { return 42, nil }, Blocking)
	require.NoError(t, err)
	res, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Len(t, task.ID, 26, "ulid")

	require.Eventually(t, func() bool { return p.Stats().Completed == 1 }, time.Second, time.Millisecond)
	assert.EqualValues(t, 1, p.Stats().Submitted)
}

func TestPool_NonBlockingRejectsWhenSaturated(t *testing.T) {
	p := startPool(t, 2, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := p.Submit(ctx, blockUntilDone, NonBlocking)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return p.Active() == 2 }, time.Second, time.Millisecond)
	require.True(t, p.Load().IsHighLoad())

	_, err := p.Submit(ctx, blockUntilDone, NonBlocking)
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.EqualValues(t, 1, p.Stats().Rejected)

	// Blocking admission still queues.
	_, err = p.Submit(ctx, blockUntilDone, Blocking)
	assert.NoError(t, err)
}

func TestPool_NonBlockingQueueFull(t *testing.T) {
	p := startPool(t, 1, 1, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := p.Submit(ctx, blockUntilDone, NonBlocking)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Active() == 1 }, time.Second, time.Millisecond)

	_, err = p.Submit(ctx, blockUntilDone, NonBlocking)
	require.NoError(t, err)
	_, err = p.Submit(ctx, blockUntilDone, NonBlocking)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPool_CancelAll(t *testing.T) {
	p := startPool(t, 1, 10, 100)
	ctx := context.Background()

	running, err := p.Submit(ctx, blockUntilDone, Blocking)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return running.State() == StateRunning }, time.Second, time.Millisecond)
	queued, err := p.Submit(ctx, blockUntilDone, Blocking)
	require.NoError(t, err)

	assert.Equal(t, 2, p.CancelAll())

	for _, task := range []*Task{running, queued} {
		select {
		case <-task.Done():
		case <-time.After(time.Second):
			t.Fatalf("task %s not finished after CancelAll", task.ID)
		}
		assert.Equal(t, StateCancelled, task.State())
	}
}

func TestPool_SubmitAfterStop(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1, Logger: quietLogger()}, nil)
	p.Start()
	p.Stop()

	_, err := p.Submit(context.Background(), blockUntilDone, Blocking)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, IsAdmissionError(err))
}

func TestParseStrategy(t *testing.T) {
	tests := map[string]Strategy{
		"":             Blocking,
		"BLOCKING":     Blocking,
		"non-blocking": NonBlocking,
		"NON_BLOCKING": NonBlocking,
		"rate_limited": RateLimited,
	}
	for in, want := range tests {
		got, err := ParseStrategy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseStrategy("eventually")
	assert.Error(t, err)
}

func newTestExecutor(t *testing.T, cfg RetryConfig) *RetryExecutor {
	t.Helper()
	cfg.Logger = quietLogger()
	return NewRetryExecutor(startPool(t, 2, 10, 100), cfg)
}

func TestRetryExecutor_EffectiveTimeout(t *testing.T) {
	e := NewRetryExecutor(nil, RetryConfig{Logger: quietLogger()})

	tests := []struct {
		name   string
		params map[string]string
		want   time.Duration
	}{
		{"missing", nil, 30 * time.Second},
		{"within bounds", map[string]string{TimeoutParam: "45"}, 45 * time.Second},
		{"below minimum", map[string]string{TimeoutParam: "1"}, 10 * time.Second},
		{"above maximum", map[string]string{TimeoutParam: "600"}, 120 * time.Second},
		{"malformed", map[string]string{TimeoutParam: "soon"}, 30 * time.Second},
		{"zero", map[string]string{TimeoutParam: "0"}, 10 * time.Second},
		{"overflows duration", map[string]string{TimeoutParam: "9300000000"}, 120 * time.Second},
		{"beyond int64", map[string]string{TimeoutParam: "99999999999999999999"}, 120 * time.Second},
		{"large negative", map[string]string{TimeoutParam: "-9300000000"}, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EffectiveTimeout(tt.params))
		})
	}
}

func TestRetryExecutor_AlwaysTimesOut(t *testing.T) {
	e := newTestExecutor(t, RetryConfig{
		MinTimeout:     40 * time.Millisecond,
		MaxTimeout:     40 * time.Millisecond,
		DefaultTimeout: 40 * time.Millisecond,
		Delay:          -1,
	})

	var calls atomic.Int32
	const maxRetries = 3
	_, err := e.Execute(context.Background(), nil, maxRetries, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return blockUntilDone(ctx)
	})

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, maxRetries+1, retryErr.Attempts)
	assert.Contains(t, err.Error(), "4 attempts")
	assert.Contains(t, err.Error(), "3 retries exhausted")
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, retryErr.Errors(), maxRetries+1)
	assert.EqualValues(t, maxRetries+1, calls.Load())
}

func TestRetryExecutor_SucceedsAfterFailures(t *testing.T) {
	e := newTestExecutor(t, RetryConfig{Delay: time.Millisecond})

	var calls atomic.Int32
	res, err := e.Execute(context.Background(), nil, 5, func(ctx context.Context) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection reset")
		}
		return "T123", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "T123", res)
	assert.EqualValues(t, 3, calls.Load())
}

func TestRetryExecutor_NonRetryableStops(t *testing.T) {
	terminal := errors.New("ERROR_ZERO_BALANCE")
	e := newTestExecutor(t, RetryConfig{
		Delay:     -1,
		Retryable: func(err error) bool { return !errors.Is(err, terminal) },
	})

	var calls atomic.Int32
	_, err := e.Execute(context.Background(), nil, 5, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, terminal
	})
	assert.ErrorIs(t, err, terminal)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryExecutor_CallerCancelIsFatal(t *testing.T) {
	e := newTestExecutor(t, RetryConfig{Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := e.Execute(ctx, nil, 10, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRetryExecutor_AdmissionErrorNotRetried(t *testing.T) {
	p := NewPool(PoolConfig{Size: 1, Logger: quietLogger()}, nil)
	p.Start()
	p.Stop()
	e := NewRetryExecutor(p, RetryConfig{Delay: -1, Logger: quietLogger()})

	_, err := e.Execute(context.Background(), nil, 3, blockUntilDone)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.False(t, strings.Contains(err.Error(), "attempts"))
}

func TestPool_RateLimitedWaitsForWindow(t *testing.T) {
	p := startPool(t, 2, 10, 1)
	ctx := context.Background()

	_, err := p.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil }, RateLimited)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Submit(short, func(ctx context.Context) (any, error) { return nil, nil }, RateLimited)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Load().reset()
	_, err = p.Submit(ctx, func(ctx context.Context) (any, error) { return nil, nil }, RateLimited)
	assert.NoError(t, err)
}
