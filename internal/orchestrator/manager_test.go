package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/provider/providertest"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

func newTestManager(t *testing.T, store ConfigStore, services ...*provider.Service) *Manager {
	t.Helper()
	logger := providertest.QuietLogger()
	pool := worker.NewPool(worker.PoolConfig{Size: 4, Logger: logger}, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	return New(Options{
		Services: services,
		Selector: selection.New(selection.Options{Logger: logger}),
		Executor: worker.NewRetryExecutor(pool, worker.RetryConfig{
			Delay:     -1,
			Retryable: solver.Retryable,
			Logger:    logger,
		}),
		Store:      store,
		MaxRetries: 2,
		Logger:     logger,
	})
}

func providerErr(id, msg string) error {
	return &solver.SolverError{Kind: solver.KindProvider, Provider: id, Message: msg}
}

func TestManager_FirstSuccessWins(t *testing.T) {
	a := providertest.NewFake("a")
	a.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		return nil, providerErr("a", "ERROR_CAPTCHA_UNSOLVABLE")
	}
	b := providertest.NewFake("b")
	b.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		return &solver.SolveResult{Token: "T123", Provider: "b"}, nil
	}
	c := providertest.NewFake("c")

	m := newTestManager(t, nil,
		providertest.Ready(t, c, 2),
		providertest.Ready(t, a, 0),
		providertest.Ready(t, b, 1),
	)

	res, err := m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeReCaptchaV2, SiteKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "T123", res.Token)

	assert.EqualValues(t, 1, a.SolveCalls.Load(), "provider errors are not retried")
	assert.EqualValues(t, 1, b.SolveCalls.Load())
	assert.Zero(t, c.SolveCalls.Load())

	assert.Equal(t, 1, m.Selector().CircuitBreaker("a").ConsecutiveFailures())
	assert.Zero(t, m.Selector().CircuitBreaker("b").ConsecutiveFailures())

	recent := m.RecentSolves()
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Success)
	assert.Equal(t, "b", recent[0].Provider)
	assert.Equal(t, []string{"a", "b"}, recent[0].Attempted)
}

func TestManager_NoEligibleProvider(t *testing.T) {
	hc := providertest.NewFake("hc-only", challenge.TypeHCaptcha)
	m := newTestManager(t, nil, providertest.Ready(t, hc, 0))

	_, err := m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeGeeTestV4})

	var noProvider *NoProviderError
	require.ErrorAs(t, err, &noProvider)
	assert.Contains(t, err.Error(), "geetestv4")
	assert.Zero(t, hc.SolveCalls.Load())
	assert.EqualValues(t, 1, m.Stats().Failed)
}

func TestManager_Exhausted(t *testing.T) {
	failing := func(id string) *providertest.Fake {
		f := providertest.NewFake(id)
		f.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
			return nil, providerErr(id, "ERROR_ZERO_BALANCE")
		}
		return f
	}
	m := newTestManager(t, nil,
		providertest.Ready(t, failing("x"), 0),
		providertest.Ready(t, failing("y"), 1),
	)

	_, err := m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeTurnstile})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"x", "y"}, exhausted.Attempted)
	assert.Len(t, exhausted.Errors(), 2)
	assert.ErrorIs(t, err, solver.ErrProvider)

	var last *solver.SolverError
	require.ErrorAs(t, err, &last)
	assert.Equal(t, "y", last.Provider)
}

func TestManager_TransportErrorsRetried(t *testing.T) {
	flaky := providertest.NewFake("flaky")
	var mu sync.Mutex
	calls := 0
	flaky.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return nil, &solver.SolverError{Kind: solver.KindTransport, Provider: "flaky", Message: "connection reset"}
		}
		return &solver.SolveResult{Token: "ok", Provider: "flaky"}, nil
	}
	m := newTestManager(t, nil, providertest.Ready(t, flaky, 0))

	res, err := m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeHCaptcha})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Token)
	assert.EqualValues(t, 3, flaky.SolveCalls.Load(), "MaxRetries=2 allows three attempts")
}

func TestManager_OpenBreakerSkipped(t *testing.T) {
	a := providertest.NewFake("a")
	b := providertest.NewFake("b")
	m := newTestManager(t, nil, providertest.Ready(t, a, 0), providertest.Ready(t, b, 1))

	for i := 0; i < selection.DefaultFailureThreshold; i++ {
		m.Selector().CircuitBreaker("a").RecordFailure()
	}

	res, err := m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeHCaptcha})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Zero(t, a.SolveCalls.Load())

	require.NoError(t, m.ResetBreaker("a"))
	res, err = m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeHCaptcha})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
}

func TestManager_CallerCancellation(t *testing.T) {
	slow := providertest.NewFake("slow")
	slow.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	next := providertest.NewFake("next")
	m := newTestManager(t, nil, providertest.Ready(t, slow, 0), providertest.Ready(t, next, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Solve(ctx, solver.SolveRequest{Type: challenge.TypeHCaptcha})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, next.SolveCalls.Load(), "no fallback after caller cancellation")
	assert.Zero(t, m.Selector().CircuitBreaker("slow").ConsecutiveFailures())
}

type memoryStore struct {
	mu      sync.Mutex
	configs map[string]provider.Config
	err     error
}

func (s *memoryStore) Load(ctx context.Context) (map[string]provider.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]provider.Config, len(s.configs))
	for k, v := range s.configs {
		out[k] = v
	}
	return out, s.err
}

func (s *memoryStore) Save(ctx context.Context, configs map[string]provider.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.configs = configs
	return nil
}

func TestManager_SaveLoadConfigs(t *testing.T) {
	store := &memoryStore{}
	a := providertest.NewService(providertest.NewFake("a"), provider.Config{APIKey: providertest.ValidKey, Enabled: true, Priority: 3})
	b := providertest.NewService(providertest.NewFake("b"), provider.Config{})
	m := newTestManager(t, store, a, b)

	require.NoError(t, m.SaveConfigs(context.Background()))
	assert.Equal(t, provider.Config{APIKey: providertest.ValidKey, Enabled: true, Priority: 3}, store.configs["a"])

	store.configs["b"] = provider.Config{APIKey: "bbbbbbbbbbbbbbbb", Enabled: true, Priority: 1}
	store.configs["ghost"] = provider.Config{Enabled: true}

	n, err := m.LoadConfigs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, b.IsConfigured())

	ids := []string{}
	for _, s := range m.Services() {
		ids = append(ids, s.ID())
	}
	assert.Equal(t, []string{"b", "a"}, ids, "sorted by priority")

	store.err = errors.New("disk full")
	assert.Error(t, m.SaveConfigs(context.Background()))
}

func TestManager_AdminOperations(t *testing.T) {
	a := providertest.Ready(t, providertest.NewFake("a"), 0)
	m := newTestManager(t, nil, a)

	_, err := m.Service("missing")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorIs(t, m.UpdateConfig("missing", provider.Config{}), ErrUnknownProvider)

	require.NoError(t, m.UpdateConfig("a", provider.Config{APIKey: providertest.ValidKey, Enabled: false, Priority: 9}))
	assert.False(t, a.Enabled())
	assert.Equal(t, 9, a.Priority())
	assert.Zero(t, m.RefreshAllBalances(), "disabled providers are not refreshed")

	a.Statistics().RecordFailure()
	require.NoError(t, m.ResetStatistics("a"))
	assert.Zero(t, a.Statistics().Total())

	_, _ = m.Solve(context.Background(), solver.SolveRequest{Type: challenge.TypeHCaptcha})
	require.Len(t, m.RecentSolves(), 1)
	require.NoError(t, m.ResetStatistics(""))
	assert.Empty(t, m.RecentSolves())
	assert.Zero(t, m.Stats().Total)
}

func TestHistory_Ring(t *testing.T) {
	h := newHistory()
	for i := 0; i < historySize+5; i++ {
		h.add(SolveRecord{ID: string(rune('a' + i%26)), Type: challenge.TypeHCaptcha, Success: i%2 == 0})
	}
	recent := h.recent()
	assert.Len(t, recent, historySize)

	stats := h.snapshot()
	assert.EqualValues(t, historySize+5, stats.Total)
	assert.EqualValues(t, historySize+5, stats.ByType[challenge.TypeHCaptcha])
}

func TestManager_SolveWith(t *testing.T) {
	a := providertest.NewFake("a")
	b := providertest.NewFake("b")
	b.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		return nil, providerErr("b", "ERROR_CAPTCHA_UNSOLVABLE")
	}
	m := newTestManager(t, nil, providertest.Ready(t, a, 0), providertest.Ready(t, b, 1))

	_, err := m.SolveWith(context.Background(), "b", solver.SolveRequest{Type: challenge.TypeHCaptcha})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, []string{"b"}, exhausted.Attempted)
	assert.Zero(t, a.SolveCalls.Load(), "no fallback when a provider is pinned")

	_, err = m.SolveWith(context.Background(), "ghost", solver.SolveRequest{Type: challenge.TypeHCaptcha})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	require.NoError(t, m.UpdateConfig("a", provider.Config{APIKey: providertest.ValidKey, Enabled: false}))
	_, err = m.SolveWith(context.Background(), "a", solver.SolveRequest{Type: challenge.TypeHCaptcha})
	var noProvider *NoProviderError
	assert.ErrorAs(t, err, &noProvider)
}

type classifierFunc func(pageURL string, body []byte) []challenge.Detection

func (f classifierFunc) Classify(pageURL string, body []byte) []challenge.Detection {
	return f(pageURL, body)
}

func TestManager_SolvePage(t *testing.T) {
	fake := providertest.NewFake("a")
	var got solver.SolveRequest
	fake.SolveFunc = func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
		got = req
		return &solver.SolveResult{Token: "T-page", Provider: "a"}, nil
	}
	m := newTestManager(t, nil, providertest.Ready(t, fake, 0))

	classifier := classifierFunc(func(pageURL string, body []byte) []challenge.Detection {
		return []challenge.Detection{
			{Type: "mtcaptcha", SiteKey: "ignored"},
			{Type: challenge.TypeTurnstile},
			{Type: challenge.TypeTurnstile, SiteKey: "0x4AAA", Params: map[string]string{"action": "login"}},
		}
	})

	res, d, err := m.SolvePage(context.Background(), classifier, "https://example.com/login", []byte("<html>"))
	require.NoError(t, err)
	assert.Equal(t, "T-page", res.Token)
	assert.Equal(t, "0x4AAA", d.SiteKey)
	assert.Equal(t, challenge.TypeTurnstile, got.Type)
	assert.Equal(t, "https://example.com/login", got.PageURL)
	assert.Equal(t, "login", got.Extra["action"])
	assert.Equal(t, providertest.ValidKey, got.APIKey)

	none := classifierFunc(func(string, []byte) []challenge.Detection { return nil })
	_, _, err = m.SolvePage(context.Background(), none, "https://example.com", nil)
	assert.ErrorIs(t, err, ErrNoChallenge)
	assert.EqualValues(t, 1, fake.SolveCalls.Load())
}
