// Package providertest provides an in-memory solver and helpers for building
// ready-to-use provider services in tests.
package providertest

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/solver"
)

// ValidKey passes the default key-format rule.
const ValidKey = "abcdef0123456789abcdef0123456789"

// Fake is a scriptable solver.Solver.
type Fake struct {
	Desc solver.Descriptor

	// SolveFunc handles Solve; nil returns a token derived from the provider id.
	SolveFunc func(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error)

	// BalanceValue and BalanceErr are returned by Balance. When BalanceGate is
	// non-nil Balance blocks until it is closed.
	BalanceValue float64
	BalanceErr   error
	BalanceGate  chan struct{}
	// BalanceFunc, when set, replaces BalanceValue and BalanceErr.
	BalanceFunc func(apiKey string) (float64, error)

	SolveCalls   atomic.Int32
	BalanceCalls atomic.Int32
}

// NewFake returns a fake provider supporting types.
func NewFake(id string, types ...challenge.Type) *Fake {
	if len(types) == 0 {
		types = challenge.All()
	}
	return &Fake{
		Desc: solver.Descriptor{
			ID:             id,
			DisplayName:    id,
			Protocol:       solver.ProtocolTaskJSON,
			SupportedTypes: types,
			KeyMinLength:   solver.DefaultKeyMinLength,
		},
		BalanceValue: 10,
	}
}

// Descriptor implements solver.Solver.
func (f *Fake) Descriptor() solver.Descriptor { return f.Desc }

// Submit implements solver.Solver.
func (f *Fake) Submit(ctx context.Context, req solver.SolveRequest) (string, error) {
	return "task-" + f.Desc.ID, nil
}

// Poll implements solver.Solver.
func (f *Fake) Poll(ctx context.Context, apiKey, taskID string) (solver.PollResult, error) {
	return solver.PollResult{Ready: true, Token: "token-" + f.Desc.ID}, nil
}

// Solve implements solver.Solver.
func (f *Fake) Solve(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error) {
	f.SolveCalls.Add(1)
	if f.SolveFunc != nil {
		return f.SolveFunc(ctx, req)
	}
	return &solver.SolveResult{Token: "token-" + f.Desc.ID, Provider: f.Desc.ID, TaskID: "task-" + f.Desc.ID}, nil
}

// Balance implements solver.Solver.
func (f *Fake) Balance(ctx context.Context, apiKey string) (float64, error) {
	f.BalanceCalls.Add(1)
	if f.BalanceGate != nil {
		select {
		case <-f.BalanceGate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if f.BalanceFunc != nil {
		return f.BalanceFunc(apiKey)
	}
	return f.BalanceValue, f.BalanceErr
}

// QuietLogger discards everything below error level.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewService wraps f in a provider.Service with cfg applied.
func NewService(f *Fake, cfg provider.Config) *provider.Service {
	svc := provider.NewService(f, provider.Options{Logger: QuietLogger()})
	svc.Apply(cfg)
	return svc
}

// Ready returns an enabled service with a valid key whose balance has been fetched
// from f.
func Ready(t testing.TB, f *Fake, priority int) *provider.Service {
	t.Helper()
	svc := NewService(f, provider.Config{APIKey: ValidKey, Enabled: true, Priority: priority})
	svc.ForceRefreshBalance()
	require.Eventually(t, func() bool {
		_, known := svc.Balance()
		return known && !svc.IsRefreshing()
	}, time.Second, time.Millisecond, "balance for %s never loaded", f.Desc.ID)
	return svc
}
