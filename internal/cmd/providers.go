package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/captcha-broker/internal/app"
	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List providers and their configuration",
	Long: `List every built-in provider with its effective configuration: seeds from
the config file and environment, overridden by stored settings.

With --balances each configured provider's balance is fetched first.`,
	RunE: runProviders,
}

var balanceCmd = &cobra.Command{
	Use:   "balance [provider...]",
	Short: "Fetch account balances",
	Long:  `Fetch the balance of every configured provider, or only the named ones.`,
	RunE:  runBalance,
}

var (
	providersBalances bool
	balanceTimeout    = 30 * time.Second
)

func init() {
	providersCmd.Flags().BoolVar(&providersBalances, "balances", false, "Fetch balances before listing")
	balanceCmd.Flags().DurationVar(&balanceTimeout, "timeout", balanceTimeout, "Overall timeout for balance requests")
	rootCmd.AddCommand(providersCmd)
	rootCmd.AddCommand(balanceCmd)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, _, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	broker, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	services := broker.Manager.Services()
	if providersBalances {
		ctx, cancel := context.WithTimeout(cmd.Context(), balanceTimeout)
		defer cancel()
		fetchBalances(ctx, configured(services))
	}

	printProviders(cmd.OutOrStdout(), services)
	return nil
}

func printProviders(w io.Writer, services []*provider.Service) {
	t := newTable("ID", "NAME", "PROTOCOL", "ENABLED", "PRIORITY", "KEY", "BALANCE", "TYPES")
	for _, s := range services {
		snap := s.Snapshot()
		balance := "-"
		if snap.BalanceKnown {
			balance = fmt.Sprintf("%.4f", snap.Balance)
		}
		t.add(snap.ID, snap.DisplayName, snap.Protocol, snap.Enabled, snap.Priority, snap.MaskedKey, balance, joinTypes(snap.SupportedTypes))
	}
	t.render(w)
}

func joinTypes(types []challenge.Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func configured(services []*provider.Service) []*provider.Service {
	out := make([]*provider.Service, 0, len(services))
	for _, s := range services {
		if s.IsConfigured() {
			out = append(out, s)
		}
	}
	return out
}

type balanceResult struct {
	id      string
	balance float64
	err     error
}

// fetchBalances queries every service concurrently. Failures are reported per
// provider, never aborting the others.
func fetchBalances(ctx context.Context, services []*provider.Service) []balanceResult {
	results := make([]balanceResult, len(services))
	var g errgroup.Group
	for i, s := range services {
		g.Go(func() error {
			v, err := s.FetchBalance(ctx)
			results[i] = balanceResult{id: s.ID(), balance: v, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// loadBalances fetches the balance of services before first use, bounded by
// timeout. The selector skips providers without a known balance, so this runs
// before serving or solving. Failures are logged and retried later through the
// balance cache. It returns the number of successful fetches.
func loadBalances(ctx context.Context, services []*provider.Service, timeout time.Duration, logger *slog.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok := 0
	for _, r := range fetchBalances(ctx, services) {
		if r.err != nil {
			logger.Warn("balance fetch failed", "provider", r.id, "error", r.err)
			continue
		}
		ok++
	}
	return ok
}

func runBalance(cmd *cobra.Command, args []string) error {
	cfg, _, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	broker, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	var services []*provider.Service
	if len(args) == 0 {
		services = configured(broker.Manager.Services())
		if len(services) == 0 {
			return fmt.Errorf("no provider is configured")
		}
	} else {
		for _, id := range args {
			s, err := broker.Manager.Service(id)
			if err != nil {
				return err
			}
			services = append(services, s)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), balanceTimeout)
	defer cancel()
	results := fetchBalances(ctx, services)

	t := newTable("PROVIDER", "BALANCE", "ERROR")
	failed := 0
	for _, r := range results {
		if r.err != nil {
			failed++
			t.add(r.id, "-", r.err)
			continue
		}
		t.add(r.id, fmt.Sprintf("%.4f", r.balance), "")
	}
	t.render(cmd.OutOrStdout())

	if failed == len(results) {
		return fmt.Errorf("all %d balance requests failed", failed)
	}
	return nil
}
