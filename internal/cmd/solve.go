package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/captcha-broker/internal/app"
	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/models"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/version"
)

var solveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve one captcha and print the token",
	Long: `Solve one captcha through the configured providers without starting the
HTTP API. Providers are tried in the same order as the server would use.

Example:
  captcha-broker solve --type turnstile --site-key 0x4AAAAAAA --page-url https://example.com/login
  captcha-broker solve --type recaptchav3 --site-key 6Le... --page-url https://example.com --extra action=login --extra min_score=0.7`,
	RunE: runSolve,
}

var (
	solveType     string
	solveSiteKey  string
	solvePageURL  string
	solveProvider string
	solveExtra    []string
	solveJSON     bool
	solveTimeout  = 30 * time.Second
)

func init() {
	solveCmd.Flags().StringVarP(&solveType, "type", "t", "", "Captcha type ("+joinTypes(challenge.All())+")")
	solveCmd.Flags().StringVar(&solveSiteKey, "site-key", "", "Site key of the captcha widget")
	solveCmd.Flags().StringVar(&solvePageURL, "page-url", "", "URL of the page showing the captcha")
	solveCmd.Flags().StringVarP(&solveProvider, "provider", "p", "", "Use only this provider")
	solveCmd.Flags().StringArrayVarP(&solveExtra, "extra", "e", nil, "Type specific parameter as key=value (repeatable)")
	solveCmd.Flags().BoolVar(&solveJSON, "json", false, "Print the full result as JSON")
	solveCmd.Flags().DurationVar(&solveTimeout, "balance-timeout", solveTimeout, "Timeout for fetching provider balances before solving")
	_ = solveCmd.MarkFlagRequired("type")
	_ = solveCmd.MarkFlagRequired("site-key")
	_ = solveCmd.MarkFlagRequired("page-url")
	rootCmd.AddCommand(solveCmd)
}

func parseExtra(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --extra %q: want key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func runSolve(cmd *cobra.Command, args []string) error {
	captchaType, err := challenge.ParseType(solveType)
	if err != nil {
		return err
	}
	extra, err := parseExtra(solveExtra)
	if err != nil {
		return err
	}

	cfg, _, logger, err := loadConfig(true)
	if err != nil {
		return err
	}
	broker, err := app.New(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	broker.Start()
	defer broker.Close()

	// Providers are only selected with a known balance.
	var services []*provider.Service
	if solveProvider != "" {
		s, err := broker.Manager.Service(solveProvider)
		if err != nil {
			return err
		}
		services = []*provider.Service{s}
	} else {
		services = configured(broker.Manager.Services())
	}
	if len(services) == 0 {
		return fmt.Errorf("no provider is configured")
	}
	loadBalances(cmd.Context(), services, solveTimeout, logger)

	req := solver.SolveRequest{Type: captchaType, SiteKey: solveSiteKey, PageURL: solvePageURL, Extra: extra}
	var res *solver.SolveResult
	if solveProvider != "" {
		res, err = broker.Manager.SolveWith(cmd.Context(), solveProvider, req)
	} else {
		res, err = broker.Manager.Solve(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if solveJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(models.NewSolveResponse(res, string(captchaType), version.Get().Version, ""))
	}
	fmt.Fprintln(out, res.Token)
	return nil
}
