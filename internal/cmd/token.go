package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/captcha-broker/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Issue a bearer token for the API",
	Long: `Issue an HS256 bearer token signed with auth.jwt_secret.

Scopes: solve (POST /v1/solve), admin (provider and stats routes), * (all).`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var (
	tokenScopes []string
	tokenTTL    time.Duration
)

func init() {
	tokenCmd.Flags().StringSliceVarP(&tokenScopes, "scope", "s", []string{auth.ScopeSolve}, "Scopes to grant")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, _, err := loadConfig(true)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set")
	}
	if tokenTTL <= 0 {
		return fmt.Errorf("invalid --ttl %s", tokenTTL)
	}

	token, err := auth.NewVerifier(cfg.Auth.JWTSecret, auth.DefaultIssuer).Issue(args[0], tokenScopes, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
