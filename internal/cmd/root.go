// Package cmd implements the captcha-broker command line.
package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/captcha-broker/internal/config"
	"github.com/jmylchreest/captcha-broker/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "captcha-broker",
	Short: "Captcha solving broker",
	Long: `captcha-broker solves captchas through a prioritized pool of third-party
solving services, falling back to the next provider when one fails and
tracking balances, success rates and circuit state per provider.`,
	SilenceUsage: true,
}

var cfgFile string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is $"+config.ConfigEnv+")")
}

// loadConfig reads configuration and installs the default logger from it.
// Quiet raises the info level to warn so log lines do not interleave with command
// output.
func loadConfig(quiet bool) (*config.Config, *viper.Viper, *slog.Logger, error) {
	cfg, v, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	level := cfg.LogLevel
	if quiet && strings.EqualFold(level, "info") {
		level = "warn"
	}
	logger := logging.SetDefault(logging.Options{Level: level, Format: cfg.LogFormat})
	return cfg, v, logger, nil
}
