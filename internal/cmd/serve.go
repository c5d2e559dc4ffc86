package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/captcha-broker/internal/api"
	"github.com/jmylchreest/captcha-broker/internal/app"
	"github.com/jmylchreest/captcha-broker/internal/auth"
	"github.com/jmylchreest/captcha-broker/internal/config"
	"github.com/jmylchreest/captcha-broker/internal/http/mw"
	"github.com/jmylchreest/captcha-broker/internal/logging"
	"github.com/jmylchreest/captcha-broker/internal/shutdown"
	"github.com/jmylchreest/captcha-broker/internal/version"
)

const (
	// shutdownGrace bounds the wait for in-flight requests on shutdown.
	shutdownGrace = 30 * time.Second
	// startupBalanceTimeout bounds the balance fetch done before listening.
	startupBalanceTimeout = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the broker's HTTP API.

Exposes /health and /metrics without authentication, and the /v1 solve and
admin routes behind signed headers or bearer tokens when a secret is set.
Provider balances are fetched before listening and refreshed periodically
afterwards. A
config file given with --config is watched and provider settings are
re-applied when it changes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, v, logger, err := loadConfig(false)
	if err != nil {
		return err
	}

	logger.Info("starting captcha broker",
		"version", version.Get().Version,
		"port", cfg.Port,
		"pool_size", cfg.Pool.Size,
		"strategy", cfg.Pool.Strategy,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	broker.Start()
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("failed to close broker", "error", err)
		}
	}()
	services := configured(broker.Manager.Services())
	loaded := loadBalances(ctx, services, startupBalanceTimeout, logger)
	logger.Info("provider balances loaded", "loaded", loaded, "configured", len(services))

	var verifier *auth.Verifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.Auth.JWTSecret, auth.DefaultIssuer)
		logger.Info("bearer token verification enabled", "issuer", auth.DefaultIssuer)
	}
	if cfg.Auth.AllowUnauthenticated {
		logger.Warn("authentication disabled - allow_unauthenticated is set")
	}

	idle := shutdown.NewIdleMonitor(shutdown.IdleConfig{
		Timeout: cfg.IdleTimeout,
		Busy:    broker.Busy,
		Logger:  logger,
	})

	handler := api.NewRouter(api.Deps{
		Manager: broker.Manager,
		Pool:    broker.Pool,
		Metrics: broker.Metrics.Handler(),
		Idle:    idle,
		Auth: mw.AuthConfig{
			Verifier:  verifier,
			APISecret: cfg.Auth.APISecret,
			Logger:    logger,
		},
		AuthEnabled:        cfg.Auth.Enabled(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RequestTimeout:     cfg.RequestTimeout,
		Logger:             logger,
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if config.Watch(v, logger, func(next *config.Config) {
		logging.SetLevel(next.LogLevel)
		if err := broker.Reconfigure(ctx, next); err != nil {
			logger.Warn("config reload applied with errors", "error", err)
		}
	}) {
		logger.Info("watching config file", "file", v.ConfigFileUsed())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return broker.Manager.RunBalanceRefresher(gctx, cfg.Balance.RefreshInterval)
	})
	g.Go(func() error {
		return idle.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server forced to shutdown", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, shutdown.ErrIdle) {
		logger.Info("server stopped after idle timeout")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
