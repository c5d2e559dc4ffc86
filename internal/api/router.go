// Package api assembles the broker's HTTP surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/jmylchreest/captcha-broker/internal/api/handlers"
	"github.com/jmylchreest/captcha-broker/internal/auth"
	"github.com/jmylchreest/captcha-broker/internal/http/mw"
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/shutdown"
	"github.com/jmylchreest/captcha-broker/internal/version"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// Deps are the collaborators the router serves.
type Deps struct {
	Manager *orchestrator.Manager
	Pool    *worker.Pool
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Idle observes traffic when set.
	Idle *shutdown.IdleMonitor
	// Auth protects the /v1 routes when Enabled is true.
	Auth               mw.AuthConfig
	AuthEnabled        bool
	RateLimitPerMinute int
	RequestTimeout     time.Duration
	Logger             *slog.Logger
}

func humaConfig(docs bool) huma.Config {
	cfg := huma.DefaultConfig("Captcha Broker", version.Get().Version)
	cfg.Info.Description = "Solves captchas through a prioritized pool of third-party solving services"
	if !docs {
		cfg.OpenAPIPath = ""
		cfg.DocsPath = ""
		cfg.SchemasPath = ""
	}
	return cfg
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLog(d.Logger))
	if d.Idle != nil {
		r.Use(d.Idle.Middleware)
	}
	r.Use(middleware.Recoverer)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mw.HeaderSignature, mw.HeaderTimestamp, mw.HeaderSubject, mw.HeaderScopes},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	public := humachi.New(r, humaConfig(true))
	handlers.RegisterHealth(public, handlers.NewHealthHandler(d.Pool, d.Manager))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	protect := func(g chi.Router, scope string) {
		if d.RateLimitPerMinute > 0 {
			g.Use(httprate.LimitByIP(d.RateLimitPerMinute, time.Minute))
		}
		if d.AuthEnabled {
			g.Use(mw.Auth(d.Auth))
			g.Use(mw.RequireScope(scope))
		}
	}

	r.Group(func(g chi.Router) {
		protect(g, auth.ScopeSolve)
		handlers.RegisterSolve(humachi.New(g, humaConfig(false)), handlers.NewSolveHandler(d.Manager, d.Logger))
	})

	r.Group(func(g chi.Router) {
		protect(g, auth.ScopeAdmin)
		handlers.RegisterAdmin(humachi.New(g, humaConfig(false)), handlers.NewAdminHandler(d.Manager, d.Pool, d.Logger))
	})

	if d.AuthEnabled {
		d.Logger.Info("authentication middleware enabled",
			"has_api_secret", d.Auth.APISecret != "",
			"has_token_verifier", d.Auth.Verifier != nil,
		)
	} else {
		d.Logger.Warn("no authentication configured - service is unprotected")
	}

	return r
}
