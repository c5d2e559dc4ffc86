package handlers

import (
	"context"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/models"
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/version"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	pool    *worker.Pool
	manager *orchestrator.Manager
	started time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(pool *worker.Pool, manager *orchestrator.Manager) *HealthHandler {
	return &HealthHandler{pool: pool, manager: manager, started: time.Now()}
}

// Handle returns the health status. The broker reports "degraded" when no
// provider can take work or the load window is over its threshold.
func (h *HealthHandler) Handle(ctx context.Context) *models.HealthResponse {
	stats := h.pool.Stats()

	configured := 0
	for _, s := range h.manager.Services() {
		if s.Enabled() && s.IsConfigured() {
			configured++
		}
	}

	status := "healthy"
	if configured == 0 || stats.HighLoad {
		status = "degraded"
	}

	return &models.HealthResponse{
		Status:              status,
		Version:             version.Get().Version,
		Pool:                stats,
		ConfiguredProviders: configured,
		Uptime:              int64(time.Since(h.started).Seconds()),
	}
}
