package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/captcha-broker/internal/models"
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// AdminHandler serves provider management and broker statistics.
type AdminHandler struct {
	manager *orchestrator.Manager
	pool    *worker.Pool
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(manager *orchestrator.Manager, pool *worker.Pool, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{manager: manager, pool: pool, logger: logger.With("component", "admin")}
}

func (h *AdminHandler) info(s *provider.Service) models.ProviderInfo {
	return models.ProviderInfo{
		Snapshot: s.Snapshot(),
		Breaker:  h.manager.Selector().CircuitBreaker(s.ID()).Stats(),
	}
}

func (h *AdminHandler) service(id string) (*provider.Service, error) {
	s, err := h.manager.Service(id)
	if err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	return s, nil
}

// ListProviders returns every provider, best priority first. Expired balances
// are refreshed in the background; the response carries the cached values.
func (h *AdminHandler) ListProviders(ctx context.Context) *models.ProvidersResponse {
	services := h.manager.Services()
	out := make([]models.ProviderInfo, 0, len(services))
	for _, s := range services {
		if s.IsConfigured() {
			s.RefreshBalance()
		}
		out = append(out, h.info(s))
	}
	return &models.ProvidersResponse{Providers: out}
}

// GetProvider returns one provider.
func (h *AdminHandler) GetProvider(ctx context.Context, id string) (*models.ProviderInfo, error) {
	s, err := h.service(id)
	if err != nil {
		return nil, err
	}
	info := h.info(s)
	return &info, nil
}

// UpdateProvider merges upd into the provider's configuration and optionally
// persists every configuration.
func (h *AdminHandler) UpdateProvider(ctx context.Context, id string, upd *models.ProviderUpdate) (*models.ProviderInfo, error) {
	s, err := h.service(id)
	if err != nil {
		return nil, err
	}

	cfg := s.Config()
	if upd.APIKey != nil {
		cfg.APIKey = *upd.APIKey
	}
	if upd.Enabled != nil {
		cfg.Enabled = *upd.Enabled
	}
	if upd.Priority != nil {
		cfg.Priority = *upd.Priority
	}
	if err := h.manager.UpdateConfig(id, cfg); err != nil {
		return nil, huma.Error500InternalServerError(err.Error())
	}

	if upd.Persist {
		if err := h.manager.SaveConfigs(ctx); err != nil {
			return nil, storeError(err)
		}
	}

	info := h.info(s)
	return &info, nil
}

// RefreshBalance starts a balance refresh for one provider, bypassing the cache.
func (h *AdminHandler) RefreshBalance(ctx context.Context, id string) (*models.ProviderInfo, error) {
	s, err := h.service(id)
	if err != nil {
		return nil, err
	}
	if !s.IsConfigured() {
		return nil, huma.Error409Conflict("provider " + id + " is not configured")
	}
	s.ForceRefreshBalance()
	info := h.info(s)
	return &info, nil
}

// ResetStatistics clears one provider's statistics.
func (h *AdminHandler) ResetStatistics(ctx context.Context, id string) (*models.ActionResponse, error) {
	if err := h.manager.ResetStatistics(id); err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	return models.NewActionResponse("statistics reset for "+id, 1), nil
}

// ResetBreaker closes one provider's circuit.
func (h *AdminHandler) ResetBreaker(ctx context.Context, id string) (*models.ActionResponse, error) {
	if err := h.manager.ResetBreaker(id); err != nil {
		return nil, huma.Error404NotFound(err.Error())
	}
	h.logger.Info("circuit breaker reset", "provider", id)
	return models.NewActionResponse("circuit closed for "+id, 1), nil
}

// RefreshBalances starts a refresh for every configured provider.
func (h *AdminHandler) RefreshBalances(ctx context.Context) *models.ActionResponse {
	n := h.manager.RefreshAllBalances()
	return models.NewActionResponse("balance refresh started", n)
}

// SaveConfigs persists every provider configuration.
func (h *AdminHandler) SaveConfigs(ctx context.Context) (*models.ActionResponse, error) {
	if err := h.manager.SaveConfigs(ctx); err != nil {
		return nil, storeError(err)
	}
	return models.NewActionResponse("configurations saved", len(h.manager.Services())), nil
}

// LoadConfigs re-applies the persisted provider configurations.
func (h *AdminHandler) LoadConfigs(ctx context.Context) (*models.ActionResponse, error) {
	n, err := h.manager.LoadConfigs(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return models.NewActionResponse("configurations loaded", n), nil
}

// Stats returns aggregate solve statistics and the most recent solves.
func (h *AdminHandler) Stats(ctx context.Context, limit int) *models.StatsResponse {
	recent := h.manager.RecentSolves()
	if limit >= 0 && len(recent) > limit {
		recent = recent[:limit]
	}

	perProvider := make(map[string]provider.StatsSnapshot)
	for _, s := range h.manager.Services() {
		perProvider[s.ID()] = s.Statistics().Snapshot()
	}

	return &models.StatsResponse{
		Solves:    h.manager.Stats(),
		Recent:    recent,
		Pool:      h.pool.Stats(),
		Breakers:  h.manager.Selector().Breakers(),
		Providers: perProvider,
	}
}

// ResetAllStatistics clears every provider's statistics and the solve history.
func (h *AdminHandler) ResetAllStatistics(ctx context.Context) *models.ActionResponse {
	_ = h.manager.ResetStatistics("")
	return models.NewActionResponse("all statistics reset", len(h.manager.Services()))
}

// CancelTasks cancels every queued and running task.
func (h *AdminHandler) CancelTasks(ctx context.Context) *models.ActionResponse {
	n := h.pool.CancelAll()
	h.logger.Warn("all tasks cancelled", "count", n)
	return models.NewActionResponse("tasks cancelled", n)
}

func storeError(err error) error {
	if errors.Is(err, orchestrator.ErrNoStore) {
		return huma.Error501NotImplemented(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
