package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/captcha-broker/internal/models"
)

// RegisterHealth registers the unauthenticated health endpoint.
func RegisterHealth(api huma.API, h *HealthHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns health status, pool statistics and load",
		Tags:        []string{"Health"},
	}, func(ctx context.Context, input *struct{}) (*models.HumaHealthResponse, error) {
		return &models.HumaHealthResponse{Body: *h.Handle(ctx)}, nil
	})
}

// RegisterSolve registers the solve endpoint.
func RegisterSolve(api huma.API, h *SolveHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "solve",
		Method:      http.MethodPost,
		Path:        "/v1/solve",
		Summary:     "Solve a captcha",
		Description: "Tries eligible providers best first and returns the first token obtained",
		Tags:        []string{"Solve"},
	}, func(ctx context.Context, input *models.HumaSolveRequest) (*models.HumaSolveResponse, error) {
		resp, err := h.Handle(ctx, &input.Body)
		if err != nil {
			return nil, err
		}
		return &models.HumaSolveResponse{Body: *resp}, nil
	})
}

// RegisterAdmin registers provider management and statistics endpoints.
func RegisterAdmin(api huma.API, h *AdminHandler) {
	tags := []string{"Providers"}

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/v1/providers",
		Summary:     "List providers",
		Tags:        tags,
	}, func(ctx context.Context, input *struct{}) (*models.HumaProvidersResponse, error) {
		return &models.HumaProvidersResponse{Body: *h.ListProviders(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provider",
		Method:      http.MethodGet,
		Path:        "/v1/providers/{id}",
		Summary:     "Get a provider",
		Tags:        tags,
	}, func(ctx context.Context, input *models.ProviderPath) (*models.HumaProviderResponse, error) {
		info, err := h.GetProvider(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &models.HumaProviderResponse{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-provider",
		Method:      http.MethodPut,
		Path:        "/v1/providers/{id}",
		Summary:     "Update a provider's key, enabled flag or priority",
		Tags:        tags,
	}, func(ctx context.Context, input *models.HumaProviderUpdateRequest) (*models.HumaProviderResponse, error) {
		info, err := h.UpdateProvider(ctx, input.ID, &input.Body)
		if err != nil {
			return nil, err
		}
		return &models.HumaProviderResponse{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-provider-balance",
		Method:      http.MethodPost,
		Path:        "/v1/providers/{id}/balance",
		Summary:     "Refresh a provider's balance",
		Tags:        tags,
	}, func(ctx context.Context, input *models.ProviderPath) (*models.HumaProviderResponse, error) {
		info, err := h.RefreshBalance(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &models.HumaProviderResponse{Body: *info}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-provider-stats",
		Method:      http.MethodPost,
		Path:        "/v1/providers/{id}/stats/reset",
		Summary:     "Reset a provider's statistics",
		Tags:        tags,
	}, func(ctx context.Context, input *models.ProviderPath) (*models.HumaActionResponse, error) {
		resp, err := h.ResetStatistics(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &models.HumaActionResponse{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-provider-breaker",
		Method:      http.MethodPost,
		Path:        "/v1/providers/{id}/breaker/reset",
		Summary:     "Close a provider's circuit",
		Tags:        tags,
	}, func(ctx context.Context, input *models.ProviderPath) (*models.HumaActionResponse, error) {
		resp, err := h.ResetBreaker(ctx, input.ID)
		if err != nil {
			return nil, err
		}
		return &models.HumaActionResponse{Body: *resp}, nil
	})

	admin := []string{"Admin"}

	huma.Register(api, huma.Operation{
		OperationID: "refresh-balances",
		Method:      http.MethodPost,
		Path:        "/v1/balances/refresh",
		Summary:     "Refresh every configured provider's balance",
		Tags:        admin,
	}, func(ctx context.Context, input *struct{}) (*models.HumaActionResponse, error) {
		return &models.HumaActionResponse{Body: *h.RefreshBalances(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-configs",
		Method:      http.MethodPost,
		Path:        "/v1/configs/save",
		Summary:     "Persist provider configurations",
		Tags:        admin,
	}, func(ctx context.Context, input *struct{}) (*models.HumaActionResponse, error) {
		resp, err := h.SaveConfigs(ctx)
		if err != nil {
			return nil, err
		}
		return &models.HumaActionResponse{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "load-configs",
		Method:      http.MethodPost,
		Path:        "/v1/configs/load",
		Summary:     "Re-apply persisted provider configurations",
		Tags:        admin,
	}, func(ctx context.Context, input *struct{}) (*models.HumaActionResponse, error) {
		resp, err := h.LoadConfigs(ctx)
		if err != nil {
			return nil, err
		}
		return &models.HumaActionResponse{Body: *resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/v1/stats",
		Summary:     "Solve statistics and recent solves",
		Tags:        admin,
	}, func(ctx context.Context, input *models.RecentQuery) (*models.HumaStatsResponse, error) {
		return &models.HumaStatsResponse{Body: *h.Stats(ctx, input.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-stats",
		Method:      http.MethodPost,
		Path:        "/v1/stats/reset",
		Summary:     "Reset all statistics and the solve history",
		Tags:        admin,
	}, func(ctx context.Context, input *struct{}) (*models.HumaActionResponse, error) {
		return &models.HumaActionResponse{Body: *h.ResetAllStatistics(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-tasks",
		Method:      http.MethodPost,
		Path:        "/v1/tasks/cancel",
		Summary:     "Cancel every queued and running task",
		Tags:        admin,
	}, func(ctx context.Context, input *struct{}) (*models.HumaActionResponse, error) {
		return &models.HumaActionResponse{Body: *h.CancelTasks(ctx)}, nil
	})
}
