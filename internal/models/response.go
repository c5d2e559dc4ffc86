package models

import (
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/provider"
	"github.com/jmylchreest/captcha-broker/internal/selection"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// SolveResponse carries a solved token.
type SolveResponse struct {
	Status     string `json:"status"` // "ok"
	Token      string `json:"token"`
	Provider   string `json:"provider"`
	TaskID     string `json:"taskId,omitempty"`
	Type       string `json:"type"`
	DurationMS int64  `json:"durationMs"`
	Polls      int    `json:"polls"`
	RequestID  string `json:"requestId,omitempty"`
	Version    string `json:"version"`
}

// HumaSolveResponse wraps SolveResponse for Huma API.
type HumaSolveResponse struct {
	Body SolveResponse
}

// NewSolveResponse builds the success response for res.
func NewSolveResponse(res *solver.SolveResult, captchaType, version, requestID string) *SolveResponse {
	return &SolveResponse{
		Status:     "ok",
		Token:      res.Token,
		Provider:   res.Provider,
		TaskID:     res.TaskID,
		Type:       captchaType,
		DurationMS: res.Duration.Milliseconds(),
		Polls:      res.Polls,
		RequestID:  requestID,
		Version:    version,
	}
}

// ProviderInfo is a provider snapshot plus its circuit breaker state.
type ProviderInfo struct {
	provider.Snapshot
	Breaker selection.BreakerStats `json:"breaker"`
}

// HumaProviderResponse wraps ProviderInfo for Huma API.
type HumaProviderResponse struct {
	Body ProviderInfo
}

// ProvidersResponse lists every provider, best priority first.
type ProvidersResponse struct {
	Providers []ProviderInfo `json:"providers"`
}

// HumaProvidersResponse wraps ProvidersResponse for Huma API.
type HumaProvidersResponse struct {
	Body ProvidersResponse
}

// ActionResponse reports the outcome of an admin action.
type ActionResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Count   int    `json:"count,omitempty"`
}

// HumaActionResponse wraps ActionResponse for Huma API.
type HumaActionResponse struct {
	Body ActionResponse
}

// NewActionResponse creates a successful action response.
func NewActionResponse(message string, count int) *ActionResponse {
	return &ActionResponse{Status: "ok", Message: message, Count: count}
}

// StatsResponse aggregates broker activity.
type StatsResponse struct {
	Solves    orchestrator.Stats                `json:"solves"`
	Recent    []orchestrator.SolveRecord        `json:"recent"`
	Pool      worker.PoolStats                  `json:"pool"`
	Breakers  []selection.BreakerStats          `json:"breakers"`
	Providers map[string]provider.StatsSnapshot `json:"providers"`
}

// HumaStatsResponse wraps StatsResponse for Huma API.
type HumaStatsResponse struct {
	Body StatsResponse
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status              string           `json:"status"`
	Version             string           `json:"version"`
	Pool                worker.PoolStats `json:"pool"`
	ConfiguredProviders int              `json:"configuredProviders"`
	Uptime              int64            `json:"uptimeSeconds"`
}

// HumaHealthResponse wraps HealthResponse for Huma API.
type HumaHealthResponse struct {
	Body HealthResponse
}
