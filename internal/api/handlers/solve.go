// Package handlers provides HTTP handlers for the captcha broker API.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
	"github.com/jmylchreest/captcha-broker/internal/http/mw"
	"github.com/jmylchreest/captcha-broker/internal/logging"
	"github.com/jmylchreest/captcha-broker/internal/models"
	"github.com/jmylchreest/captcha-broker/internal/orchestrator"
	"github.com/jmylchreest/captcha-broker/internal/solver"
	"github.com/jmylchreest/captcha-broker/internal/version"
	"github.com/jmylchreest/captcha-broker/internal/worker"
)

// Solver is the part of the orchestrator the solve handler needs.
type Solver interface {
	Solve(ctx context.Context, req solver.SolveRequest) (*solver.SolveResult, error)
	SolveWith(ctx context.Context, providerID string, req solver.SolveRequest) (*solver.SolveResult, error)
}

// SolveHandler handles solve requests.
type SolveHandler struct {
	solver Solver
	logger *slog.Logger
}

// NewSolveHandler creates a new solve handler.
func NewSolveHandler(s Solver, logger *slog.Logger) *SolveHandler {
	return &SolveHandler{solver: s, logger: logger.With("component", "solve")}
}

// Handle processes a solve request.
func (h *SolveHandler) Handle(ctx context.Context, req *models.SolveRequest) (*models.SolveResponse, error) {
	logger := logging.FromContext(ctx, h.logger)

	captchaType, err := challenge.ParseType(req.Type)
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	if strings.TrimSpace(req.SiteKey) == "" || strings.TrimSpace(req.PageURL) == "" {
		return nil, huma.Error400BadRequest("siteKey and pageUrl are required")
	}

	subject := ""
	if caller := mw.GetCaller(ctx); caller != nil {
		subject = caller.Subject
	}
	logger.Info("solve request received",
		"caller", subject,
		"type", captchaType,
		"page_url", req.PageURL,
		"provider", req.Provider,
	)

	sreq := solver.SolveRequest{
		Type:    captchaType,
		SiteKey: req.SiteKey,
		PageURL: req.PageURL,
		Extra:   req.Extra,
	}

	var res *solver.SolveResult
	if req.Provider != "" {
		res, err = h.solver.SolveWith(ctx, req.Provider, sreq)
	} else {
		res, err = h.solver.Solve(ctx, sreq)
	}
	if err != nil {
		logger.Warn("solve failed", "type", captchaType, "error", err)
		return nil, SolveError(err)
	}

	return models.NewSolveResponse(res, string(captchaType), version.Get().Version, logging.GetRequestID(ctx)), nil
}

// SolveError maps a solve failure to an HTTP status error.
func SolveError(err error) error {
	var (
		noProvider *orchestrator.NoProviderError
		exhausted  *orchestrator.ExhaustedError
	)
	switch {
	case errors.Is(err, orchestrator.ErrUnknownProvider):
		return huma.Error404NotFound(err.Error())
	case errors.As(err, &noProvider):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, worker.ErrPoolFull), errors.Is(err, worker.ErrQueueFull):
		return huma.Error429TooManyRequests(err.Error())
	case errors.Is(err, worker.ErrPoolClosed), errors.Is(err, worker.ErrQueueClosed):
		return huma.Error503ServiceUnavailable(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout(err.Error())
	case errors.Is(err, context.Canceled):
		return huma.NewError(499, err.Error())
	case errors.As(err, &exhausted):
		switch solver.KindOf(exhausted.Last) {
		case solver.KindConfig, solver.KindUnsupported:
			return huma.Error400BadRequest(err.Error(), exhausted.Errors()...)
		case solver.KindTimeout:
			return huma.Error504GatewayTimeout(err.Error(), exhausted.Errors()...)
		}
		return huma.Error422UnprocessableEntity(err.Error(), exhausted.Errors()...)
	}
	return huma.Error500InternalServerError(err.Error())
}
