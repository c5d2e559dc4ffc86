package solver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	formOKPrefix    = "OK|"
	formErrorPrefix = "ERROR"
	formNotReady    = "CAPCHA_NOT_READY"
)

// FormPoll implements Solver for in.php/res.php providers (2Captcha family).
type FormPoll struct {
	desc      Descriptor
	forms     FormTable
	transport Transport
	poll      PollConfig
	logger    *slog.Logger
}

// NewFormPoll creates a Form-Poll adapter for desc using the given form table.
func NewFormPoll(desc Descriptor, forms FormTable, transport Transport, poll PollConfig, logger *slog.Logger) *FormPoll {
	if logger == nil {
		logger = slog.Default()
	}
	desc.Protocol = ProtocolFormPoll
	desc.SupportedTypes = forms.types()
	return &FormPoll{
		desc:      desc,
		forms:     forms,
		transport: transport,
		poll:      poll.withDefaults(),
		logger:    logger.With("component", "solver", "provider", desc.ID),
	}
}

// Descriptor implements Solver.
func (f *FormPoll) Descriptor() Descriptor {
	return f.desc
}

// Submit implements Solver.
func (f *FormPoll) Submit(ctx context.Context, req SolveRequest) (string, error) {
	values, ok := f.forms.build(req)
	if !ok {
		return "", newError(KindUnsupported, f.desc.ID, fmt.Sprintf("unsupported captcha type: %s", req.Type), nil)
	}

	body, err := f.request(ctx, "in.php", values)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(body, formErrorPrefix) {
		return "", newError(KindProvider, f.desc.ID, "Error creating task: "+body, nil)
	}
	taskID, ok := strings.CutPrefix(body, formOKPrefix)
	if !ok || taskID == "" {
		return "", newError(KindProvider, f.desc.ID, "Invalid response format: "+body, nil)
	}
	return taskID, nil
}

// Poll implements Solver.
func (f *FormPoll) Poll(ctx context.Context, apiKey, taskID string) (PollResult, error) {
	body, err := f.request(ctx, "res.php", url.Values{
		"key":    {apiKey},
		"action": {"get"},
		"id":     {taskID},
	})
	if err != nil {
		return PollResult{}, err
	}

	switch {
	case body == formNotReady:
		return PollResult{}, nil
	case strings.HasPrefix(body, formErrorPrefix):
		return PollResult{}, newError(KindProvider, f.desc.ID, "Error getting result: "+body, nil)
	}

	token, ok := strings.CutPrefix(body, formOKPrefix)
	if !ok {
		return PollResult{}, newError(KindProvider, f.desc.ID, "Invalid result format: "+body, nil)
	}
	if token == "" {
		return PollResult{}, newError(KindNoToken, f.desc.ID, "empty token in result", nil)
	}
	return PollResult{Ready: true, Token: token}, nil
}

// Solve implements Solver.
func (f *FormPoll) Solve(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	if !f.desc.ValidKey(req.APIKey) {
		return nil, newError(KindConfig, f.desc.ID, "invalid api key format", nil)
	}
	start := time.Now()

	taskID, err := f.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("task created", "task_id", taskID, "type", req.Type)

	token, polls, err := waitForToken(ctx, f.poll, f.desc.ID, func(ctx context.Context) (PollResult, error) {
		return f.Poll(ctx, req.APIKey, taskID)
	})
	if err != nil {
		return nil, err
	}

	return &SolveResult{
		Token:    token,
		Provider: f.desc.ID,
		TaskID:   taskID,
		Duration: time.Since(start),
		Polls:    polls,
	}, nil
}

// Balance implements Solver.
func (f *FormPoll) Balance(ctx context.Context, apiKey string) (float64, error) {
	body, err := f.request(ctx, "res.php", url.Values{
		"key":    {apiKey},
		"action": {"getbalance"},
	})
	if err != nil {
		return 0, err
	}
	if strings.HasPrefix(body, formErrorPrefix) {
		return 0, newError(KindProvider, f.desc.ID, "Error getting balance: "+body, nil)
	}

	balance, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, newError(KindProvider, f.desc.ID, "Error parsing balance: "+body, err)
	}
	return balance, nil
}

// request posts form values to path and returns the trimmed body.
func (f *FormPoll) request(ctx context.Context, path string, values url.Values) (string, error) {
	data, err := send(ctx, f.transport, f.desc.ID, http.MethodPost, f.desc.BaseURL+path,
		[]byte(values.Encode()), map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
