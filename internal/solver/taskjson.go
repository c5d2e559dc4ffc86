package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// solutionFields are tried in order when extracting a token from a ready solution.
var solutionFields = []string{"gRecaptchaResponse", "token", "text"}

// TaskJSON implements Solver for createTask/getTaskResult providers.
type TaskJSON struct {
	desc      Descriptor
	tasks     TaskTable
	transport Transport
	poll      PollConfig
	logger    *slog.Logger
}

// NewTaskJSON creates a Task-JSON adapter for desc using the given task table.
func NewTaskJSON(desc Descriptor, tasks TaskTable, transport Transport, poll PollConfig, logger *slog.Logger) *TaskJSON {
	if logger == nil {
		logger = slog.Default()
	}
	desc.Protocol = ProtocolTaskJSON
	desc.SupportedTypes = tasks.types()
	return &TaskJSON{
		desc:      desc,
		tasks:     tasks,
		transport: transport,
		poll:      poll.withDefaults(),
		logger:    logger.With("component", "solver", "provider", desc.ID),
	}
}

// Descriptor implements Solver.
func (s *TaskJSON) Descriptor() Descriptor {
	return s.desc
}

type taskResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         json.RawMessage `json:"solution"`
	Balance          *float64        `json:"balance"`
}

func (r *taskResponse) err(provider, op string) error {
	if r.ErrorID == 0 {
		return nil
	}
	desc := r.ErrorDescription
	if desc == "" {
		desc = fmt.Sprintf("Unknown error (errorId=%d)", r.ErrorID)
	}
	return newError(KindProvider, provider, op+": "+desc, nil)
}

// Submit implements Solver.
func (s *TaskJSON) Submit(ctx context.Context, req SolveRequest) (string, error) {
	task, ok := s.tasks.build(req)
	if !ok {
		return "", newError(KindUnsupported, s.desc.ID, fmt.Sprintf("unsupported captcha type: %s", req.Type), nil)
	}

	var resp taskResponse
	if err := s.call(ctx, "createTask", map[string]any{
		"clientKey": req.APIKey,
		"task":      task,
	}, &resp); err != nil {
		return "", err
	}
	if err := resp.err(s.desc.ID, "Error creating task"); err != nil {
		return "", err
	}

	taskID := rawID(resp.TaskID)
	if taskID == "" || taskID == "0" {
		return "", newError(KindProvider, s.desc.ID, "no taskId in response", nil)
	}
	return taskID, nil
}

// Poll implements Solver.
func (s *TaskJSON) Poll(ctx context.Context, apiKey, taskID string) (PollResult, error) {
	var resp taskResponse
	if err := s.call(ctx, "getTaskResult", map[string]any{
		"clientKey": apiKey,
		"taskId":    taskIDValue(taskID),
	}, &resp); err != nil {
		return PollResult{}, err
	}
	if err := resp.err(s.desc.ID, "Error getting result"); err != nil {
		return PollResult{}, err
	}
	if resp.Status != "ready" {
		return PollResult{}, nil
	}

	token, err := extractToken(resp.Solution)
	if err != nil {
		return PollResult{}, newError(KindNoToken, s.desc.ID, err.Error(), nil)
	}
	return PollResult{Ready: true, Token: token}, nil
}

// Solve implements Solver.
func (s *TaskJSON) Solve(ctx context.Context, req SolveRequest) (*SolveResult, error) {
	if !s.desc.ValidKey(req.APIKey) {
		return nil, newError(KindConfig, s.desc.ID, "invalid api key format", nil)
	}
	start := time.Now()

	taskID, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("task created", "task_id", taskID, "type", req.Type)

	token, polls, err := waitForToken(ctx, s.poll, s.desc.ID, func(ctx context.Context) (PollResult, error) {
		return s.Poll(ctx, req.APIKey, taskID)
	})
	if err != nil {
		return nil, err
	}

	return &SolveResult{
		Token:    token,
		Provider: s.desc.ID,
		TaskID:   taskID,
		Duration: time.Since(start),
		Polls:    polls,
	}, nil
}

// Balance implements Solver.
func (s *TaskJSON) Balance(ctx context.Context, apiKey string) (float64, error) {
	var resp taskResponse
	if err := s.call(ctx, "getBalance", map[string]any{"clientKey": apiKey}, &resp); err != nil {
		return 0, err
	}
	if err := resp.err(s.desc.ID, "Error getting balance"); err != nil {
		return 0, err
	}
	if resp.Balance == nil {
		return 0, newError(KindProvider, s.desc.ID, "no balance in response", nil)
	}
	return *resp.Balance, nil
}

func (s *TaskJSON) call(ctx context.Context, method string, payload map[string]any, out *taskResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newError(KindUnknown, s.desc.ID, "encode "+method, err)
	}
	data, err := send(ctx, s.transport, s.desc.ID, http.MethodPost, s.desc.BaseURL+method, body, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindProvider, s.desc.ID,
			fmt.Sprintf("invalid %s response: %s", method, truncate(data, 200)), err)
	}
	return nil
}

// extractToken returns the first non-empty string among solutionFields.
func extractToken(solution json.RawMessage) (string, error) {
	if len(solution) == 0 || bytes.Equal(solution, []byte("null")) {
		return "", fmt.Errorf("no solution in response")
	}
	var fields map[string]any
	if err := json.Unmarshal(solution, &fields); err != nil {
		return "", fmt.Errorf("could not decode solution: %w", err)
	}
	for _, name := range solutionFields {
		if v, ok := fields[name].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("could not extract token from solution: %s", truncate(solution, 200))
}

// rawID renders a task id that may arrive as a JSON number or string.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if strings.HasPrefix(s, `"`) {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return s
}

// taskIDValue sends numeric ids back as numbers, which some providers require.
func taskIDValue(id string) any {
	if id != "" && strings.Trim(id, "0123456789") == "" {
		return json.Number(id)
	}
	return id
}
