// Package solver provides the provider wire-protocol adapters used to solve CAPTCHAs.
package solver

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
)

// Solver is implemented by each protocol adapter. One Solver instance serves one
// provider; the API key travels with every call so that the runtime can change it.
type Solver interface {
	// Descriptor returns the static provider description.
	Descriptor() Descriptor

	// Submit creates a task and returns the provider's task id.
	Submit(ctx context.Context, req SolveRequest) (string, error)

	// Poll checks a task once.
	Poll(ctx context.Context, apiKey, taskID string) (PollResult, error)

	// Solve submits and polls until a token is available or polling gives up.
	Solve(ctx context.Context, req SolveRequest) (*SolveResult, error)

	// Balance fetches the account balance for apiKey.
	Balance(ctx context.Context, apiKey string) (float64, error)
}

// Protocol identifies a provider wire-protocol family.
type Protocol string

const (
	// ProtocolTaskJSON is the createTask/getTaskResult JSON protocol.
	ProtocolTaskJSON Protocol = "task-json"
	// ProtocolFormPoll is the in.php/res.php form protocol.
	ProtocolFormPoll Protocol = "form-poll"
)

// Descriptor is the compiled-in description of a provider.
type Descriptor struct {
	ID             string           `json:"id"`
	DisplayName    string           `json:"displayName"`
	Protocol       Protocol         `json:"protocol"`
	BaseURL        string           `json:"baseUrl"`
	SupportedTypes []challenge.Type `json:"supportedTypes"`
	KeyMinLength   int              `json:"keyMinLength"`
}

// Supports reports whether the provider handles t.
func (d Descriptor) Supports(t challenge.Type) bool {
	return slices.Contains(d.SupportedTypes, t)
}

// ValidKey applies the provider's key-format rule.
func (d Descriptor) ValidKey(apiKey string) bool {
	return ValidateKey(apiKey, d.KeyMinLength)
}

// SolveRequest is one logical solve. It is treated as immutable; use WithAPIKey to
// derive the per-provider copy.
type SolveRequest struct {
	APIKey  string            `json:"-"`
	Type    challenge.Type    `json:"type"`
	SiteKey string            `json:"siteKey"`
	PageURL string            `json:"pageUrl"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// WithAPIKey returns a copy of r carrying apiKey.
func (r SolveRequest) WithAPIKey(apiKey string) SolveRequest {
	out := r
	out.APIKey = apiKey
	out.Extra = maps.Clone(r.Extra)
	return out
}

// Param returns an extra parameter and whether it was present.
func (r SolveRequest) Param(key string) (string, bool) {
	if r.Extra == nil {
		return "", false
	}
	v, ok := r.Extra[key]
	return v, ok
}

// PollResult is the outcome of one poll.
type PollResult struct {
	Ready bool
	Token string
}

// SolveResult contains the result of a successful solve.
type SolveResult struct {
	Token    string        `json:"token"`
	Provider string        `json:"provider"`
	TaskID   string        `json:"taskId"`
	Duration time.Duration `json:"duration"`
	Polls    int           `json:"polls"`
}

// Kind classifies solver failures.
type Kind int

const (
	// KindUnknown is an unclassified failure.
	KindUnknown Kind = iota
	// KindConfig is a missing or malformed API key, detected before any I/O.
	KindConfig
	// KindUnsupported means the provider has no mapping for the requested type.
	KindUnsupported
	// KindTransport covers network failures and non-2xx responses.
	KindTransport
	// KindProvider is an error reported by the remote service.
	KindProvider
	// KindNoToken means the task was ready but no token field was recognized.
	KindNoToken
	// KindTimeout means polling or the task ceiling ran out.
	KindTimeout
	// KindCancelled means the caller interrupted the attempt.
	KindCancelled
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindConfig:      "config",
	KindUnsupported: "unsupported",
	KindTransport:   "transport",
	KindProvider:    "provider",
	KindNoToken:     "no_token",
	KindTimeout:     "timeout",
	KindCancelled:   "cancelled",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Errors
var (
	ErrInvalidKey  = &SolverError{Kind: KindConfig, Message: "invalid api key format"}
	ErrUnsupported = &SolverError{Kind: KindUnsupported, Message: "unsupported captcha type"}
	ErrTransport   = &SolverError{Kind: KindTransport, Message: "transport failure"}
	ErrProvider    = &SolverError{Kind: KindProvider, Message: "provider error"}
	ErrNoToken     = &SolverError{Kind: KindNoToken, Message: "no token in solution"}
	ErrTimeout     = &SolverError{Kind: KindTimeout, Message: "solver timeout"}
	ErrCancelled   = &SolverError{Kind: KindCancelled, Message: "solve interrupted"}
)

// SolverError represents a solver error.
type SolverError struct {
	Kind     Kind
	Provider string
	Message  string
	Cause    error
}

func (e *SolverError) Error() string {
	msg := e.Message
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *SolverError) Unwrap() error {
	return e.Cause
}

// Is matches the package sentinels by kind, so errors.Is(err, ErrTimeout) holds for
// any timeout raised by any provider.
func (e *SolverError) Is(target error) bool {
	t, ok := target.(*SolverError)
	if !ok {
		return false
	}
	return t.Provider == "" && t.Cause == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first SolverError in err's chain.
func KindOf(err error) Kind {
	var se *SolverError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindUnknown
}

// Retryable reports whether err may succeed when the same provider is tried again.
// Only transport failures and timeouts qualify; provider-reported and configuration
// errors are terminal for the provider.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout:
		return true
	default:
		return false
	}
}

func newError(kind Kind, provider, msg string, cause error) *SolverError {
	return &SolverError{Kind: kind, Provider: provider, Message: msg, Cause: cause}
}
