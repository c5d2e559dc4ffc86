package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/jmylchreest/captcha-broker/internal/challenge"
)

// ErrUnknownProvider is returned for operations naming a provider id that is not in
// the roster.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrNoStore is returned by SaveConfigs and LoadConfigs without a ConfigStore.
var ErrNoStore = errors.New("no configuration store")

// ErrNoChallenge is returned by SolvePage when the classifier finds no solvable
// widget.
var ErrNoChallenge = errors.New("no captcha found in page")

// NoProviderError is returned when no provider is eligible for a type.
type NoProviderError struct {
	Type challenge.Type
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no available provider for type %s", e.Type)
}

// ExhaustedError is returned when every eligible provider failed.
type ExhaustedError struct {
	Type      challenge.Type
	Attempted []string
	Last      error
	Causes    error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers failed for type %s (tried %s): %v",
		e.Type, strings.Join(e.Attempted, ", "), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Errors returns each provider's failure in attempt order.
func (e *ExhaustedError) Errors() []error { return multierr.Errors(e.Causes) }
