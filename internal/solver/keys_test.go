package solver

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{"valid 32 char key", "0123456789abcdef0123456789ABCDEF", true},
		{"exactly ten", "abcdefghij", true},
		{"nine chars", "abcdefghi", false},
		{"empty", "", false},
		{"dash", "abcde-fghij", false},
		{"space", "abcde fghij", false},
		{"unicode", "abcdéfghijk", false},
		{"underscore", "abc_defghijk", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateKey(tt.key, DefaultKeyMinLength); got != tt.want {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestValidateKey_Pure(t *testing.T) {
	keys := []string{"0123456789abcdef", "short", "", "bad key with spaces"}
	for _, k := range keys {
		first := ValidateKey(k, DefaultKeyMinLength)
		for i := 0; i < 100; i++ {
			if got := ValidateKey(k, DefaultKeyMinLength); got != first {
				t.Fatalf("ValidateKey(%q) changed on call %d: %v -> %v", k, i, first, got)
			}
		}
	}
}

func TestValidateKey_ZeroMinUsesDefault(t *testing.T) {
	if ValidateKey("abcdefghi", 0) {
		t.Error("nine character key accepted with default minimum")
	}
	if !ValidateKey("abcdefghij", 0) {
		t.Error("ten character key rejected with default minimum")
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "(empty)"},
		{"abc", "••••••••"},
		{"abcdefgh", "••••••••"},
		{"abcdefghi", "abcd•fghi"},
		{"0123456789abcdef", "0123••••••••cdef"},
	}

	for _, tt := range tests {
		if got := MaskKey(tt.key); got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestSolverError_Is(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", newError(KindTimeout, "capsolver", "max polls", nil))

	if !errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is(err, ErrTimeout)")
	}
	if errors.Is(err, ErrProvider) {
		t.Error("timeout error should not match ErrProvider")
	}
	if KindOf(err) != KindTimeout {
		t.Errorf("KindOf = %v, want timeout", KindOf(err))
	}
}

func TestSolverError_Message(t *testing.T) {
	err := newError(KindTransport, "2captcha", "request failed", errors.New("connection refused"))
	want := "2captcha: request failed: connection refused"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"transport", newError(KindTransport, "x", "down", nil), true},
		{"timeout", newError(KindTimeout, "x", "slow", nil), true},
		{"deadline", context.DeadlineExceeded, true},
		{"provider", newError(KindProvider, "x", "ERROR_ZERO_BALANCE", nil), false},
		{"config", newError(KindConfig, "x", "bad key", nil), false},
		{"no token", newError(KindNoToken, "x", "empty", nil), false},
		{"cancelled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSolveRequest_WithAPIKey(t *testing.T) {
	orig := SolveRequest{SiteKey: "site", Extra: map[string]string{"action": "login"}}
	cp := orig.WithAPIKey("key1234567890")
	cp.Extra["action"] = "changed"

	if orig.APIKey != "" {
		t.Error("original request was modified")
	}
	if orig.Extra["action"] != "login" {
		t.Error("extra map shared between copies")
	}
	if cp.APIKey != "key1234567890" {
		t.Errorf("APIKey = %q", cp.APIKey)
	}
}
