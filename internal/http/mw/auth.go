// Package mw contains HTTP middleware for the captcha broker.
package mw

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/captcha-broker/internal/auth"
	"github.com/jmylchreest/captcha-broker/internal/logging"
)

// Signed header names.
const (
	HeaderSignature = "X-Broker-Signature"
	HeaderTimestamp = "X-Broker-Timestamp"
	HeaderSubject   = "X-Broker-Subject"
	HeaderScopes    = "X-Broker-Scopes"
)

// maxSkew bounds the age of a signed request.
const maxSkew = 5 * time.Minute

// ContextKey is a type for context keys.
type ContextKey string

const (
	// CallerKey is the context key for the authenticated caller.
	CallerKey ContextKey = "caller"
)

// Caller represents the authenticated caller from any auth source.
type Caller struct {
	Subject string
	Scopes  []string
	Source  string // "signature" or "token"
}

// HasScope checks if the caller holds scope. The "*" scope grants everything.
func (c *Caller) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Scopes, auth.ScopeAll) || slices.Contains(c.Scopes, scope)
}

// GetCaller retrieves the caller from context.
func GetCaller(ctx context.Context) *Caller {
	caller, ok := ctx.Value(CallerKey).(*Caller)
	if !ok {
		return nil
	}
	return caller
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Verifier validates bearer service tokens (optional)
	Verifier *auth.Verifier

	// APISecret validates X-Broker-* signed headers (optional)
	APISecret string

	// Logger for auth events
	Logger *slog.Logger
}

// Auth returns authentication middleware that supports:
// 1. HMAC signed headers (if APISecret is set)
// 2. Bearer service tokens (if Verifier is set)
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.APISecret != "" {
				caller, err := validateSignedHeaders(r, cfg.APISecret, time.Now())
				if err != nil {
					if cfg.Logger != nil {
						cfg.Logger.Debug("signed header validation failed", "error", err)
					}
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				if caller != nil {
					next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
					return
				}
			}

			if cfg.Verifier != nil {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" {
					writeError(w, http.StatusUnauthorized, "missing authorization header")
					return
				}
				token := strings.TrimPrefix(authHeader, "Bearer ")

				claims, err := cfg.Verifier.VerifyToken(token)
				if err != nil {
					if cfg.Logger != nil {
						cfg.Logger.Debug("token validation failed", "error", err)
					}
					writeError(w, http.StatusUnauthorized, "invalid token")
					return
				}

				caller := &Caller{Subject: claims.Subject, Scopes: claims.GetScopes(), Source: "token"}
				ctx := context.WithValue(r.Context(), auth.ServiceClaimsKey, claims)
				next.ServeHTTP(w, r.WithContext(withCaller(ctx, caller)))
				return
			}

			writeError(w, http.StatusUnauthorized, "missing credentials")
		})
	}
}

func withCaller(ctx context.Context, caller *Caller) context.Context {
	ctx = context.WithValue(ctx, CallerKey, caller)
	return logging.WithSubject(ctx, caller.Subject)
}

// Sign computes the X-Broker-Signature value for the given header values.
func Sign(secret, timestamp, subject, scopes string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + ":" + subject + ":" + scopes))
	return hex.EncodeToString(mac.Sum(nil))
}

// validateSignedHeaders validates the X-Broker-* headers.
// Headers:
//   - X-Broker-Signature: HMAC-SHA256 of "timestamp:subject:scopes"
//   - X-Broker-Timestamp: Unix timestamp (for replay protection)
//   - X-Broker-Subject: caller identity
//   - X-Broker-Scopes: comma separated scopes
//
// It returns nil, nil when the request carries no signature.
func validateSignedHeaders(r *http.Request, secret string, now time.Time) (*Caller, error) {
	signature := r.Header.Get(HeaderSignature)
	timestamp := r.Header.Get(HeaderTimestamp)
	subject := r.Header.Get(HeaderSubject)

	if signature == "" || timestamp == "" || subject == "" {
		return nil, nil
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > maxSkew || age < -maxSkew {
		return nil, ErrTimestampExpired
	}

	scopes := r.Header.Get(HeaderScopes)
	expected := Sign(secret, timestamp, subject, scopes)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, ErrInvalidSignature
	}

	return &Caller{Subject: subject, Scopes: auth.ParseScopes(scopes), Source: "signature"}, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"title":  http.StatusText(status),
		"detail": message,
	})
}

// RequireScope returns middleware that requires a specific scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := GetCaller(r.Context())
			if caller == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !caller.HasScope(scope) {
				writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Errors
var (
	ErrTimestampExpired = &AuthError{Message: "timestamp expired"}
	ErrInvalidTimestamp = &AuthError{Message: "invalid timestamp"}
	ErrInvalidSignature = &AuthError{Message: "invalid signature"}
)

// AuthError represents an authentication error.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}
