// Package auth issues and verifies the broker's service tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"
)

// Scopes granted by service tokens.
const (
	ScopeSolve = "solve"
	ScopeAdmin = "admin"
	ScopeAll   = "*"
)

// DefaultIssuer is stamped into tokens minted by the broker.
const DefaultIssuer = "captcha-broker"

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrMissingClaims = errors.New("missing required claims")
	ErrNoSecret      = errors.New("token secret not configured")
)

// ServiceClaims represents the claims in a broker service token.
type ServiceClaims struct {
	jwt.RegisteredClaims
	// Scopes is a space separated scope list, e.g. "solve admin".
	Scopes string `json:"scope,omitempty"`
}

// GetScopes returns the scopes as a slice.
func (c *ServiceClaims) GetScopes() []string {
	return ParseScopes(c.Scopes)
}

// ParseScopes splits a scope list on commas and whitespace.
func ParseScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// Verifier validates HS256 service tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer accepts tokens from any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		now:    time.Now,
	}
}

// VerifyToken verifies a service token and returns the claims.
func (v *Verifier) VerifyToken(tokenString string) (*ServiceClaims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNoSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &ServiceClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}

	return claims, nil
}

// Issue mints a token for subject carrying scopes. A zero ttl yields a token
// without expiry.
func (v *Verifier) Issue(subject string, scopes []string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNoSecret
	}
	if subject == "" {
		return "", ErrMissingClaims
	}

	now := v.now()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       ulid.Make().String(),
			Issuer:   v.issuer,
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Scopes: strings.Join(slices.Compact(slices.Sorted(slices.Values(scopes))), " "),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ContextKey is a type for context keys.
type ContextKey string

const (
	// ServiceClaimsKey is the context key for verified token claims.
	ServiceClaimsKey ContextKey = "service_claims"
)

// GetClaimsFromContext retrieves service claims from context.
func GetClaimsFromContext(ctx context.Context) *ServiceClaims {
	claims, ok := ctx.Value(ServiceClaimsKey).(*ServiceClaims)
	if !ok {
		return nil
	}
	return claims
}
