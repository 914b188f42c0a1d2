// Package auth verifies upstream-issued JWT bearer tokens.
//
// Tokens are minted by the main budgeting backend and shared with this
// service through a common HMAC secret. This service only checks the
// signature and expiry; authorization decisions stay upstream. The verified
// raw token is retained in the request context so outbound calls to the
// backend can pass it through.
package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that fails signature, structure,
// or time-based validation.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// validMethods lists the HMAC algorithms the upstream issuer may use.
var validMethods = []string{"HS256", "HS384", "HS512"}

// Claims are the registered claims this service reads from upstream tokens.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates HMAC-signed JWTs against the shared secret.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// NewVerifier creates a Verifier from the configured secret string. The
// upstream issuer encodes its secret in base64; a secret that does not decode
// is used as raw bytes so local setups with plain-text secrets keep working.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: secret must not be empty")
	}
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}
	return &Verifier{secret: key, leeway: 30 * time.Second}, nil
}

// Verify parses and validates tokenStr, returning its claims.
// Any failure maps to [ErrInvalidToken] with the cause wrapped.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secret, nil
		},
		jwt.WithValidMethods(validMethods),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// contextKey is unexported to keep the context namespace private.
type contextKey struct{}

// WithToken returns a context carrying the verified raw bearer token.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKey{}, token)
}

// TokenFromContext returns the bearer token stored by WithToken, or "".
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(contextKey{}).(string)
	return token
}
