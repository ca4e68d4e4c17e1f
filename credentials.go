package pomi

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials supplies the bearer token used for REST calls and the
// realtime handshake. Tokens are obtained and persisted elsewhere; an
// implementation may return a different token on each call.
type Credentials interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// TokenHolder is a Credentials whose token can be swapped at runtime,
// e.g. after a login flow completes.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHolder returns a holder seeded with token.
func NewTokenHolder(token string) *TokenHolder {
	return &TokenHolder{token: token}
}

func (h *TokenHolder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// SetToken replaces the held token.
func (h *TokenHolder) SetToken(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}

// TokenClaims is the subset of JWT claims the client cares about.
type TokenClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry in the past.
func (c TokenClaims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// ParseTokenClaims reads the claims of a JWT without verifying its
// signature. Verification is the server's job; the client only uses the
// subject and expiry to pick an identity and skip doomed handshakes.
func ParseTokenClaims(token string) (TokenClaims, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return TokenClaims{}, fmt.Errorf("empty token")
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("parse token: %w", err)
	}
	out := TokenClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
