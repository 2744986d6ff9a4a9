// Package csrf issues and validates the one-time double-submit tokens used by
// browser-initiated authorization attempts.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultTTL bounds how long an issued token stays redeemable.
const DefaultTTL = 15 * time.Minute

// TokenStore persists issued tokens keyed by token value. Consume must be
// atomic: a token is returned to exactly one caller.
type TokenStore interface {
	Save(ctx context.Context, token, sessionID string, ttl time.Duration) error
	Consume(ctx context.Context, token string) (sessionID string, ok bool, err error)
}

// Guard issues one-time CSRF tokens bound to the requesting session.
type Guard struct {
	store TokenStore
	ttl   time.Duration
}

// NewGuard constructs a Guard. ttl <= 0 falls back to DefaultTTL.
func NewGuard(store TokenStore, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// Issue mints a random token bound to sessionID.
func (g *Guard) Issue(ctx context.Context, sessionID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	if err := g.store.Save(ctx, token, sessionID, g.ttl); err != nil {
		return "", fmt.Errorf("persist csrf token: %w", err)
	}
	return token, nil
}

// Validate consumes the token and checks the session binding. Expired,
// unknown, or already-consumed tokens fail closed.
func (g *Guard) Validate(ctx context.Context, token, sessionID string) (bool, error) {
	if token == "" || sessionID == "" {
		return false, nil
	}
	bound, ok, err := g.store.Consume(ctx, token)
	if err != nil {
		return false, fmt.Errorf("consume csrf token: %w", err)
	}
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(sessionID)) == 1, nil
}
