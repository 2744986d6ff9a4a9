package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/valora-gateway/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("repository: not found")

// ClientRepository exposes OAuth client registrations.
type ClientRepository interface {
	GetByClientID(ctx context.Context, clientID string) (domain.OAuthClient, error)
	Create(ctx context.Context, client domain.OAuthClient) (domain.OAuthClient, error)
}

// CodeRepository manages authorization codes keyed by digest.
type CodeRepository interface {
	CreateCode(ctx context.Context, code domain.AuthorizationCode) error
	// ConsumeCode atomically marks the code consumed and returns it. Exactly
	// one concurrent caller wins; the rest observe ErrNotFound.
	ConsumeCode(ctx context.Context, codeHash string, now time.Time) (domain.AuthorizationCode, error)
	GetByHash(ctx context.Context, codeHash string) (domain.AuthorizationCode, error)
}

// TokenRepository persists access and refresh tokens by digest.
type TokenRepository interface {
	CreateToken(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error)
	GetByHash(ctx context.Context, tokenHash string) (domain.OAuthToken, error)
	GetByID(ctx context.Context, tokenID int64) (domain.OAuthToken, error)
	// GetRootByCodeID finds the refresh token minted directly from a code.
	GetRootByCodeID(ctx context.Context, codeID int64) (domain.OAuthToken, error)
	// Rotate revokes the old refresh token and inserts the replacement pair in
	// one transaction, revoke first so a crash leaves the old token dead.
	Rotate(ctx context.Context, oldTokenID int64, newRefresh, newAccess domain.OAuthToken) (refresh domain.OAuthToken, access domain.OAuthToken, err error)
	RevokeToken(ctx context.Context, tokenID int64) error
	// RevokeChain revokes the token and every descendant linked through
	// parent_token_id. Returns the number of tokens revoked.
	RevokeChain(ctx context.Context, rootTokenID int64) (int64, error)
}

// SessionRepository persists legacy sessions by token digest.
type SessionRepository interface {
	CreateSession(ctx context.Context, session domain.LegacySession) (domain.LegacySession, error)
	GetByHash(ctx context.Context, tokenHash string) (domain.LegacySession, error)
	ExtendSession(ctx context.Context, sessionID int64, expiresAt time.Time) error
	RevokeSession(ctx context.Context, sessionID int64) error
}

// VendorRepository exposes vendor organizations, API keys, and usage records.
type VendorRepository interface {
	GetKeyByID(ctx context.Context, keyID string) (domain.VendorAPIKey, error)
	GetOrg(ctx context.Context, orgID int64) (domain.VendorOrganization, error)
	InsertUsage(ctx context.Context, record domain.UsageRecord) error
}

// AuditRepository appends authorization decisions. Rows are never updated or
// deleted by the application.
type AuditRepository interface {
	InsertEvent(ctx context.Context, event domain.AuditEvent) error
}
