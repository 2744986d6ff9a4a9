package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-gateway/internal/domain"
)

// Compile-time interface assertions.
var (
	_ ClientRepository  = (*PostgresClientRepo)(nil)
	_ CodeRepository    = (*PostgresCodeRepo)(nil)
	_ TokenRepository   = (*PostgresTokenRepo)(nil)
	_ SessionRepository = (*PostgresSessionRepo)(nil)
	_ VendorRepository  = (*PostgresVendorRepo)(nil)
	_ AuditRepository   = (*PostgresAuditRepo)(nil)
)

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// PostgresClientRepo implements ClientRepository.
type PostgresClientRepo struct {
	db *pgxpool.Pool
}

func NewPostgresClientRepo(pool *pgxpool.Pool) *PostgresClientRepo {
	return &PostgresClientRepo{db: pool}
}

const getClientSQL = `
SELECT id, client_id, client_type, redirect_uris, allowed_scopes, requires_pkce, disabled, created_at, updated_at
FROM oauth_clients
WHERE client_id = $1
LIMIT 1`

func (r *PostgresClientRepo) GetByClientID(ctx context.Context, clientID string) (domain.OAuthClient, error) {
	var c domain.OAuthClient
	var clientType string
	if err := r.db.QueryRow(ctx, getClientSQL, clientID).Scan(
		&c.ID,
		&c.ClientID,
		&clientType,
		&c.RedirectURIs,
		&c.AllowedScopes,
		&c.RequiresPKCE,
		&c.Disabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return domain.OAuthClient{}, fmt.Errorf("get oauth client: %w", mapNoRows(err))
	}
	c.ClientType = domain.ClientType(clientType)
	return c, nil
}

const insertClientSQL = `
INSERT INTO oauth_clients (client_id, client_type, redirect_uris, allowed_scopes, requires_pkce, disabled)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (client_id) DO NOTHING
RETURNING id, client_id, client_type, redirect_uris, allowed_scopes, requires_pkce, disabled, created_at, updated_at`

func (r *PostgresClientRepo) Create(ctx context.Context, client domain.OAuthClient) (domain.OAuthClient, error) {
	var created domain.OAuthClient
	var clientType string
	err := r.db.QueryRow(ctx, insertClientSQL,
		client.ClientID,
		string(client.ClientType),
		client.RedirectURIs,
		client.AllowedScopes,
		client.RequiresPKCE,
		client.Disabled,
	).Scan(
		&created.ID,
		&created.ClientID,
		&clientType,
		&created.RedirectURIs,
		&created.AllowedScopes,
		&created.RequiresPKCE,
		&created.Disabled,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the client already exists.
		return r.GetByClientID(ctx, client.ClientID)
	}
	if err != nil {
		return domain.OAuthClient{}, fmt.Errorf("create oauth client: %w", err)
	}
	created.ClientType = domain.ClientType(clientType)
	return created, nil
}

// PostgresCodeRepo implements CodeRepository.
type PostgresCodeRepo struct {
	db *pgxpool.Pool
}

func NewPostgresCodeRepo(pool *pgxpool.Pool) *PostgresCodeRepo {
	return &PostgresCodeRepo{db: pool}
}

const insertCodeSQL = `
INSERT INTO oauth_codes (id, code_hash, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, scope, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *PostgresCodeRepo) CreateCode(ctx context.Context, code domain.AuthorizationCode) error {
	if _, err := r.db.Exec(ctx, insertCodeSQL,
		code.ID,
		code.CodeHash,
		code.ClientID,
		code.UserID,
		code.RedirectURI,
		code.CodeChallenge,
		code.CodeChallengeMethod,
		code.Scope,
		code.ExpiresAt,
	); err != nil {
		return fmt.Errorf("insert code: %w", err)
	}
	return nil
}

// Conditional update makes code consumption a test-and-set: two concurrent
// exchanges of the same code see exactly one row returned.
const consumeCodeSQL = `
UPDATE oauth_codes
SET consumed_at = $2
WHERE code_hash = $1 AND consumed_at IS NULL AND expires_at > $2
RETURNING id, code_hash, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, scope, expires_at, consumed_at, created_at`

func (r *PostgresCodeRepo) ConsumeCode(ctx context.Context, codeHash string, now time.Time) (domain.AuthorizationCode, error) {
	row := r.db.QueryRow(ctx, consumeCodeSQL, codeHash, now.UTC())
	code, err := scanCode(row)
	if err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("consume code: %w", mapNoRows(err))
	}
	return code, nil
}

const getCodeSQL = `
SELECT id, code_hash, client_id, user_id, redirect_uri, code_challenge, code_challenge_method, scope, expires_at, consumed_at, created_at
FROM oauth_codes
WHERE code_hash = $1
LIMIT 1`

func (r *PostgresCodeRepo) GetByHash(ctx context.Context, codeHash string) (domain.AuthorizationCode, error) {
	row := r.db.QueryRow(ctx, getCodeSQL, codeHash)
	code, err := scanCode(row)
	if err != nil {
		return domain.AuthorizationCode{}, fmt.Errorf("get code: %w", mapNoRows(err))
	}
	return code, nil
}

func scanCode(row pgx.Row) (domain.AuthorizationCode, error) {
	var c domain.AuthorizationCode
	if err := row.Scan(
		&c.ID,
		&c.CodeHash,
		&c.ClientID,
		&c.UserID,
		&c.RedirectURI,
		&c.CodeChallenge,
		&c.CodeChallengeMethod,
		&c.Scope,
		&c.ExpiresAt,
		&c.ConsumedAt,
		&c.CreatedAt,
	); err != nil {
		return domain.AuthorizationCode{}, err
	}
	return c, nil
}

// PostgresTokenRepo implements TokenRepository.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const insertTokenSQL = `
INSERT INTO oauth_tokens (id, token_hash, token_type, user_id, client_id, scope, parent_token_id, code_id, issued_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, token_hash, token_type, user_id, client_id, scope, parent_token_id, code_id, issued_at, expires_at, revoked_at`

func (r *PostgresTokenRepo) CreateToken(ctx context.Context, token domain.OAuthToken) (domain.OAuthToken, error) {
	row := r.db.QueryRow(ctx, insertTokenSQL,
		token.ID,
		token.TokenHash,
		string(token.TokenType),
		token.UserID,
		token.ClientID,
		token.Scope,
		token.ParentTokenID,
		token.CodeID,
		token.IssuedAt,
		token.ExpiresAt,
	)
	created, err := scanToken(row)
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("insert token: %w", err)
	}
	return created, nil
}

const getTokenByHashSQL = `
SELECT id, token_hash, token_type, user_id, client_id, scope, parent_token_id, code_id, issued_at, expires_at, revoked_at
FROM oauth_tokens
WHERE token_hash = $1
LIMIT 1`

func (r *PostgresTokenRepo) GetByHash(ctx context.Context, tokenHash string) (domain.OAuthToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx, getTokenByHashSQL, tokenHash))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("get token by hash: %w", mapNoRows(err))
	}
	return token, nil
}

const getTokenByIDSQL = `
SELECT id, token_hash, token_type, user_id, client_id, scope, parent_token_id, code_id, issued_at, expires_at, revoked_at
FROM oauth_tokens
WHERE id = $1
LIMIT 1`

func (r *PostgresTokenRepo) GetByID(ctx context.Context, tokenID int64) (domain.OAuthToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx, getTokenByIDSQL, tokenID))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("get token by id: %w", mapNoRows(err))
	}
	return token, nil
}

const getRootByCodeSQL = `
SELECT id, token_hash, token_type, user_id, client_id, scope, parent_token_id, code_id, issued_at, expires_at, revoked_at
FROM oauth_tokens
WHERE code_id = $1 AND token_type = 'refresh'
LIMIT 1`

func (r *PostgresTokenRepo) GetRootByCodeID(ctx context.Context, codeID int64) (domain.OAuthToken, error) {
	token, err := scanToken(r.db.QueryRow(ctx, getRootByCodeSQL, codeID))
	if err != nil {
		return domain.OAuthToken{}, fmt.Errorf("get token by code id: %w", mapNoRows(err))
	}
	return token, nil
}

const revokeTokenSQL = `
UPDATE oauth_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`

func (r *PostgresTokenRepo) Rotate(ctx context.Context, oldTokenID int64, newRefresh, newAccess domain.OAuthToken) (domain.OAuthToken, domain.OAuthToken, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback(ctx)

	// Revoke before insert: a crash between the steps leaves the old token
	// dead rather than double-usable.
	tag, err := tx.Exec(ctx, revokeTokenSQL, oldTokenID)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, fmt.Errorf("rotate revoke: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.OAuthToken{}, domain.OAuthToken{}, ErrNotFound
	}

	refresh, err := insertTokenTx(ctx, tx, newRefresh)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, fmt.Errorf("rotate insert refresh: %w", err)
	}
	newAccess.ParentTokenID = &refresh.ID
	access, err := insertTokenTx(ctx, tx, newAccess)
	if err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, fmt.Errorf("rotate insert access: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, fmt.Errorf("commit rotate: %w", err)
	}
	return refresh, access, nil
}

func insertTokenTx(ctx context.Context, tx pgx.Tx, token domain.OAuthToken) (domain.OAuthToken, error) {
	row := tx.QueryRow(ctx, insertTokenSQL,
		token.ID,
		token.TokenHash,
		string(token.TokenType),
		token.UserID,
		token.ClientID,
		token.Scope,
		token.ParentTokenID,
		token.CodeID,
		token.IssuedAt,
		token.ExpiresAt,
	)
	return scanToken(row)
}

func (r *PostgresTokenRepo) RevokeToken(ctx context.Context, tokenID int64) error {
	if _, err := r.db.Exec(ctx, revokeTokenSQL, tokenID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

const revokeChainSQL = `
WITH RECURSIVE chain AS (
	SELECT id FROM oauth_tokens WHERE id = $1
	UNION ALL
	SELECT t.id FROM oauth_tokens t JOIN chain c ON t.parent_token_id = c.id
)
UPDATE oauth_tokens
SET revoked_at = now()
WHERE id IN (SELECT id FROM chain) AND revoked_at IS NULL`

func (r *PostgresTokenRepo) RevokeChain(ctx context.Context, rootTokenID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, revokeChainSQL, rootTokenID)
	if err != nil {
		return 0, fmt.Errorf("revoke token chain: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanToken(row pgx.Row) (domain.OAuthToken, error) {
	var t domain.OAuthToken
	var tokenType string
	if err := row.Scan(
		&t.ID,
		&t.TokenHash,
		&tokenType,
		&t.UserID,
		&t.ClientID,
		&t.Scope,
		&t.ParentTokenID,
		&t.CodeID,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.RevokedAt,
	); err != nil {
		return domain.OAuthToken{}, err
	}
	t.TokenType = domain.TokenType(tokenType)
	return t, nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: pool}
}

const insertSessionSQL = `
INSERT INTO legacy_sessions (id, user_id, token_hash, platform, expires_at)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, user_id, token_hash, platform, created_at, expires_at, revoked_at`

func (r *PostgresSessionRepo) CreateSession(ctx context.Context, session domain.LegacySession) (domain.LegacySession, error) {
	row := r.db.QueryRow(ctx, insertSessionSQL,
		session.ID,
		session.UserID,
		session.TokenHash,
		string(session.Platform),
		session.ExpiresAt,
	)
	created, err := scanSession(row)
	if err != nil {
		return domain.LegacySession{}, fmt.Errorf("insert session: %w", err)
	}
	return created, nil
}

const getSessionSQL = `
SELECT id, user_id, token_hash, platform, created_at, expires_at, revoked_at
FROM legacy_sessions
WHERE token_hash = $1
LIMIT 1`

func (r *PostgresSessionRepo) GetByHash(ctx context.Context, tokenHash string) (domain.LegacySession, error) {
	session, err := scanSession(r.db.QueryRow(ctx, getSessionSQL, tokenHash))
	if err != nil {
		return domain.LegacySession{}, fmt.Errorf("get session: %w", mapNoRows(err))
	}
	return session, nil
}

const extendSessionSQL = `
UPDATE legacy_sessions SET expires_at = $2 WHERE id = $1 AND revoked_at IS NULL`

func (r *PostgresSessionRepo) ExtendSession(ctx context.Context, sessionID int64, expiresAt time.Time) error {
	tag, err := r.db.Exec(ctx, extendSessionSQL, sessionID, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const revokeSessionSQL = `
UPDATE legacy_sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`

func (r *PostgresSessionRepo) RevokeSession(ctx context.Context, sessionID int64) error {
	if _, err := r.db.Exec(ctx, revokeSessionSQL, sessionID); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (domain.LegacySession, error) {
	var s domain.LegacySession
	var platform string
	if err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.TokenHash,
		&platform,
		&s.CreatedAt,
		&s.ExpiresAt,
		&s.RevokedAt,
	); err != nil {
		return domain.LegacySession{}, err
	}
	s.Platform = domain.Platform(platform)
	return s, nil
}

// PostgresVendorRepo implements VendorRepository.
type PostgresVendorRepo struct {
	db *pgxpool.Pool
}

func NewPostgresVendorRepo(pool *pgxpool.Pool) *PostgresVendorRepo {
	return &PostgresVendorRepo{db: pool}
}

const getVendorKeySQL = `
SELECT key_id, key_secret_hash, org_id, key_type, environment, revoked_at, created_at
FROM vendor_api_keys
WHERE key_id = $1
LIMIT 1`

func (r *PostgresVendorRepo) GetKeyByID(ctx context.Context, keyID string) (domain.VendorAPIKey, error) {
	var k domain.VendorAPIKey
	var keyType string
	if err := r.db.QueryRow(ctx, getVendorKeySQL, keyID).Scan(
		&k.KeyID,
		&k.KeySecretHash,
		&k.OrgID,
		&keyType,
		&k.Environment,
		&k.RevokedAt,
		&k.CreatedAt,
	); err != nil {
		return domain.VendorAPIKey{}, fmt.Errorf("get vendor key: %w", mapNoRows(err))
	}
	k.KeyType = domain.VendorKeyType(keyType)
	return k, nil
}

const getVendorOrgSQL = `
SELECT id, vendor_code, allowed_platforms, allowed_services, rate_limit_per_minute, created_at, updated_at
FROM vendor_orgs
WHERE id = $1
LIMIT 1`

func (r *PostgresVendorRepo) GetOrg(ctx context.Context, orgID int64) (domain.VendorOrganization, error) {
	var o domain.VendorOrganization
	if err := r.db.QueryRow(ctx, getVendorOrgSQL, orgID).Scan(
		&o.ID,
		&o.VendorCode,
		&o.AllowedPlatforms,
		&o.AllowedServices,
		&o.RateLimitPerMinute,
		&o.CreatedAt,
		&o.UpdatedAt,
	); err != nil {
		return domain.VendorOrganization{}, fmt.Errorf("get vendor org: %w", mapNoRows(err))
	}
	return o, nil
}

const insertUsageSQL = `
INSERT INTO usage_records (org_id, key_id, service, platform, duration_ms, compute_units, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (r *PostgresVendorRepo) InsertUsage(ctx context.Context, record domain.UsageRecord) error {
	if _, err := r.db.Exec(ctx, insertUsageSQL,
		record.OrgID,
		record.KeyID,
		record.Service,
		record.Platform,
		record.DurationMS,
		record.ComputeUnits,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// PostgresAuditRepo implements AuditRepository.
type PostgresAuditRepo struct {
	db *pgxpool.Pool
}

func NewPostgresAuditRepo(pool *pgxpool.Pool) *PostgresAuditRepo {
	return &PostgresAuditRepo{db: pool}
}

const insertAuditSQL = `
INSERT INTO audit_events (actor_type, actor_id, action, outcome, reason_code, ip, severity, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

func (r *PostgresAuditRepo) InsertEvent(ctx context.Context, event domain.AuditEvent) error {
	if _, err := r.db.Exec(ctx, insertAuditSQL,
		string(event.ActorType),
		event.ActorID,
		event.Action,
		string(event.Outcome),
		event.ReasonCode,
		event.IP,
		event.Severity,
		event.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
