package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/audit"
	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/hashing"
	"github.com/smallbiznis/valora-gateway/internal/pkce"
	"github.com/smallbiznis/valora-gateway/internal/repository"
	"github.com/smallbiznis/valora-gateway/internal/token"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

const readRetryBackoff = 100 * time.Millisecond

// AuthorizeInput carries the validated query parameters of /oauth/authorize.
type AuthorizeInput struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	UserID              int64
	IP                  string
}

// AuthorizeResult is the code handed back through the redirect.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
}

// TokenInput carries the form parameters of /oauth/token.
type TokenInput struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	RedirectURI  string
	IP           string
}

// Introspection is the RFC 7662 response shape, minimal claims only.
type Introspection struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
}

// OAuthService orchestrates the authorize → token → refresh → revoke state
// machine over the shared store.
type OAuthService struct {
	clients   repository.ClientRepository
	codes     repository.CodeRepository
	tokens    repository.TokenRepository
	snowflake *snowflake.Node
	recorder  audit.Recorder
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewOAuthService wires dependencies.
func NewOAuthService(
	clients repository.ClientRepository,
	codes repository.CodeRepository,
	tokens repository.TokenRepository,
	node *snowflake.Node,
	recorder audit.Recorder,
	cfg config.Config,
	logger *zap.Logger,
) *OAuthService {
	return &OAuthService{
		clients:   clients,
		codes:     codes,
		tokens:    tokens,
		snowflake: node,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-gateway/internal/service"),
		now:       time.Now,
	}
}

// ValidateRedirect reports whether redirectURI is registered for the client,
// so the transport layer can decide whether an error may be redirected to it.
func (s *OAuthService) ValidateRedirect(ctx context.Context, clientID, redirectURI string) error {
	client, err := s.clients.GetByClientID(ctx, strings.TrimSpace(clientID))
	if err != nil || client.Disabled {
		return domain.ErrInvalidClient()
	}
	if !client.AllowsRedirectURI(redirectURI) {
		return domain.NewGatewayError(domain.ErrCodeInvalidRequest, "redirect_uri is not registered for this client.", 400, domain.ReasonInvalidRedirect)
	}
	return nil
}

// Authorize validates the request and mints a single-use authorization code.
// Validation failures that happen before the redirect_uri is proven to belong
// to the client must not be redirected; the caller inspects
// GatewayError.Reason to decide.
func (s *OAuthService) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeResult, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Authorize")
	defer span.End()

	client, err := s.clients.GetByClientID(ctx, strings.TrimSpace(in.ClientID))
	if err != nil || client.Disabled {
		return nil, s.authorizeFailure(in, domain.ReasonInvalidClient, domain.ErrInvalidClient())
	}

	if !client.AllowsRedirectURI(in.RedirectURI) {
		return nil, s.authorizeFailure(in, domain.ReasonInvalidRedirect,
			domain.NewGatewayError(domain.ErrCodeInvalidRequest, "redirect_uri is not registered for this client.", 400, domain.ReasonInvalidRedirect))
	}

	if in.ResponseType != "code" {
		return nil, s.authorizeFailure(in, domain.ErrCodeInvalidRequest,
			domain.ErrInvalidRequest("Only response_type=code is supported."))
	}

	challenge := strings.TrimSpace(in.CodeChallenge)
	method := strings.TrimSpace(in.CodeChallengeMethod)
	if challenge != "" && method != pkce.MethodS256 {
		return nil, s.authorizeFailure(in, domain.ReasonInvalidPKCE,
			domain.ErrInvalidRequest("code_challenge_method must be S256."))
	}
	if client.RequiresPKCE && challenge == "" {
		return nil, s.authorizeFailure(in, domain.ReasonInvalidPKCE,
			domain.ErrInvalidRequest("code_challenge is required for this client."))
	}

	scopes := strings.Fields(in.Scope)
	if !client.AllowsScope(scopes) {
		return nil, s.authorizeFailure(in, domain.ReasonInvalidScope,
			domain.ErrInvalidRequest("Requested scope exceeds the client registration."))
	}

	codeValue, err := token.NewCode()
	if err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	now := s.now().UTC()
	record := domain.AuthorizationCode{
		ID:                  s.snowflake.Generate().Int64(),
		CodeHash:            hashing.Digest(codeValue),
		ClientID:            client.ClientID,
		UserID:              in.UserID,
		RedirectURI:         in.RedirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		Scope:               scopes,
		ExpiresAt:           now.Add(s.cfg.AuthorizationCodeTTL),
		CreatedAt:           now,
	}
	if err := s.codes.CreateCode(ctx, record); err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	s.record(domain.ActorClient, client.ClientID, "oauth.authorize", domain.OutcomeSuccess, "", in.IP, "")
	return &AuthorizeResult{Code: codeValue, State: in.State, RedirectURI: in.RedirectURI}, nil
}

// Token handles both grant types of /oauth/token.
func (s *OAuthService) Token(ctx context.Context, in TokenInput) (*domain.TokenPair, error) {
	switch strings.ToLower(strings.TrimSpace(in.GrantType)) {
	case GrantAuthorizationCode:
		return s.exchangeCode(ctx, in)
	case GrantRefreshToken:
		return s.refresh(ctx, in)
	default:
		return nil, domain.NewGatewayError("unsupported_grant_type", "Unsupported grant type.", 400, domain.ErrCodeInvalidRequest)
	}
}

func (s *OAuthService) exchangeCode(ctx context.Context, in TokenInput) (*domain.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.exchangeCode")
	defer span.End()

	if strings.TrimSpace(in.Code) == "" {
		return nil, domain.ErrInvalidRequest("code is required.")
	}

	codeHash := hashing.Digest(in.Code)
	now := s.now().UTC()

	// Test-and-set: the consumption write is never retried so a datastore
	// blip cannot double-issue (§7).
	code, err := s.codes.ConsumeCode(ctx, codeHash, now)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, s.handleUnconsumableCode(ctx, codeHash, in)
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	if code.ClientID != strings.TrimSpace(in.ClientID) {
		s.record(domain.ActorClient, in.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonInvalidClient, in.IP, "")
		return nil, domain.ErrInvalidGrant(domain.ReasonInvalidClient)
	}

	// Byte-for-byte match against the value presented at /authorize.
	if code.RedirectURI != in.RedirectURI {
		s.record(domain.ActorClient, code.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonInvalidRedirect, in.IP, "")
		return nil, domain.ErrInvalidGrant(domain.ReasonInvalidRedirect)
	}

	if code.CodeChallenge != "" {
		if !pkce.Verify(in.CodeVerifier, code.CodeChallenge) {
			s.record(domain.ActorClient, code.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonInvalidPKCE, in.IP, "")
			return nil, domain.ErrInvalidGrant(domain.ReasonInvalidPKCE)
		}
	}

	pair, err := s.issuePair(ctx, code.UserID, code.ClientID, code.Scope, nil, &code.ID)
	if err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	s.record(domain.ActorClient, code.ClientID, "oauth.token", domain.OutcomeSuccess, "", in.IP, "")
	return pair, nil
}

// handleUnconsumableCode distinguishes an unknown/expired code from a reused
// one. Reuse revokes the derived token chain; the caller still sees the same
// invalid_grant either way.
func (s *OAuthService) handleUnconsumableCode(ctx context.Context, codeHash string, in TokenInput) error {
	stored, err := s.codes.GetByHash(ctx, codeHash)
	if err != nil {
		s.record(domain.ActorClient, in.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonExpiredCode, in.IP, "")
		return domain.ErrInvalidGrant(domain.ReasonExpiredCode)
	}

	if stored.ConsumedAt == nil {
		s.record(domain.ActorClient, stored.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonExpiredCode, in.IP, "")
		return domain.ErrInvalidGrant(domain.ReasonExpiredCode)
	}

	if root, rootErr := s.tokens.GetRootByCodeID(ctx, stored.ID); rootErr == nil {
		if revoked, chainErr := s.tokens.RevokeChain(ctx, root.ID); chainErr != nil {
			s.log().Error("code reuse chain revocation failed", zap.Int64("code_id", stored.ID), zap.Error(chainErr))
		} else {
			s.log().Warn("authorization code reuse detected, chain revoked",
				zap.Int64("code_id", stored.ID), zap.Int64("revoked", revoked))
		}
	}
	s.record(domain.ActorClient, stored.ClientID, "oauth.token", domain.OutcomeFailure, domain.ReasonReusedCode, in.IP, "high")
	return domain.ErrInvalidGrant(domain.ReasonReusedCode)
}

func (s *OAuthService) refresh(ctx context.Context, in TokenInput) (*domain.TokenPair, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.refresh")
	defer span.End()

	presented := strings.TrimSpace(in.RefreshToken)
	if presented == "" {
		return nil, domain.ErrInvalidRequest("refresh_token is required.")
	}
	if token.LooksLikeSessionToken(presented) {
		// Legacy session tokens are never valid here.
		return nil, domain.ErrInvalidGrant(domain.ReasonRevokedToken)
	}

	stored, err := s.getTokenByHash(ctx, hashing.Digest(presented))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(domain.ActorClient, in.ClientID, "oauth.refresh", domain.OutcomeFailure, domain.ReasonRevokedToken, in.IP, "")
			return nil, domain.ErrInvalidGrant(domain.ReasonRevokedToken)
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	if stored.TokenType != domain.TokenTypeRefresh {
		s.record(domain.ActorClient, stored.ClientID, "oauth.refresh", domain.OutcomeFailure, domain.ReasonRevokedToken, in.IP, "")
		return nil, domain.ErrInvalidGrant(domain.ReasonRevokedToken)
	}

	now := s.now().UTC()
	if stored.RevokedAt != nil {
		// Reuse of a rotated refresh token: treat as theft, revoke the whole
		// chain rooted here. Caller still sees plain invalid_grant.
		if revoked, chainErr := s.tokens.RevokeChain(ctx, stored.ID); chainErr != nil {
			s.log().Error("refresh reuse chain revocation failed", zap.Int64("token_id", stored.ID), zap.Error(chainErr))
		} else {
			s.log().Warn("refresh token reuse detected, chain revoked",
				zap.Int64("token_id", stored.ID), zap.Int64("revoked", revoked))
		}
		s.record(domain.ActorClient, stored.ClientID, "oauth.refresh", domain.OutcomeFailure, domain.ReasonReusedRefresh, in.IP, "high")
		return nil, domain.ErrInvalidGrant(domain.ReasonReusedRefresh)
	}
	if now.After(stored.ExpiresAt) {
		s.record(domain.ActorClient, stored.ClientID, "oauth.refresh", domain.OutcomeFailure, domain.ReasonRevokedToken, in.IP, "")
		return nil, domain.ErrInvalidGrant(domain.ReasonRevokedToken)
	}

	refreshValue, accessValue, newRefresh, newAccess, err := s.mintPair(stored.UserID, stored.ClientID, stored.Scope, nil)
	if err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}
	newRefresh.ParentTokenID = &stored.ID

	if _, _, err := s.tokens.Rotate(ctx, stored.ID, newRefresh, newAccess); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Lost the race against a concurrent refresh of the same token.
			s.record(domain.ActorClient, stored.ClientID, "oauth.refresh", domain.OutcomeFailure, domain.ReasonReusedRefresh, in.IP, "high")
			return nil, domain.ErrInvalidGrant(domain.ReasonReusedRefresh)
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	s.record(domain.ActorClient, stored.ClientID, "oauth.refresh", domain.OutcomeSuccess, "", in.IP, "")
	return &domain.TokenPair{
		AccessToken:  accessValue,
		RefreshToken: refreshValue,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        strings.Join(stored.Scope, " "),
	}, nil
}

// Revoke invalidates the presented token. Per RFC 7009 the outcome is
// indistinguishable whether or not the token existed.
func (s *OAuthService) Revoke(ctx context.Context, tokenValue, ip string) error {
	ctx, span := s.startSpan(ctx, "OAuthService.Revoke")
	defer span.End()

	trimmed := strings.TrimSpace(tokenValue)
	if trimmed == "" || token.LooksLikeSessionToken(trimmed) {
		s.record(domain.ActorClient, "", "oauth.revoke", domain.OutcomeSuccess, "", ip, "")
		return nil
	}

	stored, err := s.getTokenByHash(ctx, hashing.Digest(trimmed))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(domain.ActorClient, "", "oauth.revoke", domain.OutcomeSuccess, "", ip, "")
			return nil
		}
		span.RecordError(err)
		return domain.ErrServer()
	}

	if stored.TokenType == domain.TokenTypeRefresh {
		if _, err := s.tokens.RevokeChain(ctx, stored.ID); err != nil {
			span.RecordError(err)
			return domain.ErrServer()
		}
	} else {
		if err := s.tokens.RevokeToken(ctx, stored.ID); err != nil {
			span.RecordError(err)
			return domain.ErrServer()
		}
	}

	s.record(domain.ActorClient, stored.ClientID, "oauth.revoke", domain.OutcomeSuccess, "", ip, "")
	return nil
}

// Introspect reports token state. Legacy session tokens are the wrong shape
// and always come back inactive; no cross-validation is attempted.
func (s *OAuthService) Introspect(ctx context.Context, tokenValue string) (*Introspection, error) {
	ctx, span := s.startSpan(ctx, "OAuthService.Introspect")
	defer span.End()

	trimmed := strings.TrimSpace(tokenValue)
	if trimmed == "" || token.LooksLikeSessionToken(trimmed) {
		return &Introspection{Active: false}, nil
	}

	stored, err := s.getTokenByHash(ctx, hashing.Digest(trimmed))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &Introspection{Active: false}, nil
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	if !stored.Active(s.now().UTC()) {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:   true,
		Scope:    strings.Join(stored.Scope, " "),
		ClientID: stored.ClientID,
		Exp:      stored.ExpiresAt.Unix(),
	}, nil
}

// issuePair mints and persists a refresh token plus its sibling access token.
// codeID links the refresh token back to the consumed authorization code.
func (s *OAuthService) issuePair(ctx context.Context, userID int64, clientID string, scope []string, parentID, codeID *int64) (*domain.TokenPair, error) {
	refreshValue, accessValue, refresh, access, err := s.mintPair(userID, clientID, scope, parentID)
	if err != nil {
		return nil, err
	}
	refresh.CodeID = codeID

	created, err := s.tokens.CreateToken(ctx, refresh)
	if err != nil {
		return nil, err
	}
	access.ParentTokenID = &created.ID
	if _, err := s.tokens.CreateToken(ctx, access); err != nil {
		return nil, err
	}

	return &domain.TokenPair{
		AccessToken:  accessValue,
		RefreshToken: refreshValue,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		Scope:        strings.Join(scope, " "),
	}, nil
}

func (s *OAuthService) mintPair(userID int64, clientID string, scope []string, parentID *int64) (string, string, domain.OAuthToken, domain.OAuthToken, error) {
	refreshValue, err := token.NewOpaque()
	if err != nil {
		return "", "", domain.OAuthToken{}, domain.OAuthToken{}, err
	}
	accessValue, err := token.NewOpaque()
	if err != nil {
		return "", "", domain.OAuthToken{}, domain.OAuthToken{}, err
	}

	now := s.now().UTC()
	refresh := domain.OAuthToken{
		ID:            s.snowflake.Generate().Int64(),
		TokenHash:     hashing.Digest(refreshValue),
		TokenType:     domain.TokenTypeRefresh,
		UserID:        userID,
		ClientID:      clientID,
		Scope:         scope,
		ParentTokenID: parentID,
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.cfg.RefreshTokenTTL),
	}
	access := domain.OAuthToken{
		ID:        s.snowflake.Generate().Int64(),
		TokenHash: hashing.Digest(accessValue),
		TokenType: domain.TokenTypeAccess,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.cfg.AccessTokenTTL),
	}
	return refreshValue, accessValue, refresh, access, nil
}

// getTokenByHash retries an idempotent read once after a short backoff.
func (s *OAuthService) getTokenByHash(ctx context.Context, hash string) (domain.OAuthToken, error) {
	stored, err := s.tokens.GetByHash(ctx, hash)
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return stored, err
	}
	select {
	case <-ctx.Done():
		return domain.OAuthToken{}, ctx.Err()
	case <-time.After(readRetryBackoff):
	}
	return s.tokens.GetByHash(ctx, hash)
}

func (s *OAuthService) authorizeFailure(in AuthorizeInput, reason string, gwErr *domain.GatewayError) error {
	s.record(domain.ActorClient, in.ClientID, "oauth.authorize", domain.OutcomeFailure, reason, in.IP, "")
	return gwErr
}

func (s *OAuthService) record(actor domain.ActorType, actorID, action string, outcome domain.Outcome, reason, ip, severity string) {
	if s.recorder == nil {
		return
	}
	s.recorder.Record(domain.AuditEvent{
		ActorType:  actor,
		ActorID:    actorID,
		Action:     action,
		Outcome:    outcome,
		ReasonCode: reason,
		IP:         ip,
		Severity:   severity,
	})
}

func (s *OAuthService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *OAuthService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
