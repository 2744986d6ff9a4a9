package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-gateway/internal/adapter/identity"
	"github.com/smallbiznis/valora-gateway/internal/audit"
	"github.com/smallbiznis/valora-gateway/internal/config"
	"github.com/smallbiznis/valora-gateway/internal/domain"
	"github.com/smallbiznis/valora-gateway/internal/hashing"
	"github.com/smallbiznis/valora-gateway/internal/repository"
	"github.com/smallbiznis/valora-gateway/internal/token"
)

// LoginInput is the credential payload of /v1/auth/login.
type LoginInput struct {
	Identifier string
	Credential string
	Platform   string
	IP         string
}

// SessionResult is returned on login and refresh.
type SessionResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      domain.User `json:"user"`
	Platform  string      `json:"platform"`
}

// SessionService implements the legacy signed-session scheme. Credentials are
// verified by the upstream identity provider; this service never sees a
// password hash.
type SessionService struct {
	sessions  repository.SessionRepository
	idp       identity.ProviderClient
	issuer    *token.Issuer
	snowflake *snowflake.Node
	recorder  audit.Recorder
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewSessionService wires dependencies.
func NewSessionService(
	sessions repository.SessionRepository,
	idp identity.ProviderClient,
	issuer *token.Issuer,
	node *snowflake.Node,
	recorder audit.Recorder,
	cfg config.Config,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		idp:       idp,
		issuer:    issuer,
		snowflake: node,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/valora-gateway/internal/service"),
		now:       time.Now,
	}
}

// Login verifies credentials upstream and mints a signed session token. The
// failure response is identical whether the identifier exists or the
// credential is wrong.
func (s *SessionService) Login(ctx context.Context, in LoginInput) (*SessionResult, error) {
	ctx, span := s.startSpan(ctx, "SessionService.Login")
	defer span.End()

	if !domain.ValidPlatform(domain.Platform(in.Platform)) {
		return nil, domain.ErrInvalidRequest("Unknown platform.")
	}

	verified, err := s.idp.VerifyCredentials(ctx, in.Identifier, in.Credential)
	if err != nil {
		if errors.Is(err, identity.ErrUnavailable) {
			s.record(domain.ActorUser, in.Identifier, "session.login", domain.OutcomeFailure, domain.ReasonIdPUnavailable, in.IP, "")
			return nil, domain.ErrAuthUnavailable()
		}
		s.record(domain.ActorUser, in.Identifier, "session.login", domain.OutcomeFailure, domain.ReasonBadCredentials, in.IP, "")
		return nil, domain.ErrInvalidCredentials()
	}

	sessionID := s.snowflake.Generate().Int64()
	signed, expiresAt, err := s.issuer.SignSession(sessionID, verified.UserID, in.Platform)
	if err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	now := s.now().UTC()
	session := domain.LegacySession{
		ID:        sessionID,
		UserID:    verified.UserID,
		TokenHash: hashing.Digest(signed),
		Platform:  domain.Platform(in.Platform),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if _, err := s.sessions.CreateSession(ctx, session); err != nil {
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	s.record(domain.ActorUser, in.Identifier, "session.login", domain.OutcomeSuccess, "", in.IP, "")
	return &SessionResult{
		Token:     signed,
		ExpiresAt: expiresAt,
		User:      domain.User{ID: verified.UserID, Email: verified.Email, Name: verified.Name},
		Platform:  in.Platform,
	}, nil
}

// ValidateSession checks a presented session token. The signature pre-filter
// rejects garbage cheaply; the datastore row is authoritative for revocation
// and expiry.
func (s *SessionService) ValidateSession(ctx context.Context, presented, ip string) (*domain.LegacySession, error) {
	ctx, span := s.startSpan(ctx, "SessionService.ValidateSession")
	defer span.End()

	if !token.LooksLikeSessionToken(presented) {
		// Opaque OAuth tokens are the wrong shape and are never looked up here.
		return nil, domain.ErrInvalidCredentials()
	}
	if _, err := s.issuer.PreValidateSession(presented); err != nil {
		s.record(domain.ActorUser, "", "session.validate", domain.OutcomeFailure, domain.ReasonInvalidSession, ip, "")
		return nil, domain.ErrInvalidCredentials()
	}

	session, err := s.getSessionByHash(ctx, hashing.Digest(presented))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.record(domain.ActorUser, "", "session.validate", domain.OutcomeFailure, domain.ReasonInvalidSession, ip, "")
			return nil, domain.ErrInvalidCredentials()
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	if !session.Active(s.now().UTC()) {
		s.record(domain.ActorUser, "", "session.validate", domain.OutcomeFailure, domain.ReasonInvalidSession, ip, "")
		return nil, domain.ErrInvalidCredentials()
	}
	return &session, nil
}

// Refresh slides the session expiry forward. The token value and its stored
// digest are unchanged; only the expiry moves.
func (s *SessionService) Refresh(ctx context.Context, presented, ip string) (*SessionResult, error) {
	ctx, span := s.startSpan(ctx, "SessionService.Refresh")
	defer span.End()

	session, err := s.ValidateSession(ctx, presented, ip)
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().UTC().Add(s.cfg.SessionTTL)
	if err := s.sessions.ExtendSession(ctx, session.ID, expiresAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.ErrInvalidCredentials()
		}
		span.RecordError(err)
		return nil, domain.ErrServer()
	}

	s.record(domain.ActorUser, "", "session.refresh", domain.OutcomeSuccess, "", ip, "")
	return &SessionResult{
		Token:     presented,
		ExpiresAt: expiresAt,
		User:      domain.User{ID: session.UserID},
		Platform:  string(session.Platform),
	}, nil
}

// Logout revokes the session. Unknown or already-revoked tokens succeed so the
// operation is idempotent.
func (s *SessionService) Logout(ctx context.Context, presented, ip string) error {
	ctx, span := s.startSpan(ctx, "SessionService.Logout")
	defer span.End()

	if !token.LooksLikeSessionToken(presented) {
		return nil
	}

	session, err := s.getSessionByHash(ctx, hashing.Digest(presented))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		span.RecordError(err)
		return domain.ErrServer()
	}

	if err := s.sessions.RevokeSession(ctx, session.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		span.RecordError(err)
		return domain.ErrServer()
	}

	s.record(domain.ActorUser, "", "session.logout", domain.OutcomeSuccess, "", ip, "")
	return nil
}

// getSessionByHash retries an idempotent read once after a short backoff.
func (s *SessionService) getSessionByHash(ctx context.Context, hash string) (domain.LegacySession, error) {
	session, err := s.sessions.GetByHash(ctx, hash)
	if err == nil || errors.Is(err, repository.ErrNotFound) {
		return session, err
	}
	select {
	case <-ctx.Done():
		return domain.LegacySession{}, ctx.Err()
	case <-time.After(readRetryBackoff):
	}
	return s.sessions.GetByHash(ctx, hash)
}

func (s *SessionService) record(actor domain.ActorType, actorID, action string, outcome domain.Outcome, reason, ip, severity string) {
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

func (s *SessionService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}
