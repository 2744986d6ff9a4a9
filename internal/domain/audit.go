package domain

import "time"

// ActorType identifies who an audit event is about.
type ActorType string

const (
	ActorUser   ActorType = "user"
	ActorClient ActorType = "client"
	ActorVendor ActorType = "vendor"
)

// Outcome of an authorization decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Internal reason codes. These are recorded in audit events only; the
// external error response stays on the coarse taxonomy in errors.go.
const (
	ReasonInvalidClient   = "invalid_client"
	ReasonInvalidRedirect = "invalid_redirect"
	ReasonInvalidPKCE     = "invalid_pkce"
	ReasonInvalidScope    = "invalid_scope"
	ReasonExpiredCode     = "expired_code"
	ReasonReusedCode      = "reused_code"
	ReasonRevokedToken    = "revoked_token"
	ReasonReusedRefresh   = "reused_refresh_token"
	ReasonRateLimited     = "rate_limited"
	ReasonInvalidKey      = "invalid_api_key"
	ReasonRevokedKey      = "revoked_api_key"
	ReasonScopeDenied     = "scope_denied"
	ReasonBadCredentials  = "bad_credentials"
	ReasonIdPUnavailable  = "idp_unavailable"
	ReasonInvalidCSRF     = "invalid_csrf"
	ReasonInvalidSession  = "invalid_session"
)

// AuditEvent is an append-only record of one authorization decision.
type AuditEvent struct {
	ID         int64
	ActorType  ActorType
	ActorID    string
	Action     string
	Outcome    Outcome
	ReasonCode string
	IP         string
	Severity   string
	CreatedAt  time.Time
}
