package domain

import (
	"fmt"
	"net/http"
)

// External error taxonomy. Deliberately coarse: several internal reasons map
// onto one code so callers cannot distinguish which check failed.
const (
	ErrCodeInvalidRequest     = "invalid_request"
	ErrCodeInvalidClient      = "invalid_client"
	ErrCodeInvalidGrant       = "invalid_grant"
	ErrCodeUnauthorizedClient = "unauthorized_client"
	ErrCodeAccessDenied       = "access_denied"
	ErrCodeRateLimited        = "rate_limit_exceeded"
	ErrCodeAuthUnavailable    = "auth_service_unavailable"
	ErrCodeServerError        = "server_error"
)

// GatewayError carries the external code plus the internal audit reason.
// Reason never leaves the process except through the audit log.
type GatewayError struct {
	Code        string
	Description string
	Status      int
	Reason      string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewGatewayError builds an error with an explicit HTTP status.
func NewGatewayError(code, desc string, status int, reason string) *GatewayError {
	return &GatewayError{Code: code, Description: desc, Status: status, Reason: reason}
}

// ErrInvalidGrant is the uniform response for bad codes, verifiers, and
// refresh tokens (oracle avoidance).
func ErrInvalidGrant(reason string) *GatewayError {
	return NewGatewayError(ErrCodeInvalidGrant, "The provided grant is invalid, expired, or revoked.", http.StatusBadRequest, reason)
}

// ErrInvalidRequest flags malformed parameters.
func ErrInvalidRequest(desc string) *GatewayError {
	return NewGatewayError(ErrCodeInvalidRequest, desc, http.StatusBadRequest, ErrCodeInvalidRequest)
}

// ErrInvalidClient flags unknown or disabled clients.
func ErrInvalidClient() *GatewayError {
	return NewGatewayError(ErrCodeInvalidClient, "Unknown or disabled client.", http.StatusUnauthorized, ReasonInvalidClient)
}

// ErrInvalidCredentials is the uniform login failure, identical whether or not
// the identifier exists.
func ErrInvalidCredentials() *GatewayError {
	return NewGatewayError(ErrCodeInvalidGrant, "Invalid credentials.", http.StatusUnauthorized, ReasonBadCredentials)
}

// ErrAccessDenied flags platform or service scope violations.
func ErrAccessDenied(reason string) *GatewayError {
	return NewGatewayError(ErrCodeAccessDenied, "Access denied for this platform or service.", http.StatusForbidden, reason)
}

// ErrRateLimited is distinct from authentication failure so clients back off
// instead of re-authenticating.
func ErrRateLimited() *GatewayError {
	return NewGatewayError(ErrCodeRateLimited, "Rate limit exceeded. Retry later.", http.StatusTooManyRequests, ReasonRateLimited)
}

// ErrAuthUnavailable flags an upstream identity provider timeout or outage.
func ErrAuthUnavailable() *GatewayError {
	return NewGatewayError(ErrCodeAuthUnavailable, "Authentication service temporarily unavailable.", http.StatusServiceUnavailable, ReasonIdPUnavailable)
}

// ErrServer wraps unexpected failures.
func ErrServer() *GatewayError {
	return NewGatewayError(ErrCodeServerError, "Internal server error.", http.StatusInternalServerError, ErrCodeServerError)
}
