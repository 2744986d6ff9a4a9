package domain

import "time"

// Platform identifies the client population a legacy session belongs to.
type Platform string

const (
	PlatformCLI Platform = "cli"
	PlatformWeb Platform = "web"
	PlatformAPI Platform = "api"
	PlatformMCP Platform = "mcp"
)

// ValidPlatform reports whether p is one of the supported platforms.
func ValidPlatform(p Platform) bool {
	switch p {
	case PlatformCLI, PlatformWeb, PlatformAPI, PlatformMCP:
		return true
	}
	return false
}

// LegacySession is the stored record behind a legacy session token. The token
// itself is a signed JWT, but trust always comes from the hash lookup against
// this row, never from the signature alone.
type LegacySession struct {
	ID        int64
	UserID    int64
	TokenHash string
	Platform  Platform
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// Active reports whether the session is usable at now.
func (s LegacySession) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// User is the minimal identity projection returned by the external identity
// provider after successful credential verification.
type User struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}
