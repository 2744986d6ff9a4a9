package domain

import "time"

// TokenType tags a stored OAuth token row as access or refresh.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// AuthorizationCode models a short-lived single-use code. Only the SHA-256
// digest of the code value is persisted.
type AuthorizationCode struct {
	ID                  int64
	CodeHash            string
	ClientID            string
	UserID              int64
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               []string
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
	CreatedAt           time.Time
}

// OAuthToken persists access and refresh tokens by digest. ParentTokenID links
// a rotated refresh token (and the access token minted beside it) to its
// predecessor, forming the revocation chain.
type OAuthToken struct {
	ID            int64
	TokenHash     string
	TokenType     TokenType
	UserID        int64
	ClientID      string
	Scope         []string
	ParentTokenID *int64
	// CodeID links the root refresh token back to the authorization code it
	// was exchanged for, so code reuse can revoke the derived chain.
	CodeID   *int64
	IssuedAt time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
}

// Active reports whether the token is neither revoked nor expired at now.
func (t OAuthToken) Active(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

// TokenPair is the body returned by the token endpoint.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}
