package domain

import "time"

// ClientType distinguishes public clients (PKCE mandatory) from confidential ones.
type ClientType string

const (
	ClientTypePublic       ClientType = "public"
	ClientTypeConfidential ClientType = "confidential"
)

// OAuthClient represents a registered OAuth2 client application.
type OAuthClient struct {
	ID            int64
	ClientID      string
	ClientType    ClientType
	RedirectURIs  []string
	AllowedScopes []string
	RequiresPKCE  bool
	Disabled      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AllowsRedirectURI reports whether uri is byte-identical to a registered URI.
// Prefix or normalized matching is deliberately not performed.
func (c OAuthClient) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is registered for the client.
func (c OAuthClient) AllowsScope(scopes []string) bool {
	if len(c.AllowedScopes) == 0 {
		return len(scopes) == 0
	}
	allowed := make(map[string]struct{}, len(c.AllowedScopes))
	for _, s := range c.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}
