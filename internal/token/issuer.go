// Package token mints the gateway's credentials: opaque OAuth tokens and
// authorization codes, and the signed legacy session tokens.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	gojose "github.com/go-jose/go-jose/v4"
	gojwt "github.com/go-jose/go-jose/v4/jwt"
)

const opaqueBytes = 32 // 256 bits of entropy

// Issuer generates tokens and signs legacy session JWTs.
type Issuer struct {
	signingKey []byte
	sessionTTL time.Duration
	issuer     string
}

// NewIssuer constructs an Issuer. signingKey signs legacy session tokens only;
// OAuth tokens are opaque and carry no claims.
func NewIssuer(signingKey []byte, issuer string, sessionTTL time.Duration) *Issuer {
	return &Issuer{signingKey: signingKey, sessionTTL: sessionTTL, issuer: issuer}
}

// NewOpaque returns a base64url random token. The alphabet contains no '.',
// so opaque OAuth material can never parse as a legacy session JWT.
func NewOpaque() (string, error) {
	buf := make([]byte, opaqueBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewCode returns a random authorization code value.
func NewCode() (string, error) {
	return NewOpaque()
}

// SessionClaims are embedded in legacy session tokens. They are a pre-filter
// only; the session row in the datastore is the trust decision.
type SessionClaims struct {
	SessionID int64  `json:"sid,string"`
	Platform  string `json:"platform"`
}

// SignSession mints a signed legacy session token.
func (i *Issuer) SignSession(sessionID, userID int64, platform string) (string, time.Time, error) {
	signer, err := gojose.NewSigner(
		gojose.SigningKey{Algorithm: gojose.HS256, Key: i.signingKey},
		(&gojose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("new signer: %w", err)
	}

	now := time.Now().UTC()
	expiry := now.Add(i.sessionTTL)
	std := gojwt.Claims{
		Subject:   fmt.Sprintf("%d", userID),
		Issuer:    i.issuer,
		IssuedAt:  gojwt.NewNumericDate(now),
		Expiry:    gojwt.NewNumericDate(expiry),
		NotBefore: gojwt.NewNumericDate(now),
	}
	custom := SessionClaims{SessionID: sessionID, Platform: platform}

	signed, err := gojwt.Signed(signer).Claims(std).Claims(custom).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("serialize session token: %w", err)
	}
	return signed, expiry, nil
}

// LooksLikeSessionToken reports whether value has the three-segment JWT shape
// legacy tokens use. Opaque OAuth tokens never match.
func LooksLikeSessionToken(value string) bool {
	return strings.Count(value, ".") == 2
}

// PreValidateSession checks signature and expiry claims and returns the
// embedded claims. Callers must still resolve the session row by hash; this
// is a cheap pre-filter, never the sole trust decision.
func (i *Issuer) PreValidateSession(value string) (*SessionClaims, error) {
	if !LooksLikeSessionToken(value) {
		return nil, fmt.Errorf("not a session token")
	}
	parsed, err := gojwt.ParseSigned(value, []gojose.SignatureAlgorithm{gojose.HS256})
	if err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}
	var std gojwt.Claims
	var custom SessionClaims
	if err := parsed.Claims(i.signingKey, &std, &custom); err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	if err := std.Validate(gojwt.Expected{Issuer: i.issuer, Time: time.Now().UTC()}); err != nil {
		return nil, fmt.Errorf("validate session claims: %w", err)
	}
	return &custom, nil
}
