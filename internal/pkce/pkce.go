// Package pkce implements the S256 code challenge verification from RFC 7636.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// MethodS256 is the only supported code_challenge_method.
const MethodS256 = "S256"

// Challenge derives the S256 challenge for a verifier.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether SHA256(verifier) matches the stored challenge.
// Comparison is constant time; an empty verifier or challenge never matches.
func Verify(verifier, challenge string) bool {
	if verifier == "" || challenge == "" {
		return false
	}
	derived := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
