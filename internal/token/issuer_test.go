package token

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestNewOpaqueHasNoDots(t *testing.T) {
	for i := 0; i < 32; i++ {
		value, err := NewOpaque()
		require.NoError(t, err)
		require.NotContains(t, value, ".")
		require.False(t, LooksLikeSessionToken(value))
	}
}

func TestNewOpaqueIsUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		value, err := NewOpaque()
		require.NoError(t, err)
		_, dup := seen[value]
		require.False(t, dup)
		seen[value] = struct{}{}
	}
}

func TestSignSessionRoundTrip(t *testing.T) {
	issuer := NewIssuer(testKey, "valora-gateway", time.Hour)

	signed, expiry, err := issuer.SignSession(42, 7, "cli")
	require.NoError(t, err)
	require.True(t, LooksLikeSessionToken(signed))
	require.Equal(t, 3, len(strings.Split(signed, ".")))
	require.WithinDuration(t, time.Now().Add(time.Hour), expiry, 5*time.Second)

	claims, err := issuer.PreValidateSession(signed)
	require.NoError(t, err)
	require.Equal(t, int64(42), claims.SessionID)
	require.Equal(t, "cli", claims.Platform)
}

func TestPreValidateRejectsWrongKey(t *testing.T) {
	issuer := NewIssuer(testKey, "valora-gateway", time.Hour)
	other := NewIssuer([]byte("ffffffffffffffffffffffffffffffff"), "valora-gateway", time.Hour)

	signed, _, err := issuer.SignSession(1, 1, "web")
	require.NoError(t, err)

	_, err = other.PreValidateSession(signed)
	require.Error(t, err)
}

func TestPreValidateRejectsWrongIssuer(t *testing.T) {
	issuer := NewIssuer(testKey, "valora-gateway", time.Hour)
	other := NewIssuer(testKey, "someone-else", time.Hour)

	signed, _, err := issuer.SignSession(1, 1, "web")
	require.NoError(t, err)

	_, err = other.PreValidateSession(signed)
	require.Error(t, err)
}

func TestPreValidateRejectsExpired(t *testing.T) {
	issuer := NewIssuer(testKey, "valora-gateway", -time.Minute)

	signed, _, err := issuer.SignSession(1, 1, "web")
	require.NoError(t, err)

	_, err = issuer.PreValidateSession(signed)
	require.Error(t, err)
}

func TestPreValidateRejectsOpaqueTokens(t *testing.T) {
	issuer := NewIssuer(testKey, "valora-gateway", time.Hour)

	opaque, err := NewOpaque()
	require.NoError(t, err)

	_, err = issuer.PreValidateSession(opaque)
	require.Error(t, err)
}
