package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDigestIsStableAndOpaque(t *testing.T) {
	d := Digest("some-token-value")

	require.Equal(t, d, Digest("some-token-value"))
	require.NotEqual(t, d, Digest("some-token-valu"))
	require.NotContains(t, d, "some-token")
}

func TestDigestEqual(t *testing.T) {
	d := Digest("value")

	require.True(t, DigestEqual("value", d))
	require.False(t, DigestEqual("other", d))
}

func TestHashSecretRoundTrip(t *testing.T) {
	hash, err := HashSecret("vendor-secret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$"))

	match, err := VerifySecret("vendor-secret", hash)
	require.NoError(t, err)
	require.True(t, match)

	match, err = VerifySecret("wrong-secret", hash)
	require.NoError(t, err)
	require.False(t, match)
}

func TestHashSecretSaltsEachCall(t *testing.T) {
	first, err := HashSecret("vendor-secret")
	require.NoError(t, err)
	second, err := HashSecret("vendor-secret")
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestVerifySecretRejectsMalformedHash(t *testing.T) {
	_, err := VerifySecret("secret", "not-a-hash")
	require.Error(t, err)

	_, err = VerifySecret("secret", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	require.Error(t, err)
}
