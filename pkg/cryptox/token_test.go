package cryptox

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRandomToken(t *testing.T) {
	for _, size := range []int{TokenSize128, TokenSize256, 24} {
		token := RandomToken(size)
		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		require.Len(t, raw, size)
		require.NotEqual(t, token, RandomToken(size))
	}

	require.Panics(t, func() { RandomToken(0) })
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("refresh-token-abc")
	require.Len(t, fp, 12)
	require.Equal(t, fp, Fingerprint("refresh-token-abc"))
	require.NotEqual(t, fp, Fingerprint("refresh-token-abd"))
	require.NotContains(t, fp, "refresh")

	require.Empty(t, Fingerprint(""))
}
