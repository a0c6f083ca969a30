package jwtx_test

import (
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestNewAccessClaims(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := jwtx.NewAccessClaims("user-1", "a@example.com", "alice", 15*time.Minute, "authtest", now)

	require.Equal(t, "user-1", c.Subject)
	require.Equal(t, "user-1", c.UserID)
	require.Equal(t, "authtest", c.Issuer)
	require.Equal(t, now.Add(15*time.Minute), c.ExpiresAt.Time)
	require.NotEmpty(t, c.ID)

	other := jwtx.NewAccessClaims("user-1", "", "", time.Minute, "authtest", now)
	require.NotEqual(t, c.ID, other.ID, "jti must be unique per token")
}

func TestSubjectIDPrecedence(t *testing.T) {
	t.Run("sub wins", func(t *testing.T) {
		c := jwtx.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "sub"}, UserID: "custom"}
		require.Equal(t, "sub", c.SubjectID())
	})

	t.Run("userId fallback", func(t *testing.T) {
		c := jwtx.Claims{UserID: "custom"}
		require.Equal(t, "custom", c.SubjectID())
	})

	t.Run("neither", func(t *testing.T) {
		require.Empty(t, (&jwtx.Claims{}).SubjectID())
	})
}

func TestExpiresWithin(t *testing.T) {
	now := time.Now()
	c := jwtx.Claims{RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute))}}

	require.False(t, c.ExpiresWithin(30*time.Second, now))
	require.True(t, c.ExpiresWithin(time.Minute, now))
	require.True(t, c.ExpiresWithin(0, now.Add(2*time.Minute)))

	require.False(t, (&jwtx.Claims{}).ExpiresWithin(time.Hour, now), "no exp never expires")
}
