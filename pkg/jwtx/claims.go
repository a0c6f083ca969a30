package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims the client knows how to read. Nothing
// here is verified on the device; the server stays authoritative.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is emitted by backends that carry the subject in a custom claim
	// instead of (or in addition to) "sub".
	UserID string `json:"userId,omitempty"`

	// Email and Username are informational only.
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
}

// NewAccessClaims builds minimally-correct claims. Used by test backends
// that need to mint realistic credentials.
func NewAccessClaims(subject, email, username string, ttl time.Duration, issuer string, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		UserID:   subject,
		Email:    email,
		Username: username,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// SubjectID returns the subject identifier with documented precedence:
// the registered "sub" claim first, then the custom "userId" claim.
func (c *Claims) SubjectID() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.UserID
}

// ExpiresWithin reports whether the token's advisory expiry falls within d of
// now. Tokens without an "exp" claim never report as expiring.
func (c *Claims) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt.Time)
}
