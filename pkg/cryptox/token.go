package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Sizes of random material in bytes, before encoding.
const (
	TokenSize128 = 16
	TokenSize256 = 32
)

// RandomToken returns size random bytes as unpadded base64url. It panics
// when size is not positive.
func RandomToken(size int) string {
	if size <= 0 {
		panic(fmt.Sprintf("cryptox: invalid token size %d", size))
	}
	buf := make([]byte, size)
	_, _ = rand.Read(buf) // never fails, see crypto/rand.Read
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Fingerprint identifies a credential in logs without revealing it. Equal
// tokens share a fingerprint; the empty token has none.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:9])
}
