package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for deriving vault keys. Derivation happens once per
// vault open so these can afford to be on the expensive side.
const (
	sealIterations  = 3
	sealMemory      = 64 * 1024
	sealParallelism = 2
	sealKeyLength   = 32

	// SaltSize is the length of the random salt stored alongside a vault.
	SaltSize = 16
)

// ErrEmptySecret is returned when a Sealer is requested without any key material.
var ErrEmptySecret = errors.New("cryptox: empty device secret")

// Sealer performs authenticated encryption with AES-256-GCM using a key
// derived from a device secret. A Sealer is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32-byte key from secret and salt with Argon2id and
// prepares an AES-256-GCM cipher with it.
func NewSealer(secret, salt []byte) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("cryptox: salt must be at least %d bytes, got %d", SaltSize, len(salt))
	}

	key := argon2.IDKey(secret, salt, sealIterations, sealMemory, sealParallelism, sealKeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Sealer{aead: gcm}, nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext. The output format is:
// [12-byte nonce][encrypted data][16-byte auth tag]
//
// additional is bound to the ciphertext but not stored; the same value must be
// given to Open. Vault drivers pass the record key so a value cannot be
// swapped between keys.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return s.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

// LoadSecret resolves device secret material from, in order:
// 1. the file at path (if non-empty)
// 2. the named environment variable
//
// Surrounding whitespace is trimmed so secrets written by `echo` work.
func LoadSecret(path, envKey string) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, ErrEmptySecret
		}
		return []byte(secret), nil
	}

	if v := strings.TrimSpace(os.Getenv(envKey)); v != "" {
		return []byte(v), nil
	}

	return nil, ErrEmptySecret
}
