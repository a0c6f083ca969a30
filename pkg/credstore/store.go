// Package credstore persists session credentials on the device.
//
// Store is a narrow wrapper over an opaque encrypted key-value primitive (KV)
// holding exactly three logical keys: the access credential, the cached
// refresh credential and the identity snapshot. Every write deletes the old
// value first and is read back and compared before it is reported as saved.
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Logical keys. Nothing else is ever written by this package.
const (
	KeyAccessToken  = "session.access_token"
	KeyRefreshToken = "session.refresh_token"
	KeyIdentity     = "session.identity"
)

var (
	// ErrNotFound is returned when a key holds no value.
	ErrNotFound = errors.New("credstore: not found")

	// ErrPersistenceVerificationFailed is returned when a value read back
	// after a write does not match what was written. The credential must not
	// be assumed saved.
	ErrPersistenceVerificationFailed = errors.New("credstore: persistence verification failed")
)

// KV is the encrypted key-value primitive the store is built on. Get returns
// ErrNotFound for missing keys; Delete of a missing key is not an error.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Identity is the cached profile of the signed-in user.
type Identity struct {
	SubjectID   string `json:"subjectId"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Snapshot is every stored session value at once. Missing values are empty.
type Snapshot struct {
	AccessToken  string
	RefreshToken string
	Identity     *Identity
}

// Store is safe for concurrent use. Multi-key writes and wipes are
// serialised so a wipe never interleaves with a save.
type Store struct {
	kv     KV
	logger *slog.Logger

	mu sync.Mutex
}

// New wraps kv. A nil logger uses slog.Default().
func New(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{kv: kv, logger: logger.With("component", "credstore")}
}

// Save replaces the access and refresh credentials.
func (s *Store) Save(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" || refreshToken == "" {
		return fmt.Errorf("credstore: refusing to save empty credential")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.replace(ctx, KeyAccessToken, []byte(accessToken)); err != nil {
		return err
	}
	return s.replace(ctx, KeyRefreshToken, []byte(refreshToken))
}

// SaveIdentity replaces the identity snapshot.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("credstore: encode identity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.replace(ctx, KeyIdentity, data)
}

// Access returns the stored access credential.
func (s *Store) Access(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyAccessToken)
}

// CachedRefresh returns the locally cached refresh credential. The backend
// session record is the source of truth; this is an offline fallback.
func (s *Store) CachedRefresh(ctx context.Context) (string, error) {
	return s.getString(ctx, KeyRefreshToken)
}

// Identity returns the cached identity snapshot.
func (s *Store) Identity(ctx context.Context) (Identity, error) {
	data, err := s.kv.Get(ctx, KeyIdentity)
	if err != nil {
		return Identity{}, s.mapGetErr(KeyIdentity, err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		s.logger.Warn("stored identity is unreadable", "error", err)
		return Identity{}, fmt.Errorf("credstore: decode identity: %w", err)
	}
	return id, nil
}

// Snapshot reads all session values. Missing values are left empty; other
// read failures are returned.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.AccessToken, err = s.Access(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, err
	}
	if snap.RefreshToken, err = s.CachedRefresh(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return Snapshot{}, err
	}

	id, err := s.Identity(ctx)
	switch {
	case err == nil:
		snap.Identity = &id
	case !errors.Is(err, ErrNotFound):
		return Snapshot{}, err
	}

	return snap, nil
}

// Wipe removes every session key. It is idempotent.
func (s *Store) Wipe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyIdentity} {
		if err := s.kv.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("credstore: delete %s: %w", key, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("wipe incomplete", "error", err)
		return err
	}

	s.logger.Debug("session credentials wiped")
	return nil
}

// replace deletes key, writes value and confirms the write by reading it
// back. Caller holds s.mu.
func (s *Store) replace(ctx context.Context, key string, value []byte) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("credstore: delete %s: %w", key, err)
	}

	if err := s.kv.Set(ctx, key, value); err != nil {
		return fmt.Errorf("credstore: write %s: %w", key, err)
	}

	got, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Error("read-back after write failed", "key", key, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPersistenceVerificationFailed, key, err)
	}
	if !bytes.Equal(got, value) {
		s.logger.Error("read-back does not match write", "key", key)
		return fmt.Errorf("%w: %s", ErrPersistenceVerificationFailed, key)
	}

	return nil
}

func (s *Store) getString(ctx context.Context, key string) (string, error) {
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		return "", s.mapGetErr(key, err)
	}
	if len(data) == 0 {
		return "", ErrNotFound
	}
	return string(data), nil
}

func (s *Store) mapGetErr(key string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	s.logger.Error("credential read failed", "key", key, "error", err)
	return fmt.Errorf("credstore: read %s: %w", key, err)
}
