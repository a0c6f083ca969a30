package authclient_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/authtest"
	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/credstore/memkv"
	"github.com/aussiebroadwan/authclient/pkg/slogx"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "alice@example.com"
	testPassword = "correct horse battery staple"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []authclient.SecurityEvent
}

func (r *recordingReporter) ReportSecurityEvent(_ context.Context, ev authclient.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingReporter) Events() []authclient.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]authclient.SecurityEvent(nil), r.events...)
}

// switchKV is a memkv that can be told to silently drop writes.
type switchKV struct {
	*memkv.KV
	drop atomic.Bool
}

func (s *switchKV) Set(ctx context.Context, key string, value []byte) error {
	if s.drop.Load() {
		return nil
	}
	return s.KV.Set(ctx, key, value)
}

type fixture struct {
	backend  *authtest.Backend
	client   *authclient.Client
	store    *credstore.Store
	kv       *switchKV
	reporter *recordingReporter
	userID   string
}

func newFixture(t *testing.T, opts ...func(*authclient.Config)) *fixture {
	t.Helper()

	backend := authtest.New(t)
	userID := backend.AddUser(testEmail, testPassword, "alice", "Alice Example")

	kv := &switchKV{KV: memkv.New()}
	store := credstore.New(kv, slogx.Discard())
	reporter := &recordingReporter{}

	cfg := authclient.Config{
		BaseURL:        backend.URL(),
		Store:          store,
		RequestTimeout: 5 * time.Second,
		Logger:         slogx.Discard(),
		Reporter:       reporter,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	client, err := authclient.New(cfg)
	require.NoError(t, err)

	return &fixture{
		backend:  backend,
		client:   client,
		store:    store,
		kv:       kv,
		reporter: reporter,
		userID:   userID,
	}
}

func (f *fixture) login(t *testing.T) credstore.Identity {
	t.Helper()

	id, err := f.client.Login(context.Background(), authclient.LoginRequest{
		Email:            testEmail,
		Password:         testPassword,
		DeviceDescriptor: "test-suite",
	})
	require.NoError(t, err)
	return id
}

// spoilAccess replaces the stored access credential with a well-formed one
// for the same subject that the backend does not recognise, so the next
// authenticated call gets a 401.
func (f *fixture) spoilAccess(t *testing.T) string {
	t.Helper()
	return f.replaceAccess(t, f.backend.Mint(f.userID, time.Hour))
}

func (f *fixture) replaceAccess(t *testing.T, access string) string {
	t.Helper()
	ctx := context.Background()

	refresh, err := f.store.CachedRefresh(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, access, refresh))
	return access
}

func (f *fixture) snapshot(t *testing.T) credstore.Snapshot {
	t.Helper()
	snap, err := f.store.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (f *fixture) requireWiped(t *testing.T) {
	t.Helper()
	snap := f.snapshot(t)
	require.Empty(t, snap.AccessToken, "access credential must be wiped")
	require.Empty(t, snap.RefreshToken, "refresh credential must be wiped")
	require.Nil(t, snap.Identity, "identity must be wiped")
}

func withHealthPath(path string) func(*authclient.Config) {
	return func(c *authclient.Config) { c.HealthPath = path }
}
