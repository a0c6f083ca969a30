package credstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/credstore/memkv"
	"github.com/stretchr/testify/require"
)

// flakyKV wraps memkv and can be told to misbehave on writes.
type flakyKV struct {
	*memkv.KV

	mu       sync.Mutex
	dropSets bool     // report success but store nothing
	mangle   bool     // store a different value than asked
	ops      []string // op log for ordering assertions
}

func (f *flakyKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	f.ops = append(f.ops, "set:"+key)
	drop, mangle := f.dropSets, f.mangle
	f.mu.Unlock()

	switch {
	case drop:
		return nil
	case mangle:
		return f.KV.Set(ctx, key, append([]byte("stale-"), value...))
	}
	return f.KV.Set(ctx, key, value)
}

func (f *flakyKV) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.ops = append(f.ops, "delete:"+key)
	f.mu.Unlock()
	return f.KV.Delete(ctx, key)
}

func TestSaveAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := credstore.New(memkv.New(), nil)

	_, err := store.Access(ctx)
	require.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = store.CachedRefresh(ctx)
	require.ErrorIs(t, err, credstore.ErrNotFound)
	_, err = store.Identity(ctx)
	require.ErrorIs(t, err, credstore.ErrNotFound)

	require.NoError(t, store.Save(ctx, "access-1", "refresh-1"))
	id := credstore.Identity{SubjectID: "user-1", Email: "a@example.com", Username: "alice", DisplayName: "Alice"}
	require.NoError(t, store.SaveIdentity(ctx, id))

	access, err := store.Access(ctx)
	require.NoError(t, err)
	require.Equal(t, "access-1", access)

	refresh, err := store.CachedRefresh(ctx)
	require.NoError(t, err)
	require.Equal(t, "refresh-1", refresh)

	got, err := store.Identity(ctx)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestSaveDeletesBeforeWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := &flakyKV{KV: memkv.New()}
	store := credstore.New(kv, nil)

	require.NoError(t, store.Save(ctx, "a", "r"))
	require.Equal(t, []string{
		"delete:" + credstore.KeyAccessToken,
		"set:" + credstore.KeyAccessToken,
		"delete:" + credstore.KeyRefreshToken,
		"set:" + credstore.KeyRefreshToken,
	}, kv.ops)
}

func TestSaveVerifiesReadBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("write silently dropped", func(t *testing.T) {
		kv := &flakyKV{KV: memkv.New(), dropSets: true}
		store := credstore.New(kv, nil)

		err := store.Save(ctx, "access", "refresh")
		require.ErrorIs(t, err, credstore.ErrPersistenceVerificationFailed)
	})

	t.Run("stale value read back", func(t *testing.T) {
		kv := &flakyKV{KV: memkv.New(), mangle: true}
		store := credstore.New(kv, nil)

		err := store.Save(ctx, "access", "refresh")
		require.ErrorIs(t, err, credstore.ErrPersistenceVerificationFailed)

		err = store.SaveIdentity(ctx, credstore.Identity{SubjectID: "u"})
		require.ErrorIs(t, err, credstore.ErrPersistenceVerificationFailed)
	})
}

func TestSaveRejectsEmpty(t *testing.T) {
	t.Parallel()
	store := credstore.New(memkv.New(), nil)

	require.Error(t, store.Save(context.Background(), "", "refresh"))
	require.Error(t, store.Save(context.Background(), "access", ""))
}

func TestWipeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memkv.New()
	store := credstore.New(kv, nil)

	require.NoError(t, store.Wipe(ctx), "wipe on empty store")

	require.NoError(t, store.Save(ctx, "a", "r"))
	require.NoError(t, store.SaveIdentity(ctx, credstore.Identity{SubjectID: "u"}))
	require.NoError(t, store.Wipe(ctx))
	require.NoError(t, store.Wipe(ctx))
	require.Zero(t, kv.Len())

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, snap.AccessToken)
	require.Empty(t, snap.RefreshToken)
	require.Nil(t, snap.Identity)
}

type brokenKV struct{ *memkv.KV }

var errDisk = errors.New("disk on fire")

func (brokenKV) Get(context.Context, string) ([]byte, error) { return nil, errDisk }
func (brokenKV) Delete(context.Context, string) error        { return errDisk }

func TestReadAndWipeErrorsSurface(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := credstore.New(brokenKV{memkv.New()}, nil)

	_, err := store.Access(ctx)
	require.ErrorIs(t, err, errDisk)
	require.NotErrorIs(t, err, credstore.ErrNotFound)

	_, err = store.Snapshot(ctx)
	require.ErrorIs(t, err, errDisk)

	require.ErrorIs(t, store.Wipe(ctx), errDisk)
}

func TestIdentityCorrupt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kv := memkv.New()
	require.NoError(t, kv.Set(ctx, credstore.KeyIdentity, []byte("{not json")))

	_, err := credstore.New(kv, nil).Identity(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, credstore.ErrNotFound)
}
