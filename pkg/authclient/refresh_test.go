package authclient_test

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/authtest"
	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRefreshRotatesCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	before := f.snapshot(t)

	ok, err := f.client.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	after := f.snapshot(t)
	require.NotEqual(t, before.AccessToken, after.AccessToken)
	require.NotEqual(t, before.RefreshToken, after.RefreshToken)
	require.Equal(t, f.backend.CurrentRefreshToken(after.AccessToken), after.RefreshToken)
	require.Equal(t, f.userID, after.Identity.SubjectID)
	require.Equal(t, 1, f.backend.Refreshes())
}

func TestRefreshIsSingleFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshDelay = 200 * time.Millisecond })

	const callers = 10
	var wg sync.WaitGroup
	results := make([]bool, callers)
	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.client.Refresh(context.Background())
		}()
	}
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		require.True(t, results[i])
	}
	require.Equal(t, 1, f.backend.Refreshes())
	require.Equal(t, authclient.StateIdle, f.client.Coordinator().State())
}

func TestRefreshSharesFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.backend.SetHooks(func(h *authtest.Hooks) {
		h.RefreshDelay = 150 * time.Millisecond
		h.RefreshFailure = &authtest.Failure{Status: http.StatusBadRequest, Message: "Invalid refresh token"}
	})

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.client.Refresh(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		var rejected *authclient.RefreshRejectedError
		require.ErrorAs(t, err, &rejected)
	}
	require.Equal(t, 1, f.backend.Refreshes())
}

func TestRefreshRejectedWipes(t *testing.T) {
	t.Parallel()

	t.Run("invalid credential", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.backend.SetHooks(func(h *authtest.Hooks) {
			h.RefreshFailure = &authtest.Failure{Status: http.StatusBadRequest, Message: "Invalid refresh token"}
		})

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)

		var rejected *authclient.RefreshRejectedError
		require.ErrorAs(t, err, &rejected)
		require.True(t, rejected.CredentialInvalid)
		require.Equal(t, http.StatusBadRequest, rejected.StatusCode)
		f.requireWiped(t)
	})

	t.Run("server failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.backend.SetHooks(func(h *authtest.Hooks) {
			h.RefreshFailure = &authtest.Failure{Status: http.StatusInternalServerError, Message: "database unavailable"}
		})

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)

		var rejected *authclient.RefreshRejectedError
		require.ErrorAs(t, err, &rejected)
		require.False(t, rejected.CredentialInvalid)
		f.requireWiped(t)
	})

	t.Run("consumed credential", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)

		// Cached credential is stale and the remote lookup is down.
		snap := f.snapshot(t)
		f.backend.SetHooks(func(h *authtest.Hooks) {
			h.LookupFailure = &authtest.Failure{Status: http.StatusServiceUnavailable, Message: "lookup down"}
		})
		ctx := context.Background()
		require.NoError(t, f.store.Save(ctx, snap.AccessToken, "stale-refresh-credential"))

		ok, err := f.client.Refresh(ctx)
		require.False(t, ok)

		var rejected *authclient.RefreshRejectedError
		require.ErrorAs(t, err, &rejected)
		require.True(t, rejected.CredentialInvalid)
		f.requireWiped(t)
	})
}

func TestRefreshSubjectMismatchWipes(t *testing.T) {
	t.Parallel()

	t.Run("response userId differs from session", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshUserID = "intruder" })

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)
		require.ErrorIs(t, err, authclient.ErrSubjectMismatch)
		f.requireWiped(t)

		events := f.reporter.Events()
		require.Len(t, events, 1)
		require.Equal(t, "subject_mismatch", events[0].Kind)
		require.Equal(t, "refresh", events[0].Stage)
	})

	t.Run("stored credential belongs to someone else", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.replaceAccess(t, f.backend.Mint("someone-else", time.Hour))

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)
		require.ErrorIs(t, err, authclient.ErrSubjectMismatch)
		f.requireWiped(t)
		require.NotEmpty(t, f.reporter.Events())
	})
}

func TestRefreshAcceptsUnknownExpectedSubject(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.replaceAccess(t, "opaque-legacy-credential")

	ok, err := f.client.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	id, err := f.client.Identity(context.Background())
	require.NoError(t, err)
	require.Equal(t, f.userID, id.SubjectID)
}

func TestRefreshNotRotatedWipes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshNoRotate = true })

	ok, err := f.client.Refresh(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, authclient.ErrRefreshDidNotRotate)
	f.requireWiped(t)
}

func TestRefreshAcceptsLegacyTokenField(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshTokenField = true })

	ok, err := f.client.Refresh(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	snap := f.snapshot(t)
	require.Equal(t, f.backend.CurrentRefreshToken(snap.AccessToken), snap.RefreshToken)
}

func TestRefreshOfflinePreservesCredentials(t *testing.T) {
	t.Parallel()

	t.Run("probe says unreachable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		before := f.snapshot(t)
		f.backend.SetHooks(func(h *authtest.Hooks) { h.Down = true })

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)
		require.ErrorIs(t, err, authclient.ErrNetworkUnreachable)
		require.Equal(t, before, f.snapshot(t))
		require.Zero(t, f.backend.Refreshes(), "no refresh may be attempted while offline")
	})

	t.Run("connection dropped mid refresh", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		before := f.snapshot(t)
		f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshDropConnection = true })

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)
		require.ErrorIs(t, err, authclient.ErrNetworkUnreachable)
		require.Equal(t, before, f.snapshot(t))
	})
}

func TestRefreshFallbackPolicy(t *testing.T) {
	t.Parallel()

	t.Run("always falls back on server failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.backend.SetHooks(func(h *authtest.Hooks) {
			h.LookupFailure = &authtest.Failure{Status: http.StatusInternalServerError, Message: "boom"}
		})

		ok, err := f.client.Refresh(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("always falls back on unauthorized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.login(t)
		f.spoilAccess(t)

		ok, err := f.client.Refresh(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("transient only refuses after unauthorized", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *authclient.Config) { c.Fallback = authclient.FallbackTransientOnly })
		f.login(t)
		f.spoilAccess(t)

		ok, err := f.client.Refresh(context.Background())
		require.False(t, ok)
		require.ErrorIs(t, err, authclient.ErrNoRefreshCredential)
		require.Zero(t, f.backend.Refreshes())
		f.requireWiped(t)
	})

	t.Run("transient only falls back on server failure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, func(c *authclient.Config) { c.Fallback = authclient.FallbackTransientOnly })
		f.login(t)
		f.backend.SetHooks(func(h *authtest.Hooks) {
			h.LookupFailure = &authtest.Failure{Status: http.StatusBadGateway, Message: "upstream"}
		})

		ok, err := f.client.Refresh(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	})
}

func TestRefreshWithoutCredentials(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ok, err := f.client.Refresh(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, authclient.ErrNoRefreshCredential)
	require.Zero(t, f.backend.Refreshes())
}

func TestRefreshPersistenceFailureWipes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	f.kv.drop.Store(true)

	ok, err := f.client.Refresh(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, credstore.ErrPersistenceVerificationFailed)

	f.kv.drop.Store(false)
	f.requireWiped(t)
}

func TestRefreshCallerCancellationDoesNotAbortFlight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.login(t)
	before := f.snapshot(t)
	f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshDelay = 200 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ok, err := f.client.Refresh(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The refresh keeps running for everyone else and lands.
	ok, err, waited := f.client.Coordinator().Wait(context.Background())
	require.True(t, waited)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, before.RefreshToken, f.snapshot(t).RefreshToken)
}

func TestRefreshMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	f := newFixture(t, func(c *authclient.Config) { c.Metrics = authclient.NewMetrics(reg) })
	f.login(t)

	_, err := f.client.Refresh(context.Background())
	require.NoError(t, err)

	f.backend.SetHooks(func(h *authtest.Hooks) { h.RefreshNoRotate = true })
	f.login(t)
	_, err = f.client.Refresh(context.Background())
	require.ErrorIs(t, err, authclient.ErrRefreshDidNotRotate)

	expected := `
# HELP authclient_refresh_total Refresh attempts by outcome.
# TYPE authclient_refresh_total counter
authclient_refresh_total{outcome="not_rotated"} 1
authclient_refresh_total{outcome="success"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authclient_refresh_total"))
}
