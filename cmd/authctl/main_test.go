package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aussiebroadwan/authclient/internal/app"
	"github.com/aussiebroadwan/authclient/internal/authtest"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *authtest.Backend {
	t.Helper()

	backend := authtest.New(t)
	backend.AddUser("alice@example.com", "correct-horse", "alice", "Alice")

	t.Chdir(t.TempDir())
	t.Setenv("AUTH_BASE_URL", backend.URL())
	t.Setenv(app.DeviceSecretEnv, "cli-test-secret")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("AUTH_PASSWORD", "")
	t.Setenv("AUTH_EMAIL", "")
	return backend
}

func invoke(t *testing.T, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSessionLifecycle(t *testing.T) {
	backend := setup(t)

	code, out, errOut := invoke(t, "login", "-email", "alice@example.com", "-password", "correct-horse")
	require.Equal(t, exitOK, code, errOut)
	require.Contains(t, out, "signed in as alice@example.com")

	code, out, _ = invoke(t, "whoami")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, `"email": "alice@example.com"`)

	code, out, _ = invoke(t, "token")
	require.Equal(t, exitOK, code)
	require.NotEmpty(t, strings.TrimSpace(out))

	code, out, _ = invoke(t, "refresh")
	require.Equal(t, exitOK, code)
	require.Equal(t, "refreshed\n", out)
	require.Equal(t, 1, backend.Refreshes())

	code, out, _ = invoke(t, "sessions")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "CURRENT")
	require.Contains(t, out, "*")

	code, out, _ = invoke(t, "validate")
	require.Equal(t, exitOK, code)
	require.Equal(t, "valid: true\n", out)

	code, _, _ = invoke(t, "logout")
	require.Equal(t, exitOK, code)
	require.Zero(t, backend.ActiveSessions())

	code, _, errOut = invoke(t, "whoami")
	require.Equal(t, exitExpired, code)
	require.Contains(t, errOut, "authctl whoami")
}

func TestLoginPasswordFromEnv(t *testing.T) {
	setup(t)
	t.Setenv("AUTH_EMAIL", "alice@example.com")
	t.Setenv("AUTH_PASSWORD", "correct-horse")

	code, _, errOut := invoke(t, "login")
	require.Equal(t, exitOK, code, errOut)
}

func TestLoginRejected(t *testing.T) {
	setup(t)

	code, _, errOut := invoke(t, "login", "-email", "alice@example.com", "-password", "nope")
	require.Equal(t, exitError, code)
	require.Contains(t, errOut, "authctl login")
}

func TestRevokeOtherSession(t *testing.T) {
	backend := setup(t)
	_, _ = backend.OpenSession("alice@example.com", "phone")

	code, _, errOut := invoke(t, "login", "-email", "alice@example.com", "-password", "correct-horse")
	require.Equal(t, exitOK, code, errOut)
	require.Equal(t, 2, backend.ActiveSessions())

	code, _, errOut = invoke(t, "revoke-others")
	require.Equal(t, exitOK, code, errOut)
	require.Equal(t, 1, backend.ActiveSessions())
}

func TestProbe(t *testing.T) {
	backend := setup(t)

	code, out, _ := invoke(t, "probe")
	require.Equal(t, exitOK, code)
	require.Contains(t, out, "reachable")

	backend.SetHooks(func(h *authtest.Hooks) { h.Down = true })
	code, _, errOut := invoke(t, "probe")
	require.Equal(t, exitError, code)
	require.Contains(t, errOut, "unreachable")
}

func TestUsageErrors(t *testing.T) {
	setup(t)

	cases := map[string][]string{
		"no command":      nil,
		"unknown command": {"frobnicate"},
		"unknown flag":    {"login", "-nope"},
		"revoke needs id": {"revoke"},
	}

	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, _ := invoke(t, args...)
			require.Equal(t, exitUsage, code)
		})
	}
}

func TestKeepaliveStopsOnInterrupt(t *testing.T) {
	setup(t)

	code, _, errOut := invoke(t, "login", "-email", "alice@example.com", "-password", "correct-horse")
	require.Equal(t, exitOK, code, errOut)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var stdout, stderr bytes.Buffer
	code = run(ctx, []string{"keepalive", "-interval", "50ms", "-metrics-addr", "127.0.0.1:0"}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	require.Contains(t, stdout.String(), "keeping session alive every 50ms")
}

func TestKeepaliveRequiresSession(t *testing.T) {
	setup(t)

	code, _, _ := invoke(t, "-store", "memory", "keepalive", "-interval", "1s")
	require.Equal(t, exitExpired, code)
}
