package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/flight"
	"github.com/aussiebroadwan/authclient/pkg/jwtx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("github.com/aussiebroadwan/authclient/pkg/authclient")

// State is the coordinator's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

// FallbackPolicy decides when the locally cached refresh credential may be
// used in place of the one the backend reports for the session.
type FallbackPolicy int

const (
	// FallbackAlways uses the cache whenever the remote lookup fails.
	FallbackAlways FallbackPolicy = iota
	// FallbackTransientOnly uses the cache only when the lookup failed for a
	// transient reason. A 401/403 from the lookup ends the session.
	FallbackTransientOnly
)

// LookupFailure is why the remote refresh credential lookup gave nothing.
type LookupFailure int

const (
	LookupNoAccess LookupFailure = iota + 1
	LookupUnauthorized
	LookupNetwork
	LookupServer
	LookupMalformed
)

func (r LookupFailure) String() string {
	switch r {
	case LookupNoAccess:
		return "no_access_credential"
	case LookupUnauthorized:
		return "unauthorized"
	case LookupNetwork:
		return "network"
	case LookupServer:
		return "server"
	case LookupMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// transient reports whether the failure says nothing about the session
// itself.
func (r LookupFailure) transient() bool {
	return r != LookupUnauthorized
}

// SecurityEvent describes a security-significant condition, such as the
// backend answering for another user.
type SecurityEvent struct {
	Kind     string
	Stage    string
	Expected string
	Actual   string
}

// SecurityReporter receives security events. Implementations must not
// block.
type SecurityReporter interface {
	ReportSecurityEvent(ctx context.Context, event SecurityEvent)
}

type nopReporter struct{}

func (nopReporter) ReportSecurityEvent(context.Context, SecurityEvent) {}

// Coordinator performs credential refreshes, at most one at a time. Every
// caller that asks while a refresh runs gets that refresh's outcome.
type Coordinator struct {
	api      *api
	store    *credstore.Store
	probe    *Probe
	fallback FallbackPolicy
	logger   *slog.Logger
	metrics  *Metrics
	reporter SecurityReporter

	flight flight.Group[bool]

	// gate is held by a refresh attempt, and by Login and Logout for their
	// whole read-post-write sequence, so their store writes never interleave.
	gate *semaphore.Weighted
}

func newCoordinator(a *api, store *credstore.Store, probe *Probe, fallback FallbackPolicy,
	logger *slog.Logger, metrics *Metrics, reporter SecurityReporter,
) *Coordinator {
	c := &Coordinator{
		api:      a,
		store:    store,
		probe:    probe,
		fallback: fallback,
		logger:   logger.With("component", "refresh"),
		metrics:  metrics,
		reporter: reporter,
		gate:     semaphore.NewWeighted(1),
	}
	c.flight.OnJoin = metrics.joinedRefresh
	return c
}

// Refresh obtains new credentials, or joins the refresh already running.
// ok is the shared outcome and err the shared reason. A caller whose ctx
// ends stops waiting; the refresh carries on for everyone else.
func (c *Coordinator) Refresh(ctx context.Context) (ok bool, err error) {
	ok, err, _ = c.flight.Do(ctx, c.refresh)
	return ok, err
}

// Wait blocks until an in-flight refresh settles. waited is false when
// none was running.
func (c *Coordinator) Wait(ctx context.Context) (ok bool, err error, waited bool) {
	return c.flight.Wait(ctx)
}

// State reports whether a refresh is running.
func (c *Coordinator) State() State {
	if c.flight.InFlight() {
		return StateRefreshing
	}
	return StateIdle
}

// Waiters is the number of callers parked on the running refresh.
func (c *Coordinator) Waiters() int {
	return c.flight.Waiters()
}

// exclusive runs fn while no refresh attempt is running. A refresh asked for
// meanwhile starts its attempt only after fn returns.
func (c *Coordinator) exclusive(ctx context.Context, fn func() error) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)
	return fn()
}

func (c *Coordinator) refresh(ctx context.Context) (bool, error) {
	// ctx is detached from callers, so this only waits out Login or Logout.
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer c.gate.Release(1)

	ctx, span := tracer.Start(ctx, "authclient.refresh", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	ctx = slogx.WithContext(ctx, c.logger.With("op", "refresh"))

	start := time.Now()
	err := c.attempt(ctx)
	elapsed := time.Since(start)

	outcome := outcomeLabel(err)
	c.metrics.observeRefresh(err, elapsed.Seconds())
	span.SetAttributes(attribute.String("authclient.refresh.outcome", outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		c.logger.Warn("refresh failed", "outcome", outcome, "duration_ms", elapsed.Milliseconds(), "error", err)
		return false, err
	}

	c.logger.Info("refresh succeeded", "duration_ms", elapsed.Milliseconds())
	return true, nil
}

func (c *Coordinator) attempt(ctx context.Context) error {
	if res := c.probe.Check(ctx); !res.Reachable {
		return fmt.Errorf("%w: %s", ErrNetworkUnreachable, res.Err)
	}

	access, err := c.store.Access(ctx)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		return fmt.Errorf("read access credential: %w", err)
	}
	expected := jwtx.SubjectOf(access)

	consumed, err := c.resolveRefreshToken(ctx, access)
	if err != nil {
		c.wipe(ctx, "no refresh credential")
		return err
	}

	resp, err := c.api.postJSON(ctx, "/refresh", refreshRequest{RefreshToken: consumed}, "")
	if err != nil {
		if isNetwork(err) {
			c.probe.Invalidate()
		}
		return err
	}

	if !isSuccess(resp.StatusCode) {
		rejected := newRefreshRejected(resp.StatusCode, resp.Body)
		c.wipe(ctx, "refresh rejected")
		return rejected
	}

	var body RefreshResponse
	if err := decodeEnvelope(resp.Body, &body); err != nil {
		c.wipe(ctx, "malformed refresh response")
		return err
	}

	creds, err := body.normalize()
	if errors.Is(err, ErrSubjectMismatch) {
		c.subjectMismatch(ctx, jwtx.Some(body.UserID), jwtx.SubjectOf(firstNonEmpty(body.AccessToken, body.Token)))
		return fmt.Errorf("%w: refreshed credential belongs to another subject than userId", err)
	}
	if err != nil {
		c.wipe(ctx, "malformed refresh response")
		return err
	}

	if expected.Valid {
		if !expected.Equal(creds.subject) {
			c.subjectMismatch(ctx, expected, creds.subject)
			return fmt.Errorf("%w: expected %s, got %s", ErrSubjectMismatch, expected, creds.subject)
		}
	} else {
		c.logger.Warn("accepting refresh without a subject to compare",
			"subject", creds.subject.String(),
			"refresh_fp", cryptox.Fingerprint(consumed),
		)
	}

	if creds.accessToken == access || creds.refreshToken == consumed {
		c.wipe(ctx, "refresh did not rotate")
		return ErrRefreshDidNotRotate
	}

	if err := c.store.Save(ctx, creds.accessToken, creds.refreshToken); err != nil {
		c.wipe(ctx, "persist refreshed credentials")
		return fmt.Errorf("persist refreshed credentials: %w", err)
	}
	if err := c.store.SaveIdentity(ctx, creds.identity); err != nil {
		c.wipe(ctx, "persist identity")
		return fmt.Errorf("persist identity: %w", err)
	}

	return nil
}

// resolveRefreshToken prefers the backend's view of the session and falls
// back to the local cache according to the fallback policy.
func (c *Coordinator) resolveRefreshToken(ctx context.Context, access string) (string, error) {
	token, reason := c.lookupRemote(ctx, access)
	if token != "" {
		return token, nil
	}

	if c.fallback == FallbackTransientOnly && !reason.transient() {
		c.logger.Info("remote lookup rejected the session, not using cache", "reason", reason.String())
		return "", fmt.Errorf("%w: lookup %s", ErrNoRefreshCredential, reason)
	}

	c.metrics.lookupFallback(reason)
	c.logger.Info("falling back to cached refresh credential", "reason", reason.String())

	cached, err := c.store.CachedRefresh(ctx)
	switch {
	case errors.Is(err, credstore.ErrNotFound):
		return "", fmt.Errorf("%w: lookup %s, nothing cached", ErrNoRefreshCredential, reason)
	case err != nil:
		return "", fmt.Errorf("%w: read cache: %v", ErrNoRefreshCredential, err)
	}
	return cached, nil
}

func (c *Coordinator) lookupRemote(ctx context.Context, access string) (string, LookupFailure) {
	if access == "" {
		return "", LookupNoAccess
	}

	resp, err := c.api.send(ctx, http.MethodGet, "/sessions/current-refresh-token", nil, access, nil)
	switch {
	case err != nil:
		return "", LookupNetwork
	case isAuthFailure(resp.StatusCode):
		return "", LookupUnauthorized
	case !isSuccess(resp.StatusCode):
		return "", LookupServer
	}

	var body currentRefreshTokenResponse
	if err := decodeEnvelope(resp.Body, &body); err != nil || body.RefreshToken == "" {
		return "", LookupMalformed
	}
	return body.RefreshToken, 0
}

func (c *Coordinator) subjectMismatch(ctx context.Context, expected, actual jwtx.Subject) {
	c.logger.Error("subject mismatch on refresh, wiping session",
		"expected", expected.String(),
		"actual", actual.String(),
	)
	c.reporter.ReportSecurityEvent(ctx, SecurityEvent{
		Kind:     "subject_mismatch",
		Stage:    "refresh",
		Expected: expected.String(),
		Actual:   actual.String(),
	})
	c.wipe(ctx, "subject mismatch")
}

func (c *Coordinator) wipe(ctx context.Context, reason string) {
	if err := c.store.Wipe(ctx); err != nil {
		c.logger.Error("wipe failed", "reason", reason, "error", err)
		return
	}
	c.logger.Info("session wiped", "reason", reason)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
