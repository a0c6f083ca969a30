package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
)

// Request describes one backend call.
type Request struct {
	Method string
	Path   string
	// Body is marshalled to JSON unless it is already []byte.
	Body   any
	Header http.Header

	// RequiresAuth enables the refresh-and-retry-once path on 401/403.
	RequiresAuth bool
}

// Requester sends requests with the stored access credential and recovers
// from an expired one by refreshing and retrying exactly once.
type Requester struct {
	api     *api
	store   *credstore.Store
	coord   *Coordinator
	probe   *Probe
	logger  *slog.Logger
	metrics *Metrics
}

// Call sends req. A 2xx answer returns the response. Non-2xx answers that
// do not concern authentication return *APIError; they never refresh or
// wipe anything.
func (r *Requester) Call(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	if req.RequiresAuth {
		if _, _, waited := r.coord.Wait(ctx); waited && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	used, err := r.access(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := r.send(ctx, req, body, used)
	if err != nil {
		return nil, err
	}
	if !req.RequiresAuth || !isAuthFailure(resp.StatusCode) {
		return finish(resp)
	}

	logger := r.logger.With("method", req.Method, "path", req.Path)
	logger.Debug("credential rejected, refreshing", "status", resp.StatusCode)

	// A refresh may have completed between sending and the 401 arriving.
	// Then the stored credential is already new and there is nothing to do
	// but retry with it.
	current, err := r.access(ctx)
	if err != nil {
		return nil, err
	}
	if current == "" || current == used {
		ok, refreshErr := r.coord.Refresh(ctx)
		if !ok {
			return nil, r.refreshFailed(ctx, logger, refreshErr)
		}
		if current, err = r.access(ctx); err != nil {
			return nil, err
		}
	}

	r.metrics.retried()
	retry, err := r.send(ctx, req, body, current)
	if err != nil {
		return nil, err
	}
	retry.Attempts = 2

	if isAuthFailure(retry.StatusCode) {
		logger.Warn("credential rejected after refresh, ending session", "status", retry.StatusCode)
		r.expire(ctx)
		return nil, ErrAuthenticationExpired
	}
	return finish(retry)
}

func (r *Requester) send(ctx context.Context, req Request, body []byte, bearer string) (*Response, error) {
	resp, err := r.api.send(ctx, req.Method, req.Path, body, bearer, req.Header)
	if err != nil && isNetwork(err) {
		r.probe.Invalidate()
	}
	return resp, err
}

// access returns the stored access credential, or "" when none is stored.
func (r *Requester) access(ctx context.Context) (string, error) {
	token, err := r.store.Access(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read access credential: %w", err)
	}
	return token, nil
}

func (r *Requester) refreshFailed(ctx context.Context, logger *slog.Logger, err error) error {
	switch {
	case err == nil:
		return ErrAuthenticationExpired
	case isNetwork(err):
		logger.Info("refresh deferred, backend unreachable")
		return fmt.Errorf("refresh before retry: %w", err)
	case ctx.Err() != nil:
		return ctx.Err()
	}

	r.metrics.authExpired()
	logger.Info("session ended by failed refresh", "error", err)
	return fmt.Errorf("%w: %w", ErrAuthenticationExpired, err)
}

func (r *Requester) expire(ctx context.Context) {
	r.metrics.authExpired()
	if err := r.store.Wipe(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("wipe failed", "error", err)
	}
}

func finish(resp *Response) (*Response, error) {
	if isSuccess(resp.StatusCode) {
		return resp, nil
	}
	return nil, parseErrorResponse(resp.StatusCode, resp.Body)
}
