package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/httpx"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// Response is a completed backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Attempts is 2 when the request was retried after a refresh.
	Attempts int
}

// Decode unwraps the {success, message, data} envelope into target.
func (r *Response) Decode(target any) error {
	return decodeEnvelope(r.Body, target)
}

// api sends single requests to the backend. It knows nothing about
// credentials beyond attaching the bearer it is given.
type api struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
}

// url builds a complete URL by appending the path to the base URL.
func (a *api) url(path string) string {
	return a.baseURL + path
}

// send performs one request. A transport failure or a timeout owned by the
// api (not the caller's context) is reported as ErrNetworkUnreachable.
func (a *api) send(ctx context.Context, method, path string, body []byte, bearer string, header http.Header) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, a.url(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, a.transportError(ctx, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, a.transportError(ctx, method, path, err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
		Attempts:   1,
	}, nil
}

// transportError keeps the caller's own cancellation distinct from the
// backend being unreachable.
func (a *api) transportError(ctx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrNetworkUnreachable, method, path, err)
}

// postJSON marshals payload and sends it unauthenticated.
func (a *api) postJSON(ctx context.Context, path string, payload any, bearer string) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return a.send(ctx, http.MethodPost, path, body, bearer, nil)
}

// decodeEnvelope unwraps data into target. A nil target only checks the
// body is an envelope.
func decodeEnvelope(body []byte, target any) error {
	var env httpx.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if target == nil {
		return nil
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return fmt.Errorf("%w: missing data", ErrMalformedResponse)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

// encodeBody marshals a request body once so a retry sends identical bytes.
func encodeBody(v any) ([]byte, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

// isNetwork reports whether err is a transport-level failure.
func isNetwork(err error) bool {
	return errors.Is(err, ErrNetworkUnreachable)
}
