package slogx

import (
	"log/slog"
	"net/http"
	"time"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// Transport logs every outbound request at debug level and failures at warn.
// The logger is taken from the request context when one is attached, else
// base is used. Authorization headers are never logged.
func Transport(base *slog.Logger, next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &loggingTransport{base: base, next: next}
}

type loggingTransport struct {
	base *slog.Logger
	next http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	logger := WithSpan(req.Context(), FromContext(req.Context(), t.base)).With(
		"req_id", req.Header.Get(RequestIDHeader),
		"method", req.Method,
		"path", req.URL.Path,
	)

	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start).Milliseconds()

	if err != nil {
		logger.Warn("http_request_failed", "duration_ms", duration, "error", err)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	logger.Log(req.Context(), level, "http_request",
		"status", resp.StatusCode,
		"duration_ms", duration,
	)

	return resp, nil
}
