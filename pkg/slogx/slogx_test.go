package slogx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	require.Equal(t, slog.LevelWarn, parseLevel("warning"))
	require.Equal(t, slog.LevelError, parseLevel("error"))
	require.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestFromContext(t *testing.T) {
	fallback := Discard()
	require.Same(t, fallback, FromContext(context.Background(), fallback))

	attached := Discard()
	ctx := WithContext(context.Background(), attached)
	require.Same(t, attached, FromContext(ctx, fallback))
}

func TestTransportLogsWithoutAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	client := &http.Client{Transport: Transport(logger, nil)}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-123")
	req.Header.Set("Authorization", "Bearer secret-access-token")

	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "http_request", entry["msg"])
	require.Equal(t, "req-123", entry["req_id"])
	require.Equal(t, "/sessions", entry["path"])
	require.EqualValues(t, http.StatusTeapot, entry["status"])
	require.NotContains(t, buf.String(), "secret-access-token")
}

func TestWithSpan(t *testing.T) {
	logger := Discard()
	require.Same(t, logger, WithSpan(context.Background(), logger), "no span, no change")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1},
		SpanID:  trace.SpanID{2},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	var buf bytes.Buffer
	WithSpan(ctx, slog.New(slog.NewJSONHandler(&buf, nil))).Info("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, sc.TraceID().String(), entry["trace_id"])
	require.Equal(t, sc.SpanID().String(), entry["span_id"])
}
