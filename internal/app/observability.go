package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/authclient"

	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// initTracing installs a global tracer provider exporting over OTLP/HTTP.
// Without an endpoint nothing is installed and spans are no-ops. The
// returned function flushes and stops the exporter.
func initTracing(ctx context.Context, endpoint, instanceID, env string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", BuildVersion),
		attribute.String("service.instance.id", instanceID),
		attribute.String("deployment.environment", env),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}

// sentryReporter forwards security events to Sentry.
type sentryReporter struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

func initSentry(dsn, env, instanceID string, logger *slog.Logger) (authclient.SecurityReporter, error) {
	if dsn == "" {
		return nil, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          serviceName + "@" + BuildVersion,
		AttachStacktrace: true,
		ServerName:       instanceID,
	})
	if err != nil {
		return nil, err
	}

	return &sentryReporter{hub: sentry.CurrentHub(), logger: logger}, nil
}

func (r *sentryReporter) ReportSecurityEvent(_ context.Context, ev authclient.SecurityEvent) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("security_event", ev.Kind)
		scope.SetTag("stage", ev.Stage)
		scope.SetContext("subject", sentry.Context{
			"expected": ev.Expected,
			"actual":   ev.Actual,
		})
		r.hub.CaptureMessage("security event: " + ev.Kind)
	})
	r.logger.Warn("security event reported", "kind", ev.Kind, "stage", ev.Stage)
}

func flushSentry() {
	sentry.Flush(2 * time.Second)
}
