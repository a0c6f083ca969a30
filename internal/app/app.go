package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aussiebroadwan/authclient/pkg/authclient"
	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/credstore/memkv"
	"github.com/aussiebroadwan/authclient/pkg/credstore/vault"
	"github.com/aussiebroadwan/authclient/pkg/cryptox"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"

	serviceName = "authctl"

	// DeviceSecretEnv holds the vault secret when no secret file is set.
	DeviceSecretEnv = "AUTH_DEVICE_SECRET"
)

// Application wires the client with its store, transport and telemetry.
type Application struct {
	cfg        Config
	logger     *slog.Logger
	instanceID string

	closeKV  func() error
	store    *credstore.Store
	client   *authclient.Client
	registry *prometheus.Registry

	shutdownTracing func(context.Context) error
	sentryEnabled   bool
}

// New creates a new Application instance with all dependencies initialized.
func New(ctx context.Context, cfg Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &Application{
		cfg:        cfg,
		instanceID: uuid.NewString(),
		logger: slogx.New(slogx.Config{
			Service: serviceName,
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
			File:    cfg.LogFile,
		}),
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := app.initStore(ctx); err != nil {
		return nil, err
	}

	shutdown, err := initTracing(ctx, cfg.OTLPEndpoint, app.instanceID, cfg.Env)
	if err != nil {
		_ = app.closeKV()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	app.shutdownTracing = shutdown

	reporter, err := initSentry(cfg.SentryDSN, cfg.Env, app.instanceID, app.logger)
	if err != nil {
		app.logger.Warn("sentry disabled", "error", err)
	}
	app.sentryEnabled = reporter != nil

	fallback := authclient.FallbackAlways
	if cfg.Fallback == "transient" {
		fallback = authclient.FallbackTransientOnly
	}

	client, err := authclient.New(authclient.Config{
		BaseURL:        cfg.BaseURL,
		Store:          app.store,
		Transport:      app.transport(),
		UserAgent:      serviceName + "/" + BuildVersion,
		RequestTimeout: cfg.RequestTimeout,
		ProbeTimeout:   cfg.ProbeTimeout,
		ProbeTTL:       cfg.ProbeTTL,
		RefreshSkew:    cfg.RefreshSkew,
		Fallback:       fallback,
		Logger:         app.logger,
		Metrics:        authclient.NewMetrics(app.registry),
		Reporter:       reporter,
	})
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	app.client = client

	app.logger.Debug("application initialized",
		"store", cfg.StoreKind,
		"base_url", cfg.BaseURL,
		"instance_id", app.instanceID,
	)
	return app, nil
}

// initStore opens the configured credential store.
func (app *Application) initStore(ctx context.Context) error {
	switch app.cfg.StoreKind {
	case "memory":
		app.store = credstore.New(memkv.New(), app.logger)
		app.closeKV = func() error { return nil }

	default:
		secret, err := cryptox.LoadSecret(app.cfg.SecretFile, DeviceSecretEnv)
		if err != nil {
			return fmt.Errorf("failed to load device secret: %w", err)
		}

		kv, err := vault.Open(ctx, app.cfg.VaultFile, secret, app.logger)
		if err != nil {
			return fmt.Errorf("failed to open vault: %w", err)
		}
		app.store = credstore.New(kv, app.logger)
		app.closeKV = kv.Close
	}
	return nil
}

// transport is the outbound stack below the client's own header and
// logging layers: rate limiting, then tracing.
func (app *Application) transport() http.RoundTripper {
	limits := httpx.StrictFor(app.cfg.StrictLimit, app.cfg.ModerateLimit, "/login")

	return httpx.Chain(
		otelhttp.NewTransport(http.DefaultTransport),
		httpx.RateLimit(httpx.PathKeyExtractor, limits),
	)
}

func (app *Application) Client() *authclient.Client { return app.client }

func (app *Application) Logger() *slog.Logger { return app.logger }

func (app *Application) Config() Config { return app.cfg }

// Keepalive returns a worker using the configured interval.
func (app *Application) Keepalive() *authclient.Keepalive {
	return authclient.NewKeepalive(app.client, app.cfg.KeepaliveInterval)
}

// MetricsHandler serves the application's prometheus registry.
func (app *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry})
}

// Close flushes telemetry and closes the credential store.
func (app *Application) Close(ctx context.Context) error {
	var errs []error

	if app.shutdownTracing != nil {
		if err := app.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
		}
	}
	if app.sentryEnabled {
		flushSentry()
	}
	if app.closeKV != nil {
		if err := app.closeKV(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	return errors.Join(errs...)
}
