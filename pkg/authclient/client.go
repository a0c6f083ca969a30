package authclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/credstore"
	"github.com/aussiebroadwan/authclient/pkg/httpx"
	"github.com/aussiebroadwan/authclient/pkg/slogx"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultRefreshSkew    = 30 * time.Second
	DefaultUserAgent      = "authclient/1.0"
)

// Config configures a Client. Zero durations take their defaults.
type Config struct {
	BaseURL string           `validate:"required,url"`
	Store   *credstore.Store `validate:"required"`

	// Transport is the innermost RoundTripper. Defaults to
	// http.DefaultTransport.
	Transport http.RoundTripper
	UserAgent string

	RequestTimeout time.Duration `validate:"gte=0"`
	HealthPath     string
	ProbeTimeout   time.Duration `validate:"gte=0,lte=3s"`
	ProbeTTL       time.Duration `validate:"gte=0"`

	// RefreshSkew is how close to its advisory expiry an access credential
	// may get before AccessToken refreshes it proactively.
	RefreshSkew time.Duration `validate:"gte=0"`
	Fallback    FallbackPolicy

	Logger   *slog.Logger
	Metrics  *Metrics
	Reporter SecurityReporter
}

// Client is the entry point: it signs users in and out, hands out access
// credentials, and sends authenticated requests. All methods are safe for
// concurrent use.
type Client struct {
	cfg       Config
	api       *api
	store     *credstore.Store
	probe     *Probe
	coord     *Coordinator
	requester *Requester
	sessions  *Sessions
	logger    *slog.Logger
	metrics   *Metrics
	reporter  SecurityReporter
	validate  *validator.Validate
}

// New builds a Client. Each Client has its own coordinator; two clients
// sharing one store do not coordinate with each other.
func New(cfg Config) (*Client, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("authclient: invalid config: %w", err)
	}

	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ProbeTTL == 0 {
		cfg.ProbeTTL = DefaultProbeTTL
	}
	if cfg.RefreshSkew == 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = nopReporter{}
	}

	logger := cfg.Logger.With("component", "authclient")

	transport := httpx.Chain(cfg.Transport,
		httpx.RequestHeaders(cfg.UserAgent),
		func(next http.RoundTripper) http.RoundTripper { return slogx.Transport(logger, next) },
	)

	a := &api{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Transport: transport},
		timeout: cfg.RequestTimeout,
	}

	probe := newProbe(a, cfg.HealthPath, cfg.ProbeTimeout, cfg.ProbeTTL, logger, cfg.Metrics)
	coord := newCoordinator(a, cfg.Store, probe, cfg.Fallback, logger, cfg.Metrics, cfg.Reporter)
	requester := &Requester{
		api:     a,
		store:   cfg.Store,
		coord:   coord,
		probe:   probe,
		logger:  logger.With("component", "requester"),
		metrics: cfg.Metrics,
	}

	return &Client{
		cfg:       cfg,
		api:       a,
		store:     cfg.Store,
		probe:     probe,
		coord:     coord,
		requester: requester,
		sessions:  &Sessions{requester: requester},
		logger:    logger,
		metrics:   cfg.Metrics,
		reporter:  cfg.Reporter,
		validate:  validate,
	}, nil
}

// Probe returns the client's connectivity probe.
func (c *Client) Probe() *Probe { return c.probe }

// Coordinator returns the client's refresh coordinator.
func (c *Client) Coordinator() *Coordinator { return c.coord }

// Requester returns the client's authenticated request sender.
func (c *Client) Requester() *Requester { return c.requester }

// Sessions returns the session registry.
func (c *Client) Sessions() *Sessions { return c.sessions }

// Store returns the credential store the client writes to.
func (c *Client) Store() *credstore.Store { return c.store }
