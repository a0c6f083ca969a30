package app

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/httpx"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	BaseURL string `validate:"required,url"` // Required: backend base URL

	StoreKind  string `validate:"oneof=vault memory"`           // Credential store (vault, memory) (default: vault)
	VaultFile  string `validate:"required_if=StoreKind vault"` // Path to the vault file (default: ./session.db)
	SecretFile string // Optional: file holding the device secret; falls back to AUTH_DEVICE_SECRET

	Fallback          string        `validate:"oneof=always transient"` // Refresh credential fallback policy (default: always)
	RequestTimeout    time.Duration `validate:"gt=0"`                   // Timeout for backend calls (default: 30s)
	ProbeTimeout      time.Duration `validate:"gt=0,lte=3s"`            // Health probe timeout (default: 3s)
	ProbeTTL          time.Duration `validate:"gte=0"`                  // Health probe cache lifetime (default: 30s)
	RefreshSkew       time.Duration `validate:"gte=0"`                  // Proactive refresh window (default: 30s)
	KeepaliveInterval time.Duration `validate:"gt=0"`                   // Keepalive tick (default: 1m)
	DeviceDescriptor  string        `validate:"max=256"`                // Sent on login (default: authctl on <hostname>)

	StrictLimit   httpx.RateLimitConfig // Outbound budget for /login
	ModerateLimit httpx.RateLimitConfig // Outbound budget for everything else

	Env       string `validate:"oneof=dev staging prod"` // Environment (dev, staging, prod) (default: dev)
	LogLevel  string // Log level (debug, info, warn, error) (default: info)
	LogFormat string `validate:"oneof=json text"` // Log format (json, text) (default: json)
	LogFile   string // Optional: rotate logs into this file instead of stderr

	SentryDSN    string // Optional: report security events to Sentry
	OTLPEndpoint string // Optional: export traces over OTLP/HTTP (host:port)
	MetricsAddr  string // Optional: serve /metrics while running keepalive
}

// LoadConfig reads configuration from the environment, after loading a .env
// file from the working directory when one exists.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		BaseURL:           os.Getenv("AUTH_BASE_URL"),
		StoreKind:         getEnvOrDefault("AUTH_STORE", "vault"),
		VaultFile:         getEnvOrDefault("AUTH_VAULT_FILE", "session.db"),
		SecretFile:        os.Getenv("AUTH_SECRET_FILE"),
		Fallback:          getEnvOrDefault("AUTH_REFRESH_FALLBACK", "always"),
		RequestTimeout:    getEnvDurationOrDefault("AUTH_REQUEST_TIMEOUT", 30*time.Second),
		ProbeTimeout:      getEnvDurationOrDefault("AUTH_PROBE_TIMEOUT", 3*time.Second),
		ProbeTTL:          getEnvDurationOrDefault("AUTH_PROBE_TTL", 30*time.Second),
		RefreshSkew:       getEnvDurationOrDefault("AUTH_REFRESH_SKEW", 30*time.Second),
		KeepaliveInterval: getEnvDurationOrDefault("AUTH_KEEPALIVE_INTERVAL", time.Minute),
		DeviceDescriptor:  getEnvOrDefault("AUTH_DEVICE_DESCRIPTOR", defaultDeviceDescriptor()),
		StrictLimit:       httpx.ParseRateLimitFromEnv("STRICT", httpx.StrictLimit),
		ModerateLimit:     httpx.ParseRateLimitFromEnv("MODERATE", httpx.ModerateLimit),
		Env:               getEnvOrDefault("ENV", "dev"),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "json"),
		LogFile:           os.Getenv("LOG_FILE"),
		SentryDSN:         os.Getenv("SENTRY_DSN"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MetricsAddr:       os.Getenv("AUTH_METRICS_ADDR"),
	}
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func defaultDeviceDescriptor() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "authctl"
	}
	return "authctl on " + host
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
