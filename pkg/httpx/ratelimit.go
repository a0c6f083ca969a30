package httpx

import (
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines the outbound rate limiting parameters.
type RateLimitConfig struct {
	// RequestsPerWindow is the number of requests allowed in the time window
	RequestsPerWindow int
	// Window is the time window for rate limiting
	Window time.Duration
	// Burst allows for temporary bursts above the rate limit
	Burst int
}

// Default outbound profiles. These can be overridden via environment
// variables, see ParseRateLimitFromEnv.
var (
	// StrictLimit for credential endpoints (login). Stops a misbehaving UI
	// loop from locking the account server-side.
	StrictLimit = RateLimitConfig{
		RequestsPerWindow: 5,
		Window:            time.Minute,
		Burst:             5,
	}

	// ModerateLimit for everything else.
	ModerateLimit = RateLimitConfig{
		RequestsPerWindow: 120,
		Window:            time.Minute,
		Burst:             20,
	}
)

// ParseRateLimitFromEnv reads rate limit configuration from environment variables.
// Environment variables follow the pattern: RATELIMIT_{prefix}_{field}
// For example: RATELIMIT_STRICT_REQUESTS, RATELIMIT_STRICT_WINDOW_SEC, RATELIMIT_STRICT_BURST
func ParseRateLimitFromEnv(prefix string, defaultConfig RateLimitConfig) RateLimitConfig {
	config := defaultConfig

	if val := os.Getenv("RATELIMIT_" + prefix + "_REQUESTS"); val != "" {
		if requests, err := strconv.Atoi(val); err == nil && requests > 0 {
			config.RequestsPerWindow = requests
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_WINDOW_SEC"); val != "" {
		if windowSec, err := strconv.Atoi(val); err == nil && windowSec > 0 {
			config.Window = time.Duration(windowSec) * time.Second
		}
	}

	if val := os.Getenv("RATELIMIT_" + prefix + "_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil && burst > 0 {
			config.Burst = burst
		}
	}

	return config
}

// KeyExtractor groups outbound requests for rate limiting purposes.
type KeyExtractor func(*http.Request) string

// PathKeyExtractor groups requests by URL path.
func PathKeyExtractor(r *http.Request) string {
	return r.URL.Path
}

// rateLimiter manages rate limiters for different keys
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	configs  func(key string) RateLimitConfig
}

func newLimiter(cfg RateLimitConfig) *rate.Limiter {
	perSecond := float64(cfg.RequestsPerWindow) / cfg.Window.Seconds()
	return rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
}

// getLimiter retrieves or creates a rate limiter for the given key. Keys are
// endpoint paths, a small fixed set, so limiters are never evicted.
func (rl *rateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if l, ok := rl.limiters[key]; ok {
		return l
	}
	l := newLimiter(rl.configs(key))
	rl.limiters[key] = l
	return l
}

// RateLimit delays outbound requests so each key stays within its budget.
// configFor picks the budget for a key. Waiting honours the request context:
// a cancelled or timed-out request returns its context error without being
// sent.
func RateLimit(keyExtractor KeyExtractor, configFor func(key string) RateLimitConfig) Tripperware {
	rl := &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		configs:  configFor,
	}

	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if err := rl.getLimiter(keyExtractor(r)).Wait(r.Context()); err != nil {
				return nil, err
			}
			return next.RoundTrip(r)
		})
	}
}

// StrictFor returns a configFor function applying strict to the listed
// paths and moderate to everything else.
func StrictFor(strict, moderate RateLimitConfig, paths ...string) func(string) RateLimitConfig {
	strictPaths := make(map[string]bool, len(paths))
	for _, p := range paths {
		strictPaths[p] = true
	}
	return func(key string) RateLimitConfig {
		if strictPaths[key] {
			return strict
		}
		return moderate
	}
}
