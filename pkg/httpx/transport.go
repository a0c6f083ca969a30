package httpx

import (
	"net/http"

	"github.com/aussiebroadwan/authclient/pkg/idx"
)

// Tripperware wraps a RoundTripper, the client-side counterpart of a
// server middleware.
type Tripperware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Chain applies tripperwares so the first one listed is the outermost.
func Chain(base http.RoundTripper, tw ...Tripperware) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	for i := len(tw) - 1; i >= 0; i-- {
		base = tw[i](base)
	}
	return base
}

// RequestHeaders stamps each outbound request with an X-Request-ID (unless
// the caller set one) and a User-Agent. The request is cloned before it is
// modified, as RoundTrippers must not mutate their input.
func RequestHeaders(userAgent string) Tripperware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r = r.Clone(r.Context())
			if r.Header.Get("X-Request-ID") == "" {
				r.Header.Set("X-Request-ID", idx.New().String())
			}
			if userAgent != "" {
				r.Header.Set("User-Agent", userAgent)
			}
			return next.RoundTrip(r)
		})
	}
}
