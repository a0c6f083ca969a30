package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aussiebroadwan/authclient/pkg/idx"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Tripperware {
		return func(next http.RoundTripper) http.RoundTripper {
			return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
				order = append(order, name)
				return next.RoundTrip(r)
			})
		}
	}

	base := RoundTripperFunc(func(*http.Request) (*http.Response, error) {
		order = append(order, "base")
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://backend/health", nil)
	_, err := Chain(base, tag("outer"), tag("inner")).RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, []string{"outer", "inner", "base"}, order)
}

func TestRequestHeaders(t *testing.T) {
	var seen *http.Request
	base := RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
		seen = r
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	rt := Chain(base, RequestHeaders("authctl/test"))

	t.Run("stamps id and agent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://backend/profile", nil)
		_, err := rt.RoundTrip(req)
		require.NoError(t, err)

		_, err = idx.Parse(seen.Header.Get("X-Request-ID"))
		require.NoError(t, err)
		require.Equal(t, "authctl/test", seen.Header.Get("User-Agent"))
		require.Empty(t, req.Header.Get("X-Request-ID"), "caller's request must not be mutated")
	})

	t.Run("keeps caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://backend/profile", nil)
		req.Header.Set("X-Request-ID", "caller-chosen")
		_, err := rt.RoundTrip(req)
		require.NoError(t, err)
		require.Equal(t, "caller-chosen", seen.Header.Get("X-Request-ID"))
	})
}
