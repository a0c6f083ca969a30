package authclient

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the client's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	refreshes       *prometheus.CounterVec
	refreshJoins    prometheus.Counter
	refreshDuration prometheus.Histogram
	lookupFallbacks *prometheus.CounterVec
	retries         prometheus.Counter
	expired         prometheus.Counter
	probes          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "refresh_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "refresh_joined_total",
			Help:      "Callers that joined an in-flight refresh instead of starting one.",
		}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authclient",
			Name:      "refresh_duration_seconds",
			Help:      "Wall time of refresh attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		lookupFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "refresh_lookup_fallback_total",
			Help:      "Remote refresh credential lookups that fell back to the local cache, by reason.",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "request_retries_total",
			Help:      "Authenticated requests retried after a refresh.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "authentication_expired_total",
			Help:      "Requests that ended the session.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authclient",
			Name:      "probe_total",
			Help:      "Connectivity probes by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.refreshes,
			m.refreshJoins,
			m.refreshDuration,
			m.lookupFallbacks,
			m.retries,
			m.expired,
			m.probes,
		)
	}
	return m
}

func (m *Metrics) observeRefresh(err error, seconds float64) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcomeLabel(err)).Inc()
	m.refreshDuration.Observe(seconds)
}

func (m *Metrics) joinedRefresh() {
	if m == nil {
		return
	}
	m.refreshJoins.Inc()
}

func (m *Metrics) lookupFallback(reason LookupFailure) {
	if m == nil {
		return
	}
	m.lookupFallbacks.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) authExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

func (m *Metrics) probed(reachable bool) {
	if m == nil {
		return
	}
	result := "unreachable"
	if reachable {
		result = "reachable"
	}
	m.probes.WithLabelValues(result).Inc()
}

// outcomeLabel maps a refresh result to a bounded label value.
func outcomeLabel(err error) string {
	var rejected *RefreshRejectedError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNetworkUnreachable):
		return "offline"
	case errors.As(err, &rejected):
		return "rejected"
	case errors.Is(err, ErrSubjectMismatch):
		return "subject_mismatch"
	case errors.Is(err, ErrRefreshDidNotRotate):
		return "not_rotated"
	case errors.Is(err, ErrNoRefreshCredential):
		return "no_credential"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrPersistenceVerificationFailed):
		return "persistence"
	default:
		return "error"
	}
}
