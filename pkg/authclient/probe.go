package authclient

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/flight"
)

// Probe defaults.
const (
	DefaultHealthPath   = "/health"
	DefaultProbeTimeout = 3 * time.Second
	DefaultProbeTTL     = 30 * time.Second
)

// ProbeResult is the outcome of one reachability check.
type ProbeResult struct {
	Reachable bool
	Latency   time.Duration
	Err       string
	CheckedAt time.Time
}

// Probe answers "can the backend be reached right now?" with a short-lived
// cache. Any HTTP answer below 500 counts as reachable.
type Probe struct {
	api     *api
	path    string
	ttl     time.Duration
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu   sync.Mutex
	last *ProbeResult

	flight flight.Group[ProbeResult]
}

func newProbe(a *api, path string, timeout, ttl time.Duration, logger *slog.Logger, metrics *Metrics) *Probe {
	return &Probe{
		api:     &api{baseURL: a.baseURL, http: a.http, timeout: timeout},
		path:    path,
		ttl:     ttl,
		logger:  logger.With("component", "probe"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Check returns the cached result when fresh, else probes. Concurrent
// checks on a cold cache share one request.
func (p *Probe) Check(ctx context.Context) ProbeResult {
	p.mu.Lock()
	if p.last != nil && p.now().Sub(p.last.CheckedAt) < p.ttl {
		res := *p.last
		p.mu.Unlock()
		return res
	}
	p.mu.Unlock()

	res, err, _ := p.flight.Do(ctx, p.check)
	if err != nil {
		// Only the caller's context ending gets here; nothing is cached.
		return ProbeResult{Err: err.Error(), CheckedAt: p.now()}
	}
	return res
}

// Invalidate drops the cached result.
func (p *Probe) Invalidate() {
	p.mu.Lock()
	p.last = nil
	p.mu.Unlock()
}

func (p *Probe) check(ctx context.Context) (ProbeResult, error) {
	start := p.now()
	resp, err := p.api.send(ctx, http.MethodGet, p.path, nil, "", nil)

	res := ProbeResult{
		Latency:   p.now().Sub(start),
		CheckedAt: p.now(),
	}
	switch {
	case err != nil:
		res.Err = err.Error()
	case resp.StatusCode >= http.StatusInternalServerError:
		res.Err = http.StatusText(resp.StatusCode)
	default:
		res.Reachable = true
	}

	p.mu.Lock()
	p.last = &res
	p.mu.Unlock()

	p.metrics.probed(res.Reachable)
	if res.Reachable {
		p.logger.Debug("backend reachable", "latency_ms", res.Latency.Milliseconds())
	} else {
		p.logger.Warn("backend unreachable", "latency_ms", res.Latency.Milliseconds(), "error", res.Err)
	}

	return res, nil
}
