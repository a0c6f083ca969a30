package authclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/authclient/pkg/jwtx"
)

// DefaultKeepaliveInterval is used when NewKeepalive is given no interval.
const DefaultKeepaliveInterval = time.Minute

// Keepalive periodically refreshes the session ahead of its advisory
// expiry so interactive calls rarely hit the 401 path.
type Keepalive struct {
	Client   *Client
	Logger   *slog.Logger
	Interval time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewKeepalive creates a keepalive worker. If interval is 0 or negative,
// defaults to one minute.
func NewKeepalive(client *Client, interval time.Duration) *Keepalive {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}

	return &Keepalive{
		Client:   client,
		Logger:   client.logger.With("component", "keepalive"),
		Interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the background worker. Call Stop to shut it down. Starting
// twice, or after Stop, does nothing.
func (k *Keepalive) Start() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started || k.stopped {
		return
	}
	k.started = true

	go k.run()
	k.Logger.Info("keepalive started", "interval", k.Interval)
}

// Stop shuts the worker down and blocks until any in-progress tick is done.
// It is safe to call more than once, and before Start.
func (k *Keepalive) Stop() {
	k.mu.Lock()
	first := !k.stopped
	if first {
		k.stopped = true
		close(k.stopCh)
	}
	started := k.started
	k.mu.Unlock()

	if !started {
		return
	}
	<-k.doneCh
	if first {
		k.Logger.Info("keepalive stopped")
	}
}

func (k *Keepalive) run() {
	defer close(k.doneCh)

	ticker := time.NewTicker(k.Interval)
	defer ticker.Stop()

	k.Tick(context.Background())

	for {
		select {
		case <-ticker.C:
			k.Tick(context.Background())
		case <-k.stopCh:
			return
		}
	}
}

// Tick refreshes when the stored access credential expires before the next
// tick would see it. It reports whether a refresh succeeded.
func (k *Keepalive) Tick(ctx context.Context) bool {
	token, err := k.Client.storedAccess(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotAuthenticated) {
			k.Logger.Error("keepalive could not read session", "error", err)
		}
		return false
	}

	claims, ok := jwtx.DecodeUnverified(token)
	if !ok || !claims.ExpiresWithin(k.Client.cfg.RefreshSkew+k.Interval, time.Now()) {
		return false
	}

	refreshed, err := k.Client.coord.Refresh(ctx)
	switch {
	case refreshed:
		k.Logger.Debug("keepalive refreshed session")
	case errors.Is(err, ErrNetworkUnreachable):
		k.Logger.Info("keepalive skipped, backend unreachable")
	default:
		k.Logger.Warn("keepalive refresh failed", "error", err)
	}
	return refreshed
}
