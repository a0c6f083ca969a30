// Package flight provides a single-flight primitive: at most one call runs at
// a time, and every caller that arrives while it runs shares its result.
//
// Unlike a keyed singleflight, a Group guards exactly one operation and
// exposes the in-flight call so callers can wait on it without starting a new
// one.
package flight

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call is the in-progress record of a single flight.
type Call[T any] struct {
	done      chan struct{}
	startedAt time.Time

	// Callers parked on the call, not counting the one that started it.
	// Protected by the owning Group's mutex.
	waiters map[*waiter]struct{}

	val T
	err error
}

type waiter struct {
	enqueuedAt time.Time
}

// StartedAt reports when the call began.
func (c *Call[T]) StartedAt() time.Time { return c.startedAt }

// Group coordinates a single operation. The zero value is ready to use.
type Group[T any] struct {
	mu   sync.Mutex
	call *Call[T]

	// OnJoin, when set, is invoked each time a caller joins an existing
	// flight instead of starting a new one.
	OnJoin func()
}

// Do runs fn unless a call is already in flight, in which case it waits for
// that call. shared reports whether the result came from a call started by
// someone else.
//
// fn runs on a context detached from ctx's cancellation, so a caller giving
// up never aborts the flight for the others. If ctx ends first, Do returns
// ctx.Err() and the flight continues.
func (g *Group[T]) Do(ctx context.Context, fn func(context.Context) (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if c := g.call; c != nil {
		w := c.enqueue()
		onJoin := g.OnJoin
		g.mu.Unlock()

		if onJoin != nil {
			onJoin()
		}
		v, err = g.wait(ctx, c, w)
		return v, err, true
	}

	c := &Call[T]{
		done:      make(chan struct{}),
		startedAt: time.Now(),
		waiters:   make(map[*waiter]struct{}),
	}
	g.call = c
	g.mu.Unlock()

	go g.run(context.WithoutCancel(ctx), c, fn)

	v, err = g.wait(ctx, c, nil)
	return v, err, false
}

// Wait blocks until the in-flight call settles and returns its result. ok is
// false when nothing was in flight.
func (g *Group[T]) Wait(ctx context.Context) (v T, err error, ok bool) {
	g.mu.Lock()
	c := g.call
	if c == nil {
		g.mu.Unlock()
		return v, nil, false
	}
	w := c.enqueue()
	g.mu.Unlock()

	v, err = g.wait(ctx, c, w)
	return v, err, true
}

// InFlight reports whether a call is currently running.
func (g *Group[T]) InFlight() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.call != nil
}

// Waiters returns the number of callers currently blocked on the in-flight
// call, not counting the one that started it. A caller whose ctx ended is no
// longer counted.
func (g *Group[T]) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.call == nil {
		return 0
	}
	return len(g.call.waiters)
}

func (g *Group[T]) run(ctx context.Context, c *Call[T], fn func(context.Context) (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			c.val = zero
			c.err = fmt.Errorf("flight: call panicked: %v", r)
		}

		// Close under the lock so the next call cannot start until every
		// waiter of this one has been released.
		g.mu.Lock()
		g.call = nil
		close(c.done)
		g.mu.Unlock()
	}()

	c.val, c.err = fn(ctx)
}

// enqueue registers a waiter. The caller holds the Group's mutex.
func (c *Call[T]) enqueue() *waiter {
	w := &waiter{enqueuedAt: time.Now()}
	c.waiters[w] = struct{}{}
	return w
}

// wait blocks until c settles or ctx ends. w is nil for the caller that
// started c.
func (g *Group[T]) wait(ctx context.Context, c *Call[T], w *waiter) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		if w != nil {
			g.mu.Lock()
			delete(c.waiters, w)
			g.mu.Unlock()
		}
		var zero T
		return zero, ctx.Err()
	}
}
