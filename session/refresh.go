package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"authkit/api"
)

// ErrNoRefreshToken is returned when a refresh is requested with no stored
// refresh token. It is terminal: there is nothing to exchange.
var ErrNoRefreshToken = errors.New("session: no refresh token")

type refreshResult struct {
	access string
	err    error
}

// Coordinator performs the refresh-token exchange with a process-wide
// single-flight guarantee: at most one exchange is in flight at any
// instant, and every caller that arrives while it runs waits for that
// exchange instead of starting another. Both the reactive 401 path and the
// proactive background timer must go through the same Coordinator, or the
// guarantee silently breaks.
type Coordinator struct {
	store  TokenStore
	client *api.Client
	logger *slog.Logger

	// onTerminal is invoked once per failed exchange whose outcome
	// invalidates the session (rejected or missing refresh token).
	onTerminal func(error)

	mu       sync.Mutex
	inflight bool
	waiters  []chan refreshResult
}

// NewCoordinator constructs a Coordinator over the given store and client.
func NewCoordinator(store TokenStore, client *api.Client, logger *slog.Logger) *Coordinator {
	return &Coordinator{store: store, client: client, logger: logger}
}

// NotifyTerminal registers the hook called when an exchange fails
// definitively. Must be set before the Coordinator is shared.
func (c *Coordinator) NotifyTerminal(fn func(error)) {
	c.onTerminal = fn
}

// Refresh exchanges the stored refresh token for a new access token and
// returns it. If an exchange is already in flight the caller is enqueued
// as a waiter and observes that exchange's outcome; waiters are released
// in enqueue order. A waiter whose ctx is cancelled abandons the queue
// without affecting the exchange or the other waiters.
func (c *Coordinator) Refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.inflight {
		ch := make(chan refreshResult, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case res := <-ch:
			return res.access, res.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.inflight = true
	c.mu.Unlock()

	access, err := c.exchange(ctx)

	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.inflight = false
	c.mu.Unlock()

	// Buffered channels: release in enqueue order without blocking on
	// waiters that already gave up.
	for _, ch := range waiters {
		ch <- refreshResult{access: access, err: err}
	}

	if err != nil && c.terminal(err) && c.onTerminal != nil {
		c.onTerminal(err)
	}
	return access, err
}

func (c *Coordinator) exchange(ctx context.Context) (string, error) {
	refresh := c.store.Refresh()
	if refresh == "" {
		c.store.Clear()
		return "", ErrNoRefreshToken
	}

	resp, err := c.client.Refresh(ctx, refresh)
	if err != nil {
		if api.IsAuthRejected(err) {
			// The refresh token itself was rejected. The pair is dead.
			c.store.Clear()
			c.logger.Warn("refresh_rejected", "error", err)
		} else {
			// Network or backend fault: the credentials may still be
			// valid, so keep them for a later attempt.
			c.logger.Warn("refresh_failed", "error", err)
		}
		return "", err
	}

	// Replace the pair atomically. When the backend does not rotate, the
	// existing refresh token stays paired with the new access token.
	newRefresh := resp.Refresh
	if newRefresh == "" {
		newRefresh = refresh
	}
	c.store.Set(resp.Access, newRefresh)
	c.logger.Debug("refresh_ok", "rotated", resp.Refresh != "")
	return resp.Access, nil
}

func (c *Coordinator) terminal(err error) bool {
	return errors.Is(err, ErrNoRefreshToken) || api.IsAuthRejected(err)
}
