package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"authkit/api"
)

// State is the application-visible session state.
type State int

const (
	// StateUninitialized is the state before Initialize has run.
	StateUninitialized State = iota
	// StateInitializing covers the startup token check and identity fetch.
	StateInitializing
	// StateAuthenticated means a verified identity is loaded.
	StateAuthenticated
	// StateUnauthenticated means there is no usable session.
	StateUnauthenticated
	// StateDegraded means stored tokens exist but the identity fetch
	// failed temporarily; the tokens are kept so a later attempt can
	// still succeed.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// ErrAlreadyAuthenticated is returned by Login when a session is active.
var ErrAlreadyAuthenticated = errors.New("session: already authenticated")

// Snapshot is the observable session surface delivered to subscribers.
type Snapshot struct {
	State State
	User  json.RawMessage
}

// Controller owns the session state machine. All token mutation funnels
// through its TokenStore and Coordinator; consumers read the observable
// surface and call Login/Logout, never the store directly.
type Controller struct {
	cfg    Config
	store  TokenStore
	client *api.Client
	coord  *Coordinator
	retry  *Retrier
	http   *http.Client
	logger *slog.Logger

	// now is injected for expiry tests.
	now func() time.Time

	// loginMu serializes Login calls so the already-authenticated guard
	// cannot be passed by two callers at once.
	loginMu sync.Mutex

	mu      sync.RWMutex
	state   State
	user    json.RawMessage
	subs    map[int]chan Snapshot
	nextSub int
}

// NewController wires the full coordination stack: token store, refresh
// coordinator, recovery transport, typed API client, and retry policy. The
// one Coordinator instance is shared by the transport's reactive 401 path
// and the proactive background loop; that sharing is what makes the
// single-flight guarantee hold across both triggers.
func NewController(cfg Config, store TokenStore, logger *slog.Logger) *Controller {
	c := &Controller{
		cfg:    cfg,
		store:  store,
		logger: logger,
		now:    time.Now,
		state:  StateUninitialized,
		subs:   make(map[int]chan Snapshot),
	}

	// The coordinator's client goes through the recovery transport too:
	// the transport structurally skips auth endpoints, so refresh calls
	// can never recurse into their own recovery.
	c.coord = NewCoordinator(store, nil, logger)
	c.http = &http.Client{
		Timeout:   cfg.Transport.Timeout,
		Transport: NewTransport(nil, store, c.coord, logger),
	}
	c.client = api.NewClient(cfg.BaseURL, c.http, logger)
	c.coord.client = c.client
	c.coord.NotifyTerminal(c.handleTerminalRefresh)
	c.retry = NewRetrier(c.coord, cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, logger)
	return c
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// User returns the identity record loaded at login or initialization.
func (c *Controller) User() json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// IsAuthenticated reports whether a session is active.
func (c *Controller) IsAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// HTTPClient returns the client whose transport attaches bearer tokens and
// performs the 401 refresh-and-replay recovery. Domain fetchers should use
// this client so they share the coordinator.
func (c *Controller) HTTPClient() *http.Client {
	return c.http
}

// Coordinator exposes the shared refresh coordinator.
func (c *Controller) Coordinator() *Coordinator {
	return c.coord
}

// Subscribe registers an observer for state changes. The returned cancel
// func unregisters it. Slow observers miss intermediate snapshots rather
// than blocking the state machine.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 8)
	c.subs[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Initialize restores a session from stored credentials. With no stored
// pair it settles Unauthenticated immediately. An expiring access token is
// refreshed first; then the identity is fetched through the retry policy.
// A definitive auth rejection clears the tokens and settles
// Unauthenticated with a nil error; a temporary failure leaves the tokens
// in place, moves to Degraded, and returns the error so the caller can
// retry later.
func (c *Controller) Initialize(ctx context.Context) error {
	c.setState(StateInitializing, nil)

	creds := c.store.Credentials()
	if creds.Access == "" && creds.Refresh == "" {
		c.setState(StateUnauthenticated, nil)
		return nil
	}

	if expiresWithin(creds.Access, c.cfg.Refresh.SkewBuffer, c.now()) {
		if _, err := c.coord.Refresh(ctx); err != nil {
			if c.coord.terminal(err) {
				// Coordinator already cleared the pair.
				c.setState(StateUnauthenticated, nil)
				return nil
			}
			c.logger.Warn("initialize_refresh_failed", "error", err)
			c.setState(StateDegraded, nil)
			return err
		}
	}

	var user json.RawMessage
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		var ferr error
		user, ferr = c.client.CurrentUser(ctx)
		return ferr
	})
	if err != nil {
		if api.IsAuthRejected(err) || errors.Is(err, ErrNoRefreshToken) {
			c.store.Clear()
			c.setState(StateUnauthenticated, nil)
			return nil
		}
		c.logger.Warn("initialize_identity_failed", "error", err)
		c.setState(StateDegraded, nil)
		return err
	}

	c.setState(StateAuthenticated, user)
	c.logger.Info("session_restored")
	return nil
}

// Login authenticates with the backend and stores the credential pair.
// It talks to the login endpoint directly; the transport never applies
// recovery there, because login is itself the recovery target. On failure
// the state is unchanged and the error can be humanized with
// api.LoginMessage.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	if c.State() == StateAuthenticated {
		return ErrAlreadyAuthenticated
	}

	resp, err := c.client.Login(ctx, username, password)
	if err != nil {
		c.logger.Warn("login_failed", "username", username, "error", err)
		return err
	}

	c.store.Set(resp.Access, resp.Refresh)
	c.setState(StateAuthenticated, resp.User)
	c.logger.Info("login_ok", "username", username)
	return nil
}

// Logout revokes the refresh token server-side on a best-effort basis,
// then unconditionally clears local credentials. Safe to call repeatedly.
func (c *Controller) Logout(ctx context.Context) {
	if refresh := c.store.Refresh(); refresh != "" {
		if err := c.client.Logout(ctx, refresh); err != nil {
			// Revocation is best effort; the local session dies anyway.
			c.logger.Warn("logout_revoke_failed", "error", err)
		}
	}
	c.store.Clear()
	c.setState(StateUnauthenticated, nil)
	c.logger.Info("logout_ok")
}

// Run drives the proactive refresh loop until ctx is cancelled. While
// authenticated it inspects access-token expiry every interval and renews
// through the shared Coordinator when the token enters the proactive
// window. Terminal refresh failures end the session; transient ones are
// retried on the next tick.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Refresh.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) tick(ctx context.Context) {
	if c.State() != StateAuthenticated {
		return
	}
	if !expiresWithin(c.store.Access(), c.cfg.Refresh.ProactiveWindow, c.now()) {
		return
	}
	if _, err := c.coord.Refresh(ctx); err != nil {
		if c.coord.terminal(err) {
			// handleTerminalRefresh already moved the state.
			return
		}
		c.logger.Warn("proactive_refresh_failed", "error", err)
	}
}

// handleTerminalRefresh is the Coordinator's terminal-failure hook. State
// notification fires only on an actual transition, so N simultaneous
// failures surface one transition.
func (c *Controller) handleTerminalRefresh(err error) {
	c.logger.Warn("session_terminated", "error", err)
	c.setState(StateUnauthenticated, nil)
}

func (c *Controller) setState(state State, user json.RawMessage) {
	c.mu.Lock()
	if c.state == state && state != StateAuthenticated {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.user = user
	snapshot := Snapshot{State: state, User: user}
	subs := make([]chan Snapshot, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
