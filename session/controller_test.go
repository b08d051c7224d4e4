package session

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"authkit/api"
	"authkit/devauth"
)

// newTestStack boots a devauth backend with one account and a controller
// pointed at it.
func newTestStack(t *testing.T, opts devauth.Options) (*Controller, *devauth.Server, *MemoryStore) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	backend, err := devauth.NewServer(opts)
	if err != nil {
		t.Fatalf("devauth.NewServer: %v", err)
	}
	if err := backend.AddAccount("driver", "road", map[string]any{"name": "Test Driver"}); err != nil {
		t.Fatalf("AddAccount: %v", err)
	}

	srv := httptest.NewServer(backend.Routes())
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Retry.BaseDelay = 10 * time.Millisecond

	store := NewMemoryStore()
	ctrl := NewController(cfg, store, testLogger())
	return ctrl, backend, store
}

func TestInitializeWithoutCredentials(t *testing.T) {
	ctrl, backend, _ := newTestStack(t, devauth.Options{})

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", got)
	}
	if backend.RefreshCalls() != 0 || backend.UserCalls() != 0 {
		t.Fatalf("no backend calls expected with empty store")
	}
}

func TestInitializeValidAccessToken(t *testing.T) {
	// Scenario A: access token well clear of expiry, zero refresh calls.
	ctrl, backend, store := newTestStack(t, devauth.Options{AccessTTL: time.Hour})

	access, refresh, err := backend.SeedSession("driver", time.Hour)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}
	if len(ctrl.User()) == 0 {
		t.Fatalf("expected identity record")
	}
	if backend.RefreshCalls() != 0 {
		t.Fatalf("expected zero refresh calls, got %d", backend.RefreshCalls())
	}
	if backend.UserCalls() != 1 {
		t.Fatalf("expected one identity call, got %d", backend.UserCalls())
	}
}

func TestInitializeExpiredAccessToken(t *testing.T) {
	// Scenario B: expired access, valid refresh. Exactly one refresh,
	// then one identity call.
	ctrl, backend, store := newTestStack(t, devauth.Options{AccessTTL: time.Hour})

	access, refresh, err := backend.SeedSession("driver", -time.Minute)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}
	if backend.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh call, got %d", backend.RefreshCalls())
	}
	if backend.UserCalls() != 1 {
		t.Fatalf("expected one identity call, got %d", backend.UserCalls())
	}
}

func TestInitializeRevokedRefreshToken(t *testing.T) {
	// Scenario C: expired access, revoked refresh. Session settles
	// unauthenticated with both tokens cleared.
	ctrl, backend, store := newTestStack(t, devauth.Options{})

	access, refresh, err := backend.SeedSession("driver", -time.Minute)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)
	backend.Store().RevokeAll()

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should settle, got %v", err)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", got)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("expected cleared credentials, got %+v", creds)
	}
}

func TestInitializeRetriesTransientIdentityFailure(t *testing.T) {
	// Scenario D: identity endpoint answers 500, 500, 200. Initialize
	// succeeds after two linear backoffs.
	ctrl, backend, store := newTestStack(t, devauth.Options{})

	var delays []time.Duration
	ctrl.retry.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	access, refresh, err := backend.SeedSession("driver", time.Hour)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)
	backend.FailNext("/current_user", 500, 500)

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}
	if backend.UserCalls() != 3 {
		t.Fatalf("expected 3 identity calls, got %d", backend.UserCalls())
	}

	base := ctrl.cfg.Retry.BaseDelay
	if len(delays) != 2 {
		t.Fatalf("expected 2 backoffs, got %v", delays)
	}
	if delays[0] < base || delays[1] < 2*base {
		t.Fatalf("backoff schedule too short: %v", delays)
	}
}

func TestInitializeDegradedKeepsTokens(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{})
	ctrl.retry.sleep = func(context.Context, time.Duration) error { return nil }

	access, refresh, err := backend.SeedSession("driver", time.Hour)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)
	backend.FailNext("/current_user", 500, 500, 500)

	if err := ctrl.Initialize(context.Background()); err == nil {
		t.Fatalf("expected error for persistent backend fault")
	}
	if got := ctrl.State(); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
	if creds := store.Credentials(); creds.Access == "" || creds.Refresh == "" {
		t.Fatalf("temporary failure must not discard tokens")
	}

	// A later initialize succeeds once the backend recovers.
	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated after recovery, got %s", got)
	}
}

func TestInitializeRevokedRefreshDuringIdentityFetch(t *testing.T) {
	// Valid access token, revoked refresh token: the identity fetch gets a
	// 401, the transport's internal refresh is rejected, and that rejection
	// must stay terminal. One identity attempt, one refresh exchange, no
	// backoff sleeps.
	ctrl, backend, store := newTestStack(t, devauth.Options{AccessTTL: time.Hour})

	var delays []time.Duration
	ctrl.retry.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	access, refresh, err := backend.SeedSession("driver", time.Hour)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)
	backend.Store().RevokeAll()
	backend.FailNext("/current_user", 401)

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize should settle, got %v", err)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", got)
	}
	if backend.UserCalls() != 1 {
		t.Fatalf("rejected refresh must not retry the identity fetch, got %d calls", backend.UserCalls())
	}
	if backend.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh exchange, got %d", backend.RefreshCalls())
	}
	if len(delays) != 0 {
		t.Fatalf("terminal rejection must not back off, slept %v", delays)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("expected cleared credentials, got %+v", creds)
	}
}

func TestLoginSuccessStoresPair(t *testing.T) {
	ctrl, _, store := newTestStack(t, devauth.Options{})

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}
	if creds := store.Credentials(); creds.Access == "" || creds.Refresh == "" {
		t.Fatalf("expected stored pair")
	}
	if len(ctrl.User()) == 0 {
		t.Fatalf("expected user record from login response")
	}
}

func TestLoginBadCredentials(t *testing.T) {
	// Scenario E: wrong password leaves state and store untouched and
	// produces the humanized message.
	ctrl, _, store := newTestStack(t, devauth.Options{})

	if err := ctrl.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	err := ctrl.Login(context.Background(), "driver", "wrongpass")
	if err == nil {
		t.Fatalf("expected login failure")
	}
	if got := api.LoginMessage(err); got != "Invalid username or password. Please try again." {
		t.Fatalf("unexpected message %q", got)
	}
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("failed login must not change state, got %s", got)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("failed login must not store tokens")
	}
}

func TestConcurrentLoginsYieldOneSession(t *testing.T) {
	const n = 8
	ctrl, _, _ := newTestStack(t, devauth.Options{})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ctrl.Login(context.Background(), "driver", "road")
		}(i)
	}
	wg.Wait()

	successes, rejected := 0, 0
	for i := 0; i < n; i++ {
		switch errs[i] {
		case nil:
			successes++
		case ErrAlreadyAuthenticated:
			rejected++
		default:
			t.Fatalf("login %d failed unexpectedly: %v", i, errs[i])
		}
	}
	if successes != 1 || rejected != n-1 {
		t.Fatalf("expected one winning login, got %d successes and %d rejections", successes, rejected)
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got)
	}
}

func TestLoginWhileAuthenticated(t *testing.T) {
	ctrl, _, _ := newTestStack(t, devauth.Options{})

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := ctrl.Login(context.Background(), "driver", "road"); err != ErrAlreadyAuthenticated {
		t.Fatalf("expected ErrAlreadyAuthenticated, got %v", err)
	}
}

func TestLogoutIdempotent(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{})

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctrl.Logout(context.Background())
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("expected unauthenticated, got %s", got)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("logout must clear credentials")
	}

	ctrl.Logout(context.Background())
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("second logout must stay unauthenticated, got %s", got)
	}
	if backend.RevokeCalls() != 1 {
		t.Fatalf("revocation must not repeat without a token, got %d", backend.RevokeCalls())
	}
}

func TestLogoutSurvivesRevocationFailure(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{})

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	backend.FailNext("/auth/logout", 500)

	ctrl.Logout(context.Background())
	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("logout must succeed locally despite backend fault, got %s", got)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("logout must clear credentials despite backend fault")
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	ctrl, _, _ := newTestStack(t, devauth.Options{})

	ch, cancel := ctrl.Subscribe()
	defer cancel()

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	select {
	case snap := <-ch:
		if snap.State != StateAuthenticated {
			t.Fatalf("expected authenticated snapshot, got %s", snap.State)
		}
		if len(snap.User) == 0 {
			t.Fatalf("snapshot should carry the user record")
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}
}

func TestProactiveRefreshLoop(t *testing.T) {
	ctrl, backend, _ := newTestStack(t, devauth.Options{AccessTTL: time.Minute})
	ctrl.cfg.Refresh.Interval = 5 * time.Millisecond
	// A one-minute token is always inside a five-minute window, so every
	// tick renews.
	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for backend.RefreshCalls() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	<-done

	if backend.RefreshCalls() < 2 {
		t.Fatalf("expected proactive refreshes, got %d", backend.RefreshCalls())
	}
	if got := ctrl.State(); got != StateAuthenticated {
		t.Fatalf("proactive refresh must keep the session, got %s", got)
	}
}

func TestProactiveRefreshTerminalFailureEndsSession(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{AccessTTL: time.Minute})
	ctrl.cfg.Refresh.Interval = 5 * time.Millisecond

	if err := ctrl.Login(context.Background(), "driver", "road"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	backend.Store().RevokeAll()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for ctrl.State() != StateUnauthenticated && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stop()
	<-done

	if got := ctrl.State(); got != StateUnauthenticated {
		t.Fatalf("revoked refresh must end the session, got %s", got)
	}
	if creds := store.Credentials(); creds.Access != "" || creds.Refresh != "" {
		t.Fatalf("expected cleared credentials, got %+v", creds)
	}
}
