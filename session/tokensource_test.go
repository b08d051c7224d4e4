package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"authkit/devauth"
)

func TestTokenSourceReturnsValidToken(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{})

	access, refresh, err := backend.SeedSession("driver", time.Hour)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)

	tok, err := ctrl.TokenSource(context.Background()).Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != access {
		t.Fatalf("expected stored token to be reused")
	}
	if tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token type %q", tok.TokenType)
	}
	if tok.Expiry.IsZero() {
		t.Fatalf("expected decoded expiry")
	}
	if backend.RefreshCalls() != 0 {
		t.Fatalf("valid token must not trigger a refresh")
	}
}

func TestTokenSourceRefreshesExpiredToken(t *testing.T) {
	ctrl, backend, store := newTestStack(t, devauth.Options{AccessTTL: time.Hour})

	access, refresh, err := backend.SeedSession("driver", -time.Minute)
	if err != nil {
		t.Fatalf("SeedSession: %v", err)
	}
	store.Set(access, refresh)

	tok, err := ctrl.TokenSource(context.Background()).Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken == access {
		t.Fatalf("expected a renewed token")
	}
	if backend.RefreshCalls() != 1 {
		t.Fatalf("expected one refresh, got %d", backend.RefreshCalls())
	}
}

func TestTokenSourceSharesSingleFlight(t *testing.T) {
	// The source and the transport must share the coordinator: a refresh
	// started by one is observed by the other.
	release := make(chan struct{})
	var calls atomic.Int64

	store := NewMemoryStore()
	store.Set("", "ref-1")

	coord, _ := startCoordinator(t, store, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]string{"access": signTokenForSource(t)})
	})

	ts := &tokenSource{
		ctx:   context.Background(),
		store: store,
		coord: coord,
		skew:  time.Minute,
		now:   time.Now,
	}

	done := make(chan error, 2)
	go func() {
		_, err := coord.Refresh(context.Background())
		done <- err
	}()
	waitForWaiters(t, coord, 0)
	go func() {
		_, err := ts.Token()
		done <- err
	}()
	waitForWaiters(t, coord, 1)
	close(release)

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("refresh path %d failed: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one shared exchange, got %d", calls.Load())
	}
}

func signTokenForSource(t *testing.T) string {
	t.Helper()
	return signToken(t, time.Now().Add(time.Hour))
}
