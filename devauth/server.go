// Package devauth is an in-process stand-in for the real credential
// backend. It implements the five consumed endpoints with bcrypt accounts,
// rotating uuid refresh tokens, and RS256 access tokens, plus scripted
// failure injection so the coordinator's recovery paths can be exercised
// end to end without a network.
package devauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

// Options tunes the stub backend.
type Options struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	RotateRefresh bool
	// RefreshLatency delays the refresh handler, widening the window in
	// which concurrent callers pile up behind one exchange.
	RefreshLatency time.Duration
	Logger         *slog.Logger
}

// Server is the stub backend. Counters and the failure script are safe for
// concurrent use.
type Server struct {
	opts   Options
	store  *Store
	signer *Signer
	logger *slog.Logger

	refreshCalls atomic.Int64
	userCalls    atomic.Int64
	revokeCalls  atomic.Int64

	scriptMu sync.Mutex
	script   map[string][]int
}

// NewServer constructs the stub with a fresh signing key.
func NewServer(opts Options) (*Server, error) {
	if opts.AccessTTL == 0 {
		opts.AccessTTL = 10 * time.Minute
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	signer, err := NewSigner()
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:   opts,
		store:  NewStore(),
		signer: signer,
		logger: opts.Logger,
		script: make(map[string][]int),
	}, nil
}

// Store exposes the account/refresh store for test seeding.
func (s *Server) Store() *Store { return s.store }

// AddAccount registers a login-able user.
func (s *Server) AddAccount(username, password string, profile map[string]any) error {
	_, err := s.store.AddAccount(username, password, profile)
	return err
}

// SeedSession issues a credential pair for username without a login round
// trip. accessTTL may be negative to produce an already-expired access
// token.
func (s *Server) SeedSession(username string, accessTTL time.Duration) (access, refresh string, err error) {
	acct, ok := s.store.AccountByUsername(username)
	if !ok {
		return "", "", fmt.Errorf("unknown account %q", username)
	}
	access, err = s.signer.Sign(acct.ID, accessTTL)
	if err != nil {
		return "", "", err
	}
	rec := s.store.IssueRefresh(acct.ID, s.opts.RefreshTTL)
	return access, rec.Token, nil
}

// FailNext scripts the next responses for path: each queued status is
// consumed by one request before normal handling resumes.
func (s *Server) FailNext(path string, statuses ...int) {
	s.scriptMu.Lock()
	defer s.scriptMu.Unlock()
	s.script[path] = append(s.script[path], statuses...)
}

// RefreshCalls reports how many refresh exchanges reached the backend.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// UserCalls reports how many identity fetches reached the backend.
func (s *Server) UserCalls() int64 { return s.userCalls.Load() }

// RevokeCalls reports how many logout revocations reached the backend.
func (s *Server) RevokeCalls() int64 { return s.revokeCalls.Load() }

// Routes constructs the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/verify", s.handleVerify)
	r.Post("/auth/logout", s.handleLogout)
	r.Get("/current_user", s.handleCurrentUser)
	r.Get("/jwks.json", s.handleJWKS)
	return r
}

func (s *Server) scripted(w http.ResponseWriter, path string) bool {
	s.scriptMu.Lock()
	queue := s.script[path]
	if len(queue) == 0 {
		s.scriptMu.Unlock()
		return false
	}
	status := queue[0]
	s.script[path] = queue[1:]
	s.scriptMu.Unlock()

	writeError(w, status, "scripted failure")
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.scripted(w, "/login") {
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	acct, ok := s.store.Authenticate(body.Username, body.Password)
	if !ok {
		s.logger.Info("login_rejected", "username", body.Username)
		writeError(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}

	access, err := s.signer.Sign(acct.ID, s.opts.AccessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}
	rec := s.store.IssueRefresh(acct.ID, s.opts.RefreshTTL)

	writeJSON(w, http.StatusOK, map[string]any{
		"access":  access,
		"refresh": rec.Token,
		"user":    s.profileOf(acct),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	if s.opts.RefreshLatency > 0 {
		time.Sleep(s.opts.RefreshLatency)
	}
	if s.scripted(w, "/auth/refresh") {
		return
	}

	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh == "" {
		writeError(w, http.StatusBadRequest, "refresh token required")
		return
	}

	rec, ok := s.store.ConsumeRefresh(body.Refresh, s.opts.RotateRefresh)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}

	access, err := s.signer.Sign(rec.UserID, s.opts.AccessTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token signing failed")
		return
	}

	resp := map[string]any{"access": access}
	if s.opts.RotateRefresh {
		next := s.store.IssueRefresh(rec.UserID, s.opts.RefreshTTL)
		resp["refresh"] = next.Token
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.scripted(w, "/auth/verify") {
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token required")
		return
	}
	if _, err := s.signer.Validate(body.Token); err != nil {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.revokeCalls.Add(1)
	if s.scripted(w, "/auth/logout") {
		return
	}

	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Refresh != "" {
		s.store.Revoke(body.Refresh)
	}
	// Best-effort ack regardless of token state.
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	s.userCalls.Add(1)
	if s.scripted(w, "/current_user") {
		return
	}

	subject, ok := s.bearerSubject(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided or are invalid")
		return
	}
	acct, ok := s.store.AccountByID(subject)
	if !ok {
		writeError(w, http.StatusUnauthorized, "No such account")
		return
	}
	writeJSON(w, http.StatusOK, s.profileOf(acct))
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.signer.PublicJWKS())
}

func (s *Server) bearerSubject(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	subject, err := s.signer.Validate(parts[1])
	if err != nil {
		return "", false
	}
	return subject, true
}

func (s *Server) profileOf(acct *Account) map[string]any {
	profile := map[string]any{"id": acct.ID, "username": acct.Username}
	for k, v := range acct.Profile {
		profile[k] = v
	}
	return profile
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
