package devauth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Account is a dev-mode user record.
type Account struct {
	ID       string
	Username string
	hash     []byte
	Profile  map[string]any
}

// RefreshRecord tracks one issued refresh token.
type RefreshRecord struct {
	Token     string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
}

// Store keeps accounts and refresh tokens in memory.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	byID     map[string]*Account
	refresh  map[string]RefreshRecord
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		accounts: make(map[string]*Account),
		byID:     make(map[string]*Account),
		refresh:  make(map[string]RefreshRecord),
	}
}

// AddAccount registers a user with a bcrypt-hashed password.
func (s *Store) AddAccount(username, password string, profile map[string]any) (*Account, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	acct := &Account{
		ID:       uuid.NewString(),
		Username: username,
		hash:     hash,
		Profile:  profile,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = acct
	s.byID[acct.ID] = acct
	return acct, nil
}

// Authenticate checks username/password and returns the account.
func (s *Store) Authenticate(username, password string) (*Account, bool) {
	s.mu.RLock()
	acct, ok := s.accounts[username]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return nil, false
	}
	return acct, true
}

// AccountByUsername looks up an account by login name.
func (s *Store) AccountByUsername(username string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[username]
	return acct, ok
}

// AccountByID looks up an account by its identifier.
func (s *Store) AccountByID(id string) (*Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.byID[id]
	return acct, ok
}

// IssueRefresh mints and records a refresh token for userID.
func (s *Store) IssueRefresh(userID string, ttl time.Duration) RefreshRecord {
	rec := RefreshRecord{
		Token:     uuid.NewString(),
		UserID:    userID,
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh[rec.Token] = rec
	return rec
}

// ConsumeRefresh validates token and, when rotate is set, revokes it so
// the caller can issue a replacement. Returns false for unknown, revoked,
// or expired tokens.
func (s *Store) ConsumeRefresh(token string, rotate bool) (RefreshRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.refresh[token]
	if !ok || rec.Revoked || time.Now().After(rec.ExpiresAt) {
		return RefreshRecord{}, false
	}
	if rotate {
		rec.Revoked = true
		s.refresh[token] = rec
	}
	return rec, true
}

// Revoke marks a refresh token revoked. Unknown tokens are ignored.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.refresh[token]; ok {
		rec.Revoked = true
		s.refresh[token] = rec
	}
}

// RevokeAll revokes every refresh token, simulating a backend-side reset.
func (s *Store) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, rec := range s.refresh {
		rec.Revoked = true
		s.refresh[token] = rec
	}
}
