package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Credentials is the durable token pair. The two values always travel
// together: a store never exposes a fresh access token next to a stale or
// cleared refresh token.
type Credentials struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenStore holds the credential pair. Implementations serialize
// mutation; Set and Clear replace the pair as a unit.
type TokenStore interface {
	Access() string
	Refresh() string
	Credentials() Credentials
	Set(access, refresh string)
	Clear()
}

// MemoryStore keeps the pair in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Access returns the stored access token, or "" when absent.
func (s *MemoryStore) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Access
}

// Refresh returns the stored refresh token, or "" when absent.
func (s *MemoryStore) Refresh() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Refresh
}

// Credentials returns the pair as stored.
func (s *MemoryStore) Credentials() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Set replaces both tokens atomically.
func (s *MemoryStore) Set(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{Access: access, Refresh: refresh}
}

// Clear removes both tokens.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
}

// FileStore persists the pair as a single JSON document so both values are
// written and removed as a unit. Writes go through a temp file and rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	creds  Credentials
	logger *slog.Logger
}

// NewFileStore loads any existing pair from path. A missing file is an
// empty store, not an error.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	s := &FileStore{path: path, logger: logger}

	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(payload, &s.creds); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return s, nil
}

// Access returns the stored access token, or "" when absent.
func (s *FileStore) Access() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Access
}

// Refresh returns the stored refresh token, or "" when absent.
func (s *FileStore) Refresh() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Refresh
}

// Credentials returns the pair as stored.
func (s *FileStore) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Set replaces both tokens atomically and persists them.
func (s *FileStore) Set(access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{Access: access, Refresh: refresh}
	if err := s.persist(); err != nil && s.logger != nil {
		s.logger.Error("token_persist_failed", "path", s.path, "error", err)
	}
}

// Clear removes both tokens and deletes the backing file.
func (s *FileStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = Credentials{}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		if s.logger != nil {
			s.logger.Error("token_clear_failed", "path", s.path, "error", err)
		}
	}
}

func (s *FileStore) persist() error {
	payload, err := json.Marshal(s.creds)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
