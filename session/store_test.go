package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	if store.Access() != "" || store.Refresh() != "" {
		t.Fatalf("new store should be empty")
	}

	store.Set("acc", "ref")
	if store.Access() != "acc" || store.Refresh() != "ref" {
		t.Fatalf("round trip mismatch: %q %q", store.Access(), store.Refresh())
	}

	store.Clear()
	if store.Access() != "" || store.Refresh() != "" {
		t.Fatalf("clear should remove both tokens")
	}
}

func TestFileStorePersistsPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store.Set("acc", "ref")

	reopened, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Credentials(); got.Access != "acc" || got.Refresh != "ref" {
		t.Fatalf("reopened pair mismatch: %+v", got)
	}
}

func TestFileStoreClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	store, err := NewFileStore(path, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store.Set("acc", "ref")
	store.Clear()

	if store.Access() != "" || store.Refresh() != "" {
		t.Fatalf("clear should remove both tokens")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected token file to be deleted, stat err: %v", err)
	}
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "absent.json"), testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if store.Access() != "" || store.Refresh() != "" {
		t.Fatalf("missing file should mean empty store")
	}
}
