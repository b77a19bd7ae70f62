package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"syftsync/internal/fs"
	"syftsync/internal/history"
	"syftsync/internal/sync"
	"syftsync/internal/transport"
)

// NewTestRoot creates a temporary synchronized root and returns a real
// filesystem manager over it.
func NewTestRoot(t *testing.T) *fs.OSFilesystemManager {
	t.Helper()
	fsmgr, err := fs.NewOSFilesystemManager(t.TempDir())
	if err != nil {
		t.Fatalf("creating filesystem manager: %v", err)
	}
	return fsmgr
}

// WriteFile creates a file (and its parents) under the manager's root and
// returns its absolute path.
func WriteFile(t *testing.T, fsmgr *fs.OSFilesystemManager, relPath string, content []byte) string {
	t.Helper()
	absPath := filepath.Join(fsmgr.Root(), filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		t.Fatalf("creating parent directory: %v", err)
	}
	if err := os.WriteFile(absPath, content, 0644); err != nil {
		t.Fatalf("writing %s: %v", relPath, err)
	}
	return absPath
}

// NewTestHistoryStore creates an in-memory history store, closed when the
// test completes.
func NewTestHistoryStore(t *testing.T) sync.HistoryStore {
	t.Helper()
	store := history.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })
	return store
}

// NewTestMedium creates a shared in-memory mailbox medium that multiple
// principals can bind to, for exercising two-peer scenarios in one process.
func NewTestMedium() *transport.MemoryMedium {
	return transport.NewMemoryMedium()
}
