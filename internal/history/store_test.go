package history

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"syftsync/internal/config"
	"syftsync/internal/sync"
)

var baseTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func entryAt(path, relPath string, op sync.Operation, at time.Time) sync.HistoryEntry {
	return sync.HistoryEntry{
		Path:        path,
		RelPath:     relPath,
		Direction:   sync.DirectionIncoming,
		Operation:   op,
		Peer:        "alice@example.com",
		Transport:   "memory",
		Timestamp:   at,
		ContentHash: "abc123",
		MessageID:   "msg_20240115T103000Z_0001",
		Size:        42,
	}
}

// storeFactories run the journal contract against every implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T, maxPerPath int) sync.HistoryStore {
	return map[string]func(t *testing.T, maxPerPath int) sync.HistoryStore{
		"memory": func(t *testing.T, maxPerPath int) sync.HistoryStore {
			return NewMemoryStore(maxPerPath)
		},
		"sqlite": func(t *testing.T, maxPerPath int) sync.HistoryStore {
			s, err := NewSQLiteStore(":memory:", maxPerPath)
			if err != nil {
				t.Fatalf("NewSQLiteStore() error = %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestStore_AppendAndRecentForPath(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t, 0)
			const path = "/root/docs/file.txt"

			for i := 0; i < 3; i++ {
				e := entryAt(path, "docs/file.txt", sync.OperationSync, baseTime.Add(time.Duration(i)*time.Minute))
				if err := s.Append(e); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			entries, err := s.RecentForPath(path, time.Time{})
			if err != nil {
				t.Fatalf("RecentForPath() error = %v", err)
			}
			if len(entries) != 3 {
				t.Fatalf("RecentForPath() returned %d entries, want 3", len(entries))
			}
			// Newest first.
			for i := 1; i < len(entries); i++ {
				if entries[i].Timestamp.After(entries[i-1].Timestamp) {
					t.Errorf("entries out of order: %v before %v", entries[i-1].Timestamp, entries[i].Timestamp)
				}
			}
			got := entries[0]
			if got.Peer != "alice@example.com" || got.MessageID != "msg_20240115T103000Z_0001" || got.Size != 42 {
				t.Errorf("round-tripped entry = %+v", got)
			}
			if !got.Timestamp.Equal(baseTime.Add(2 * time.Minute)) {
				t.Errorf("newest timestamp = %v, want %v", got.Timestamp, baseTime.Add(2*time.Minute))
			}
		})
	}
}

func TestStore_SinceCutoff(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t, 0)
			const path = "/root/docs/file.txt"

			old := entryAt(path, "docs/file.txt", sync.OperationSync, baseTime)
			recent := entryAt(path, "docs/file.txt", sync.OperationSync, baseTime.Add(time.Hour))
			if err := s.Append(old); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if err := s.Append(recent); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			entries, err := s.RecentForPath(path, baseTime.Add(30*time.Minute))
			if err != nil {
				t.Fatalf("RecentForPath() error = %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("RecentForPath() returned %d entries, want 1", len(entries))
			}
			if !entries[0].Timestamp.Equal(recent.Timestamp) {
				t.Errorf("survivor timestamp = %v, want %v", entries[0].Timestamp, recent.Timestamp)
			}
		})
	}
}

func TestStore_RingIsBounded(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t, 5)
			const path = "/root/docs/file.txt"

			for i := 0; i < 12; i++ {
				e := entryAt(path, "docs/file.txt", sync.OperationSync, baseTime.Add(time.Duration(i)*time.Second))
				if err := s.Append(e); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}

			entries, err := s.RecentForPath(path, time.Time{})
			if err != nil {
				t.Fatalf("RecentForPath() error = %v", err)
			}
			if len(entries) != 5 {
				t.Fatalf("ring holds %d entries, want 5", len(entries))
			}
			// The oldest seven were pruned; the newest survives.
			if !entries[0].Timestamp.Equal(baseTime.Add(11 * time.Second)) {
				t.Errorf("newest = %v, want %v", entries[0].Timestamp, baseTime.Add(11*time.Second))
			}
			if !entries[len(entries)-1].Timestamp.Equal(baseTime.Add(7 * time.Second)) {
				t.Errorf("oldest = %v, want %v", entries[len(entries)-1].Timestamp, baseTime.Add(7*time.Second))
			}
		})
	}
}

func TestStore_RelPathFallbackForDeletions(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t, 0)

			// A deletion is journaled under the absolute path, but the watcher
			// may later ask by relative path once the file is gone.
			e := entryAt("/root/docs/doomed.txt", "docs/doomed.txt", sync.OperationDelete, baseTime)
			e.ContentHash = ""
			if err := s.Append(e); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			entries, err := s.RecentForPath("docs/doomed.txt", time.Time{})
			if err != nil {
				t.Fatalf("RecentForPath() error = %v", err)
			}
			if len(entries) != 1 {
				t.Fatalf("rel-path lookup returned %d entries, want 1", len(entries))
			}
			if entries[0].Operation != sync.OperationDelete {
				t.Errorf("operation = %q, want %q", entries[0].Operation, sync.OperationDelete)
			}
		})
	}
}

func TestStore_UnknownPathIsEmpty(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t, 0)
			entries, err := s.RecentForPath("/root/never/seen.txt", time.Time{})
			if err != nil {
				t.Fatalf("RecentForPath() error = %v", err)
			}
			if len(entries) != 0 {
				t.Errorf("unknown path returned %d entries, want 0", len(entries))
			}
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sync_history.db")

	s, err := NewSQLiteStore(dbPath, 0)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := s.Append(entryAt("/root/docs/file.txt", "docs/file.txt", sync.OperationSync, baseTime)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := NewSQLiteStore(dbPath, 0)
	if err != nil {
		t.Fatalf("reopening store: %v", err)
	}
	defer reopened.Close()

	entries, err := reopened.RecentForPath("/root/docs/file.txt", time.Time{})
	if err != nil {
		t.Fatalf("RecentForPath() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("reopened store holds %d entries, want 1", len(entries))
	}
}

func TestNewStoreFromConfig(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		s, err := NewStoreFromConfig(config.HistoryConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("NewStoreFromConfig() error = %v", err)
		}
		if _, ok := s.(*MemoryStore); !ok {
			t.Errorf("store type = %T, want *MemoryStore", s)
		}
	})

	t.Run("sqlite default", func(t *testing.T) {
		dataDir := filepath.Join(t.TempDir(), "data")
		s, err := NewStoreFromConfig(config.HistoryConfig{DataDir: dataDir})
		if err != nil {
			t.Fatalf("NewStoreFromConfig() error = %v", err)
		}
		defer s.Close()
		if _, ok := s.(*SQLiteStore); !ok {
			t.Errorf("store type = %T, want *SQLiteStore", s)
		}
		if _, err := os.Stat(filepath.Join(dataDir, "sync_history.db")); err != nil {
			t.Errorf("journal file not created: %v", err)
		}
	})

	t.Run("sqlite without data_dir", func(t *testing.T) {
		if _, err := NewStoreFromConfig(config.HistoryConfig{Type: "sqlite"}); err == nil {
			t.Error("sqlite store without data_dir should fail")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := NewStoreFromConfig(config.HistoryConfig{Type: "papyrus"}); err == nil {
			t.Error("unknown store type should fail")
		}
	})
}
