package history

import (
	gosync "sync"
	"time"

	"syftsync/internal/sync"
)

// MemoryStore is an in-memory implementation of sync.HistoryStore for tests
// and throwaway roots. Safe for concurrent use.
type MemoryStore struct {
	mu         gosync.Mutex
	byPath     map[string][]sync.HistoryEntry // newest last
	maxPerPath int
}

// NewMemoryStore creates an empty in-memory journal. maxPerPath <= 0 selects
// the default of 50.
func NewMemoryStore(maxPerPath int) *MemoryStore {
	if maxPerPath <= 0 {
		maxPerPath = 50
	}
	return &MemoryStore{
		byPath:     map[string][]sync.HistoryEntry{},
		maxPerPath: maxPerPath,
	}
}

func (s *MemoryStore) Append(e sync.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append(s.byPath[e.Path], e)
	if len(ring) > s.maxPerPath {
		ring = ring[len(ring)-s.maxPerPath:]
	}
	s.byPath[e.Path] = ring
	return nil
}

func (s *MemoryStore) RecentForPath(path string, since time.Time) ([]sync.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []sync.HistoryEntry
	collect := func(ring []sync.HistoryEntry) {
		for i := len(ring) - 1; i >= 0; i-- {
			if ring[i].Timestamp.After(since) {
				entries = append(entries, ring[i])
			}
		}
	}

	if ring, ok := s.byPath[path]; ok {
		collect(ring)
	} else {
		// Fall back to relative-path matching for deletion checks.
		for _, ring := range s.byPath {
			for i := len(ring) - 1; i >= 0; i-- {
				if ring[i].RelPath == path && ring[i].Timestamp.After(since) {
					entries = append(entries, ring[i])
				}
			}
		}
	}
	return entries, nil
}

func (s *MemoryStore) Close() error { return nil }

// Compile-time check that MemoryStore implements sync.HistoryStore
var _ sync.HistoryStore = (*MemoryStore)(nil)
