package sync

import (
	"errors"
	"io/fs"
	"time"
)

// Direction of a sync event relative to the local tree.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Operation performed by a sync event.
type Operation string

const (
	OperationSync   Operation = "sync"
	OperationDelete Operation = "delete"
)

// HistoryEntry is one record in the per-path sync journal. Entries retain
// the root-relative path so deletion checks can match by path after the
// physical file (and thus its hashable content) is gone.
type HistoryEntry struct {
	Path        string // absolute local path, journal key
	RelPath     string // root-relative path, survives file removal
	Direction   Direction
	Operation   Operation
	Peer        string
	Transport   string
	Timestamp   time.Time
	ContentHash string // empty for deletions
	MessageID   string
	Size        int64
}

// HistoryStore persists sync journal entries. Implementations keep a bounded
// ring of recent entries per path and must be safe for concurrent use: the
// watcher and the receiver poll loop both read and write the store.
type HistoryStore interface {
	// Append records an entry, pruning the per-path ring to its bound.
	Append(e HistoryEntry) error

	// RecentForPath returns entries for the absolute path newer than since,
	// newest first. Matching falls back to RelPath so deleted files remain
	// queryable.
	RecentForPath(path string, since time.Time) ([]HistoryEntry, error)

	Close() error
}

// EchoGuard answers "was this path just synced?" for both schedulers: the
// watcher asks before propagating a local event outward, the receiver
// records before and while applying inbound messages. Both questions reduce
// to a bounded-recency, content- or path-keyed lookup, which is why a single
// component serves both directions.
type EchoGuard struct {
	store     HistoryStore
	fsmgr     FilesystemManager
	clock     Clock
	threshold time.Duration
}

// DefaultEchoThreshold is the default recency window. Too short re-opens
// echo loops; too long suppresses legitimate rapid successive edits.
const DefaultEchoThreshold = 60 * time.Second

// NewEchoGuard creates an EchoGuard over the given store. threshold <= 0
// selects DefaultEchoThreshold.
func NewEchoGuard(store HistoryStore, fsmgr FilesystemManager, clock Clock, threshold time.Duration) *EchoGuard {
	if threshold <= 0 {
		threshold = DefaultEchoThreshold
	}
	return &EchoGuard{store: store, fsmgr: fsmgr, clock: clock, threshold: threshold}
}

// Threshold returns the configured recency window.
func (g *EchoGuard) Threshold() time.Duration { return g.threshold }

// RecordSync appends a journal entry for absPath. For deletions the file is
// already (or about to be) gone, so contentHash must be empty and the entry
// is matched by path alone later.
func (g *EchoGuard) RecordSync(absPath, messageID, peer, transport string, direction Direction, operation Operation, size int64, contentHash string) error {
	relPath, err := g.fsmgr.Rel(absPath)
	if err != nil {
		relPath = absPath // journal outside-root paths verbatim; never fatal
	}
	return g.store.Append(HistoryEntry{
		Path:        absPath,
		RelPath:     relPath,
		Direction:   direction,
		Operation:   operation,
		Peer:        peer,
		Transport:   transport,
		Timestamp:   g.clock.Now(),
		ContentHash: contentHash,
		MessageID:   messageID,
		Size:        size,
	})
}

// IsRecentSync reports whether absPath was synced within the threshold
// window. direction and operation filter the match when non-empty.
//
// For an existing file the current content hash must equal a recorded hash
// in the window: a genuinely new edit changes the hash and is not
// suppressed. For a non-existent file (deletion check) no hash can be
// computed, so any in-window entry for the path matches. A file edited
// within the window right after being received is indistinguishable from an
// echo by timing alone; the guard favors suppressing the echo at the cost of
// delaying such an edit by one window.
func (g *EchoGuard) IsRecentSync(absPath string, direction Direction, operation Operation) (bool, error) {
	// Hash before consulting the store so no lock is held across file I/O.
	var currentHash string
	fileExists := true
	if _, err := g.fsmgr.Stat(absPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, err
		}
		fileExists = false
	}
	if fileExists {
		h, err := g.fsmgr.HashFile(absPath)
		if err != nil {
			// File vanished between stat and hash; treat as the deletion case.
			fileExists = false
		} else {
			currentHash = h
		}
	}

	since := g.clock.Now().Add(-g.threshold)
	entries, err := g.store.RecentForPath(absPath, since)
	if err != nil {
		return false, err
	}

	for _, e := range entries {
		if direction != "" && e.Direction != direction {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		if !fileExists {
			// Path-based match only; the content is gone.
			return true, nil
		}
		if e.ContentHash != "" && e.ContentHash == currentHash {
			return true, nil
		}
	}
	return false, nil
}
