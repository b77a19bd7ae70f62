package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"syftsync/internal/history/migrations"
	"syftsync/internal/sync"
)

// SQLiteStore implements sync.HistoryStore on a SQLite journal. The store
// serializes access through database/sql, so the watcher and the receiver
// poll loop can share it without external locking.
type SQLiteStore struct {
	db         *sql.DB
	maxPerPath int
}

// NewSQLiteStore opens (or creates) the journal database and migrates it to
// the latest schema. path can be ":memory:" for tests. maxPerPath bounds the
// per-path ring; <= 0 selects the default of 50.
func NewSQLiteStore(path string, maxPerPath int) (*SQLiteStore, error) {
	if maxPerPath <= 0 {
		maxPerPath = 50
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Both schedulers write through one connection; WAL keeps readers from
	// blocking the writer and busy_timeout rides out short lock contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring history database: %w", err)
		}
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history database: %w", err)
	}

	return &SQLiteStore{db: db, maxPerPath: maxPerPath}, nil
}

// Append records an entry and prunes the path's ring to the bound.
func (s *SQLiteStore) Append(e sync.HistoryEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting history transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO sync_events (path, rel_path, direction, operation, peer, transport, timestamp, content_hash, message_id, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Path, e.RelPath, string(e.Direction), string(e.Operation), e.Peer, e.Transport,
		e.Timestamp.UnixNano(), e.ContentHash, e.MessageID, e.Size,
	)
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}

	_, err = tx.Exec(`
		DELETE FROM sync_events
		WHERE path = ? AND id NOT IN (
			SELECT id FROM sync_events WHERE path = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		)`,
		e.Path, e.Path, s.maxPerPath,
	)
	if err != nil {
		return fmt.Errorf("pruning history ring: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing history entry: %w", err)
	}
	return nil
}

// RecentForPath returns entries newer than since, newest first. The match
// includes entries whose recorded relative path equals the query so deleted
// files stay queryable by their last-known name.
func (s *SQLiteStore) RecentForPath(path string, since time.Time) ([]sync.HistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT path, rel_path, direction, operation, peer, transport, timestamp, content_hash, message_id, size
		FROM sync_events
		WHERE (path = ? OR rel_path = ?) AND timestamp > ?
		ORDER BY timestamp DESC, id DESC`,
		path, path, since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var entries []sync.HistoryEntry
	for rows.Next() {
		var e sync.HistoryEntry
		var direction, operation string
		var ts int64
		if err := rows.Scan(&e.Path, &e.RelPath, &direction, &operation, &e.Peer, &e.Transport, &ts, &e.ContentHash, &e.MessageID, &e.Size); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		e.Direction = sync.Direction(direction)
		e.Operation = sync.Operation(operation)
		e.Timestamp = time.Unix(0, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading history rows: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Compile-time check that SQLiteStore implements sync.HistoryStore
var _ sync.HistoryStore = (*SQLiteStore)(nil)
