package history

import (
	"fmt"
	"os"
	"path/filepath"

	"syftsync/internal/config"
	"syftsync/internal/sync"
)

// NewStoreFromConfig creates a HistoryStore based on the history config type.
func NewStoreFromConfig(cfg config.HistoryConfig) (sync.HistoryStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.MaxEntriesPerPath), nil
	case "sqlite", "":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("sqlite history requires data_dir to be set")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating history data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, "sync_history.db"), cfg.MaxEntriesPerPath)
	default:
		return nil, fmt.Errorf("unknown history store type: %s", cfg.Type)
	}
}
