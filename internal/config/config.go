package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the main configuration for syftsync.
type Config struct {
	Email      string            `toml:"email"`
	Platform   string            `toml:"platform"`
	SyncRoot   string            `toml:"sync_root"` // synchronized namespace root
	BaseDir    string            `toml:"base_dir"`  // peers, history db, quarantine, logs
	LogDir     string            `toml:"log_dir"`
	Transports []TransportConfig `toml:"transports"`
	History    HistoryConfig     `toml:"history"`
	Watcher    WatcherConfig     `toml:"watcher"`
	Receiver   ReceiverConfig    `toml:"receiver"`
	Encryption EncryptionConfig  `toml:"encryption"`
}

// TransportConfig configures one mailbox medium binding.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type TransportConfig struct {
	Type string `toml:"type"` // "filesystem", "memory", or "s3"
	Name string `toml:"name"`

	// Filesystem-specific fields (only used when Type == "filesystem"):
	// the shared directory all peers can reach (network mount, synced drive).
	SharedRoot string `toml:"shared_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket         string `toml:"s3_bucket,omitempty"`
	S3Prefix         string `toml:"s3_prefix,omitempty"`
	S3Region         string `toml:"s3_region,omitempty"`
	S3Endpoint       string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID    string `toml:"s3_access_key_id,omitempty"`
	S3SecretKey      string `toml:"s3_secret_access_key,omitempty"`
	S3ForcePathStyle bool   `toml:"s3_force_path_style,omitempty"`
}

// HistoryConfig configures the sync history journal.
// Tagged union: Type selects the store.
type HistoryConfig struct {
	Type              string `toml:"type"`                 // "sqlite" or "memory"
	DataDir           string `toml:"data_dir,omitempty"`   // only used for type=sqlite
	ThresholdSeconds  int    `toml:"threshold_seconds"`    // echo suppression window
	MaxEntriesPerPath int    `toml:"max_entries_per_path"` // journal ring bound
}

// WatcherConfig configures the filesystem watcher.
type WatcherConfig struct {
	DebounceMillis int      `toml:"debounce_millis"`
	Ignore         []string `toml:"ignore"`
}

// ReceiverConfig configures the inbox poll loop.
type ReceiverConfig struct {
	PollSeconds int  `toml:"poll_seconds"`
	Quarantine  bool `toml:"quarantine"` // keep corrupt blobs for inspection
}

// EncryptionConfig holds paths to the age key pair used for optional at-rest
// archive encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	Enabled        bool   `toml:"enabled"`
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// NewConfig creates a Config with the provided identity and default paths.
func NewConfig(email, syncRoot, baseDir string) *Config {
	return &Config{
		Email:    email,
		Platform: "syftsync-go",
		SyncRoot: syncRoot,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		History: HistoryConfig{
			Type:              "sqlite",
			DataDir:           filepath.Join(baseDir, "db"),
			ThresholdSeconds:  60,
			MaxEntriesPerPath: 50,
		},
		Watcher:  WatcherConfig{DebounceMillis: 500},
		Receiver: ReceiverConfig{PollSeconds: 15, Quarantine: true},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "syftsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "syftsync.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
