package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig("alice@example.com", "/sync", "/base")

	if cfg.Email != "alice@example.com" {
		t.Errorf("Email = %q", cfg.Email)
	}
	if cfg.SyncRoot != "/sync" {
		t.Errorf("SyncRoot = %q", cfg.SyncRoot)
	}
	if cfg.LogDir != filepath.Join("/base", "log") {
		t.Errorf("LogDir = %q", cfg.LogDir)
	}
	if cfg.History.Type != "sqlite" {
		t.Errorf("History.Type = %q, want sqlite", cfg.History.Type)
	}
	if cfg.History.ThresholdSeconds != 60 {
		t.Errorf("History.ThresholdSeconds = %d, want 60", cfg.History.ThresholdSeconds)
	}
	if cfg.History.MaxEntriesPerPath != 50 {
		t.Errorf("History.MaxEntriesPerPath = %d, want 50", cfg.History.MaxEntriesPerPath)
	}
	if cfg.Watcher.DebounceMillis != 500 {
		t.Errorf("Watcher.DebounceMillis = %d, want 500", cfg.Watcher.DebounceMillis)
	}
	if cfg.Receiver.PollSeconds != 15 {
		t.Errorf("Receiver.PollSeconds = %d, want 15", cfg.Receiver.PollSeconds)
	}
	if !cfg.Receiver.Quarantine {
		t.Error("Receiver.Quarantine = false, want true")
	}
	if cfg.Encryption.PublicKeyPath != filepath.Join("/base", "keys", "syftsync.pub") {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
}

func TestManagerRoundTrip(t *testing.T) {
	cfg := NewConfig("alice@example.com", "/sync", "/base")
	cfg.Transports = []TransportConfig{
		{Type: "filesystem", Name: "nas", SharedRoot: "/mnt/shared"},
		{Type: "s3", Name: "bucket", S3Bucket: "syft-mailboxes", S3Region: "us-east-1"},
	}
	cfg.Watcher.Ignore = []string{"*.swp", "build/"}

	m := &Manager{}
	var buf bytes.Buffer
	if err := m.Write(&buf, cfg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Email != cfg.Email {
		t.Errorf("Email = %q, want %q", got.Email, cfg.Email)
	}
	if len(got.Transports) != 2 {
		t.Fatalf("Transports count = %d, want 2", len(got.Transports))
	}
	if got.Transports[0].SharedRoot != "/mnt/shared" {
		t.Errorf("Transports[0].SharedRoot = %q", got.Transports[0].SharedRoot)
	}
	if got.Transports[1].S3Bucket != "syft-mailboxes" {
		t.Errorf("Transports[1].S3Bucket = %q", got.Transports[1].S3Bucket)
	}
	if len(got.Watcher.Ignore) != 2 || got.Watcher.Ignore[0] != "*.swp" {
		t.Errorf("Watcher.Ignore = %v", got.Watcher.Ignore)
	}
}

func TestReadDecodesTaggedUnion(t *testing.T) {
	raw := `
email = "bob@example.com"
sync_root = "/home/bob/sync"

[[transports]]
type = "memory"
name = "loopback"

[history]
type = "memory"
threshold_seconds = 5
`
	m := &Manager{}
	cfg, err := m.Read(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if cfg.Transports[0].Type != "memory" || cfg.Transports[0].Name != "loopback" {
		t.Errorf("transport = %+v", cfg.Transports[0])
	}
	if cfg.History.ThresholdSeconds != 5 {
		t.Errorf("History.ThresholdSeconds = %d, want 5", cfg.History.ThresholdSeconds)
	}
}

func TestReadRejectsMalformedTOML(t *testing.T) {
	m := &Manager{}
	if _, err := m.Read(strings.NewReader("email = [unclosed")); err == nil {
		t.Error("malformed TOML should fail to decode")
	}
}

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "syftsync.toml")
	cfg := NewConfig("alice@example.com", "/sync", "/base")

	if err := Init(path, cfg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	// A second Init must not clobber the existing file.
	if err := Init(path, cfg); err == nil {
		t.Error("Init() over an existing file should fail")
	}

	got, err := ReadFromFile(path)
	if err != nil {
		t.Fatalf("ReadFromFile() error = %v", err)
	}
	if got.Email != "alice@example.com" {
		t.Errorf("Email = %q", got.Email)
	}
}

func TestReadFromFileMissing(t *testing.T) {
	if _, err := ReadFromFile(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("reading a missing config file should fail")
	}
}
