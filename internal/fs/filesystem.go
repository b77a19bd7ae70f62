package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"syftsync/internal/sync"
)

// OSFilesystemManager is the real filesystem implementation of
// sync.FilesystemManager, rooted at the synchronized directory.
type OSFilesystemManager struct {
	root string
}

// NewOSFilesystemManager creates a manager over the given root. The root is
// created if it does not exist.
func NewOSFilesystemManager(root string) (*OSFilesystemManager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}
	return &OSFilesystemManager{root: absRoot}, nil
}

func (m *OSFilesystemManager) Root() string { return m.root }

// Rel converts an absolute path under the root to a root-relative slash
// path. Paths outside the root are a hard error, not a best-effort fallback.
func (m *OSFilesystemManager) Rel(absPath string) (string, error) {
	abs, err := filepath.Abs(absPath)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	rel, err := filepath.Rel(m.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &sync.PathTraversalError{Path: absPath, Root: m.root}
	}
	return filepath.ToSlash(rel), nil
}

// Abs converts a root-relative path to an absolute one, rejecting traversal
// segments.
func (m *OSFilesystemManager) Abs(relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", &sync.PathTraversalError{Path: relPath, Root: m.root}
	}
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &sync.PathTraversalError{Path: relPath, Root: m.root}
	}
	return filepath.Join(m.root, clean), nil
}

func (m *OSFilesystemManager) Open(absPath string) (io.ReadCloser, error) {
	return os.Open(absPath)
}

func (m *OSFilesystemManager) Stat(absPath string) (fs.FileInfo, error) {
	return os.Stat(absPath)
}

// HashFile returns the SHA-256 hex digest of the file's content.
func (m *OSFilesystemManager) HashFile(absPath string) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", absPath, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteFileSafe writes content without ever deleting the destination first:
// a delete-then-create sequence would emit a delete event the watcher could
// mistake for a genuine local deletion and propagate back out. Content goes
// to a sibling temporary file, then an atomic rename replaces the
// destination. Parent directories are created as needed (merge, never
// remove-then-recreate).
func (m *OSFilesystemManager) WriteFileSafe(absPath string, r io.Reader, perm fs.FileMode) error {
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, sync.TempFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		return fmt.Errorf("renaming over destination: %w", err)
	}
	success = true
	return nil
}

// RemovePath removes a file or directory tree. An already-gone path is
// success: deletion manifests must converge even when the target never
// existed locally.
func (m *OSFilesystemManager) RemovePath(absPath string) error {
	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", absPath, err)
	}
	if info.IsDir() {
		if err := os.RemoveAll(absPath); err != nil {
			return fmt.Errorf("removing directory: %w", err)
		}
		return nil
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Compile-time check that OSFilesystemManager implements sync.FilesystemManager
var _ sync.FilesystemManager = (*OSFilesystemManager)(nil)
