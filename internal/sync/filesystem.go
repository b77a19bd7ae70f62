package sync

import (
	"io"
	"io/fs"
)

// TempFilePrefix names the sibling temporary files used by loop-safe writes.
// The watcher ignores paths with this prefix.
const TempFilePrefix = ".syftsync-tmp-"

// FilesystemManager abstracts local tree access so the engine is testable
// without touching the real filesystem, and so every incoming write goes
// through the loop-safe path.
type FilesystemManager interface {
	// Root returns the absolute path of the synchronized root directory.
	Root() string

	// Rel converts an absolute path under the root to a root-relative path.
	// Paths outside the root yield a *PathTraversalError.
	Rel(absPath string) (string, error)

	// Abs converts a root-relative path to an absolute path, rejecting
	// traversal segments with a *PathTraversalError.
	Abs(relPath string) (string, error)

	// Open opens a file for reading.
	Open(absPath string) (io.ReadCloser, error)

	// Stat returns file info, or an error satisfying fs.ErrNotExist.
	Stat(absPath string) (fs.FileInfo, error)

	// HashFile returns the SHA-256 hex digest of the file's content.
	HashFile(absPath string) (string, error)

	// WriteFileSafe writes content to absPath without ever deleting first:
	// content goes to a sibling temporary file which is renamed over the
	// destination, so the watcher never observes a delete event for an
	// incoming update.
	WriteFileSafe(absPath string, r io.Reader, perm fs.FileMode) error

	// RemovePath removes a file or directory tree. An already-absent path is
	// success, not an error.
	RemovePath(absPath string) error
}
