package sync

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	// ErrNotAPeer is returned when a send targets a recipient that never
	// granted (or was never granted) mailbox access.
	ErrNotAPeer = errors.New("recipient is not a peer")

	// ErrAlreadyFinalized is returned when a finalized message is mutated.
	ErrAlreadyFinalized = errors.New("message already finalized")

	// ErrAuth is returned when the transport session is invalid. It is never
	// retried; the caller must re-authenticate.
	ErrAuth = errors.New("transport authentication failed")
)

// NotFoundError indicates a blob, folder, or named file that does not exist.
type NotFoundError struct {
	Kind string // "blob", "folder", "file"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// PathTraversalError indicates a path that escapes its allowed root, either a
// message target path containing traversal segments or a send path outside
// the synchronized root.
type PathTraversalError struct {
	Path string
	Root string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path %q escapes root %q", e.Path, e.Root)
}

// CorruptMessageError indicates a blob that failed extraction or whose
// checksum did not match on receipt. Corrupt messages are skipped, never
// retried.
type CorruptMessageError struct {
	MessageID string
	Reason    string
	Err       error
}

func (e *CorruptMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt message %s: %s: %v", e.MessageID, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt message %s: %s", e.MessageID, e.Reason)
}

func (e *CorruptMessageError) Unwrap() error { return e.Err }

// TransientError indicates a medium failure (rate limit, timeout) that the
// caller may retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient transport error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
