package sync

import "io"

// Roles a folder can be shared with.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
)

// BlobInfo describes one blob in a mailbox folder.
type BlobInfo struct {
	Name string // blob name within the folder (message_id + extension)
	ID   string // medium-native identifier, opaque to the core
	Size int64
}

// Capabilities describes what a medium supports. Discovered per transport
// and cached on the peer record.
type Capabilities struct {
	MaxBlobSize      int64 // 0 means unlimited
	SupportsDeletion bool  // medium can delete blobs (vs. append-only)
	SupportsSharing  bool  // medium enforces per-folder grants
}

// Binding is the byte-level seam between the generic mailbox protocol and a
// concrete medium (shared directory, object store, mail, spreadsheet). The
// core never calls a medium's native SDK outside this interface.
//
// Folder keys are logical names (see folders.go); the binding maps them to
// whatever the medium uses (directories, object prefixes, labels).
type Binding interface {
	// Name is the transport identifier used in config and history records.
	Name() string

	// Capabilities reports the medium's feature set.
	Capabilities() Capabilities

	// EnsureFolder creates the folder if it does not exist. Idempotent.
	EnsureFolder(key string) error

	// Upload stores size bytes from r as a blob named blobName in the folder
	// and returns the medium-native blob ID.
	Upload(key, blobName string, r io.Reader, size int64) (string, error)

	// List returns the blobs in a folder. A missing folder yields a
	// *NotFoundError so callers can distinguish "peer never granted access"
	// from a transient lookup failure.
	List(key string) ([]BlobInfo, error)

	// Download writes the blob's bytes to w.
	Download(id string, w io.Writer) error

	// Delete removes a blob. Deleting an already-absent blob is a no-op.
	Delete(id string) error

	// Share grants email access to a folder with the given role.
	Share(key, email, role string) error

	// Revoke removes email's access to a folder.
	Revoke(key, email string) error

	// SharedWithMe lists folder keys other principals have granted to the
	// local email. Used to discover inbound mailboxes and derive peer state.
	SharedWithMe() ([]string, error)
}
