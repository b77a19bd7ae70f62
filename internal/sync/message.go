package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MessageType distinguishes file transfers from deletion manifests.
type MessageType string

const (
	MessageFileTransfer MessageType = "file_transfer"
	MessageDeletion     MessageType = "deletion"
)

// metadataFileName and related names fix the on-disk layout of a staged
// message. The layout is part of the archive wire format.
const (
	metadataFileName = "metadata.json"
	readmeFileName   = "readme.html"
	filesDirName     = "files"
)

// FileEntry describes one file carried by a message.
type FileEntry struct {
	Path        string `json:"relative_syftbox_path"`
	Size        int64  `json:"size"`
	Permissions uint32 `json:"permissions"`
	SHA256      string `json:"sha256"`
}

// DeletionItem is one entry of a deletion manifest.
type DeletionItem struct {
	Path      string  `json:"path"`
	Timestamp float64 `json:"timestamp"` // unix seconds
	DeletedBy string  `json:"deleted_by"`
}

// DeletionManifest is the wire format for deletion messages.
type DeletionManifest struct {
	Operation string         `json:"operation"` // always "delete"
	Items     []DeletionItem `json:"items"`
}

// Message is the unit of transfer: an immutable, content-addressable
// envelope containing zero or more files, metadata, and optionally a
// deletion manifest. A message is mutable while staged and locked forever
// once finalized.
type Message struct {
	ID        string            `json:"message_id"`
	Sender    string            `json:"sender_email"`
	Recipient string            `json:"recipient_email"`
	Timestamp time.Time         `json:"timestamp"`
	Type      MessageType       `json:"message_type"`
	Files     []FileEntry       `json:"files"`
	Deletion  *DeletionManifest `json:"deletion_manifest,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Checksum  string            `json:"checksum,omitempty"`
	Ready     bool              `json:"is_ready"`

	dir string // staging directory, not serialized
}

// CreateMessage creates a message in pending state under stagingRoot. The
// staging directory is <stagingRoot>/<id> with a files/ subdirectory.
func CreateMessage(stagingRoot, id, sender, recipient string, typ MessageType, at time.Time) (*Message, error) {
	dir := filepath.Join(stagingRoot, id)
	if err := os.MkdirAll(filepath.Join(dir, filesDirName), 0755); err != nil {
		return nil, fmt.Errorf("creating message staging directory: %w", err)
	}
	return &Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Timestamp: at,
		Type:      typ,
		Metadata:  map[string]string{},
		dir:       dir,
	}, nil
}

// Dir returns the message's staging directory.
func (m *Message) Dir() string { return m.dir }

// validTargetPath rejects absolute targets and any path whose cleaned form
// escapes the message root.
func validTargetPath(target string) bool {
	if target == "" || filepath.IsAbs(target) {
		return false
	}
	clean := filepath.Clean(target)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

// AddFile copies source into the message under targetPath. It fails with
// *PathTraversalError if targetPath escapes the message root, with a
// *NotFoundError if source does not exist, and with ErrAlreadyFinalized
// after Finalize.
func (m *Message) AddFile(source, targetPath string, perm fs.FileMode) (*FileEntry, error) {
	if m.Ready {
		return nil, ErrAlreadyFinalized
	}
	if !validTargetPath(targetPath) {
		return nil, &PathTraversalError{Path: targetPath, Root: m.dir}
	}
	targetPath = filepath.ToSlash(filepath.Clean(targetPath))
	for _, f := range m.Files {
		if f.Path == targetPath {
			return nil, fmt.Errorf("duplicate path in message: %s", targetPath)
		}
	}

	src, err := os.Open(source)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "file", Name: source}
		}
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	dest := filepath.Join(m.dir, filesDirName, filepath.FromSlash(targetPath))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("creating target directory: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("creating target file: %w", err)
	}

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, h), src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return nil, fmt.Errorf("copying file into message: %w", err)
	}

	entry := FileEntry{
		Path:        targetPath,
		Size:        size,
		Permissions: uint32(perm.Perm()),
		SHA256:      hex.EncodeToString(h.Sum(nil)),
	}
	m.Files = append(m.Files, entry)
	return &entry, nil
}

// AddReadme attaches an optional HTML readme.
func (m *Message) AddReadme(html string) error {
	if m.Ready {
		return ErrAlreadyFinalized
	}
	path := filepath.Join(m.dir, readmeFileName)
	if err := os.WriteFile(path, []byte(html), 0644); err != nil {
		return fmt.Errorf("writing readme: %w", err)
	}
	return nil
}

// SetDeletionManifest attaches the manifest for a deletion-type message.
func (m *Message) SetDeletionManifest(items []DeletionItem) error {
	if m.Ready {
		return ErrAlreadyFinalized
	}
	if m.Type != MessageDeletion {
		return fmt.Errorf("deletion manifest on %s message", m.Type)
	}
	m.Deletion = &DeletionManifest{Operation: "delete", Items: items}
	return nil
}

// Finalize computes and stores the content checksum, writes metadata.json,
// and locks the message. Finalization is a one-way transition; calling it
// twice fails with ErrAlreadyFinalized.
func (m *Message) Finalize() error {
	if m.Ready {
		return ErrAlreadyFinalized
	}
	checksum, err := m.computeChecksum()
	if err != nil {
		return fmt.Errorf("computing checksum: %w", err)
	}
	m.Checksum = checksum
	m.Ready = true
	if err := m.writeMetadata(); err != nil {
		m.Ready = false
		m.Checksum = ""
		return err
	}
	return nil
}

// Validate recomputes the checksum against the staged content. It reports
// ok=false with a reason for checksum mismatch, missing files, or a message
// that was never finalized.
func (m *Message) Validate() (bool, string) {
	if !m.Ready {
		return false, "message is not finalized"
	}
	for _, f := range m.Files {
		p := filepath.Join(m.dir, filesDirName, filepath.FromSlash(f.Path))
		if _, err := os.Stat(p); err != nil {
			return false, fmt.Sprintf("missing file: %s", f.Path)
		}
	}
	checksum, err := m.computeChecksum()
	if err != nil {
		return false, fmt.Sprintf("recomputing checksum: %v", err)
	}
	if checksum != m.Checksum {
		return false, fmt.Sprintf("checksum mismatch: stored %s, computed %s", m.Checksum, checksum)
	}
	return true, ""
}

// ExtractFile copies the named file out of the message to destination. It
// fails with a *NotFoundError if the name is absent from the message.
func (m *Message) ExtractFile(name, destination string) error {
	name = filepath.ToSlash(filepath.Clean(name))
	var found *FileEntry
	for i := range m.Files {
		if m.Files[i].Path == name {
			found = &m.Files[i]
			break
		}
	}
	if found == nil {
		return &NotFoundError{Kind: "file", Name: name}
	}

	src, err := os.Open(filepath.Join(m.dir, filesDirName, filepath.FromSlash(name)))
	if err != nil {
		return fmt.Errorf("opening staged file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	out, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(found.Permissions))
	if err != nil {
		return fmt.Errorf("creating destination file: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("extracting file: %w", err)
	}
	return out.Close()
}

// ContentPath returns the staged location of a carried file.
func (m *Message) ContentPath(entry FileEntry) string {
	return filepath.Join(m.dir, filesDirName, filepath.FromSlash(entry.Path))
}

// computeChecksum digests the sorted (path, content hash) pairs of all
// carried files plus the deletion manifest JSON. File hashes are recomputed
// from the staged content so tampering is detected on receipt.
func (m *Message) computeChecksum() (string, error) {
	entries := make([]FileEntry, len(m.Files))
	copy(entries, m.Files)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	h := sha256.New()
	for _, f := range entries {
		contentHash, err := hashFileHex(filepath.Join(m.dir, filesDirName, filepath.FromSlash(f.Path)))
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\n%s\n", f.Path, contentHash)
	}
	if m.Deletion != nil {
		data, err := json.Marshal(m.Deletion)
		if err != nil {
			return "", fmt.Errorf("marshaling deletion manifest: %w", err)
		}
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (m *Message) writeMetadata() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}
	path := filepath.Join(m.dir, metadataFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// LoadMessage reads a previously unpacked message from dir. Missing or
// unparsable metadata yields a *CorruptMessageError.
func LoadMessage(dir string) (*Message, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		return nil, &CorruptMessageError{Reason: "missing metadata", Err: err}
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &CorruptMessageError{Reason: "unparsable metadata", Err: err}
	}
	m.dir = dir
	return &m, nil
}

func hashFileHex(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
