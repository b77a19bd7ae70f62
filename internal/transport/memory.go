package transport

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
	gosync "sync"

	"syftsync/internal/sync"
)

// MemoryMedium is an in-memory mailbox medium shared by any number of
// principals, useful for tests that exercise both ends of a channel in one
// process. Safe for concurrent use.
type MemoryMedium struct {
	mu      gosync.Mutex
	folders map[string]map[string][]byte // key -> blob name -> content
	grants  map[string]map[string]string // key -> email -> role

	failures map[string]int // op name -> remaining injected failures
}

// NewMemoryMedium creates an empty in-memory medium.
func NewMemoryMedium() *MemoryMedium {
	return &MemoryMedium{
		folders:  map[string]map[string][]byte{},
		grants:   map[string]map[string]string{},
		failures: map[string]int{},
	}
}

// FailNext makes the next n calls of the named op ("upload", "list",
// "download", "delete") fail with a transient error, for retry tests.
func (m *MemoryMedium) FailNext(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = n
}

func (m *MemoryMedium) failLocked(op string) error {
	if m.failures[op] > 0 {
		m.failures[op]--
		return &sync.TransientError{Op: op, Err: fmt.Errorf("injected %s failure", op)}
	}
	return nil
}

// Binding returns this medium's view for one principal.
func (m *MemoryMedium) Binding(localEmail string) *MemoryBinding {
	return &MemoryBinding{medium: m, localEmail: localEmail}
}

// MemoryBinding is one principal's view of a MemoryMedium.
type MemoryBinding struct {
	medium     *MemoryMedium
	localEmail string
}

func (b *MemoryBinding) Name() string { return "memory" }

func (b *MemoryBinding) Capabilities() sync.Capabilities {
	return sync.Capabilities{
		MaxBlobSize:      0,
		SupportsDeletion: true,
		SupportsSharing:  true,
	}
}

func (b *MemoryBinding) EnsureFolder(key string) error {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[key]; !ok {
		m.folders[key] = map[string][]byte{}
		m.grants[key] = map[string]string{}
	}
	if _, ok := m.grants[key][b.localEmail]; !ok {
		m.grants[key][b.localEmail] = sync.RoleWriter
	}
	return nil
}

func (b *MemoryBinding) Upload(key, blobName string, r io.Reader, size int64) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading blob: %w", err)
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("upload"); err != nil {
		return "", err
	}
	folder, ok := m.folders[key]
	if !ok {
		return "", &sync.NotFoundError{Kind: "folder", Name: key}
	}
	folder[blobName] = data
	return path.Join(key, blobName), nil
}

func (b *MemoryBinding) List(key string) ([]sync.BlobInfo, error) {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("list"); err != nil {
		return nil, err
	}
	folder, ok := m.folders[key]
	if !ok {
		return nil, &sync.NotFoundError{Kind: "folder", Name: key}
	}
	blobs := make([]sync.BlobInfo, 0, len(folder))
	for name, data := range folder {
		blobs = append(blobs, sync.BlobInfo{
			Name: name,
			ID:   path.Join(key, name),
			Size: int64(len(data)),
		})
	}
	return blobs, nil
}

func (b *MemoryBinding) Download(id string, w io.Writer) error {
	m := b.medium
	m.mu.Lock()
	if err := m.failLocked("download"); err != nil {
		m.mu.Unlock()
		return err
	}
	key, name := splitBlobID(id)
	folder, ok := m.folders[key]
	var data []byte
	if ok {
		data, ok = folder[name]
	}
	m.mu.Unlock()

	if !ok {
		return &sync.NotFoundError{Kind: "blob", Name: id}
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("writing blob: %w", err)
	}
	return nil
}

func (b *MemoryBinding) Delete(id string) error {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failLocked("delete"); err != nil {
		return err
	}
	key, name := splitBlobID(id)
	if folder, ok := m.folders[key]; ok {
		delete(folder, name)
	}
	return nil
}

func (b *MemoryBinding) Share(key, email, role string) error {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	grants, ok := m.grants[key]
	if !ok {
		return &sync.NotFoundError{Kind: "folder", Name: key}
	}
	grants[email] = role
	return nil
}

func (b *MemoryBinding) Revoke(key, email string) error {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	if grants, ok := m.grants[key]; ok {
		delete(grants, email)
	}
	return nil
}

func (b *MemoryBinding) SharedWithMe() ([]string, error) {
	m := b.medium
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key, grants := range m.grants {
		if _, ok := grants[b.localEmail]; ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func splitBlobID(id string) (key, name string) {
	i := strings.LastIndex(id, "/")
	if i < 0 {
		return "", id
	}
	return id[:i], id[i+1:]
}

// Compile-time check that MemoryBinding implements sync.Binding
var _ sync.Binding = (*MemoryBinding)(nil)
