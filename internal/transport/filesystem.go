package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"syftsync/internal/sync"
)

// FileSystemBinding uses a shared directory (network mount, synced drive
// folder) as the mailbox medium. Each folder key is a subdirectory; grants
// are recorded in a .grants file per folder since a plain directory carries
// no ACLs of its own:
//
//	<shared_root>/
//	  syft_a_at_x_com_to_b_at_y_com_outbox_inbox/
//	    .grants                    ("email<TAB>role" lines)
//	    msg_20240115T103000Z_1a2b3c4d.tar.gz
type FileSystemBinding struct {
	name       string
	sharedRoot string
	localEmail string

	mu gosync.Mutex // serializes .grants read-modify-write
}

const grantsFileName = ".grants"

// NewFileSystemBinding creates a binding over the given shared directory.
func NewFileSystemBinding(name, sharedRoot, localEmail string) (*FileSystemBinding, error) {
	if err := os.MkdirAll(sharedRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating shared root: %w", err)
	}
	if name == "" {
		name = "filesystem"
	}
	return &FileSystemBinding{
		name:       name,
		sharedRoot: sharedRoot,
		localEmail: localEmail,
	}, nil
}

func (b *FileSystemBinding) Name() string { return b.name }

func (b *FileSystemBinding) Capabilities() sync.Capabilities {
	return sync.Capabilities{
		MaxBlobSize:      0, // bounded only by the mount
		SupportsDeletion: true,
		SupportsSharing:  true,
	}
}

func (b *FileSystemBinding) folderPath(key string) string {
	return filepath.Join(b.sharedRoot, key)
}

// EnsureFolder creates the folder if missing. The creating principal is
// recorded as its writer.
func (b *FileSystemBinding) EnsureFolder(key string) error {
	dir := b.folderPath(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating folder %s: %w", key, err)
	}
	grants, err := b.readGrants(key)
	if err != nil {
		return err
	}
	if _, ok := grants[b.localEmail]; !ok {
		return b.Share(key, b.localEmail, sync.RoleWriter)
	}
	return nil
}

// Upload writes the blob with an atomic temp-file + rename so a concurrent
// lister never observes a half-written archive.
func (b *FileSystemBinding) Upload(key, blobName string, r io.Reader, size int64) (string, error) {
	dir := b.folderPath(key)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return "", &sync.NotFoundError{Kind: "folder", Name: key}
		}
		return "", &sync.TransientError{Op: "upload", Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", &sync.TransientError{Op: "upload", Err: err}
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if written != size {
		os.Remove(tmpPath)
		return "", fmt.Errorf("size mismatch: expected %d bytes, got %d", size, written)
	}

	dest := filepath.Join(dir, blobName)
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("renaming blob: %w", err)
	}
	return filepath.Join(key, blobName), nil
}

// List returns the blobs in a folder, skipping the grants file and
// in-flight uploads.
func (b *FileSystemBinding) List(key string) ([]sync.BlobInfo, error) {
	entries, err := os.ReadDir(b.folderPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &sync.NotFoundError{Kind: "folder", Name: key}
		}
		return nil, &sync.TransientError{Op: "list", Err: err}
	}

	var blobs []sync.BlobInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // blob vanished mid-listing
		}
		blobs = append(blobs, sync.BlobInfo{
			Name: entry.Name(),
			ID:   filepath.Join(key, entry.Name()),
			Size: info.Size(),
		})
	}
	return blobs, nil
}

func (b *FileSystemBinding) Download(id string, w io.Writer) error {
	f, err := os.Open(filepath.Join(b.sharedRoot, id))
	if err != nil {
		if os.IsNotExist(err) {
			return &sync.NotFoundError{Kind: "blob", Name: id}
		}
		return &sync.TransientError{Op: "download", Err: err}
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading blob: %w", err)
	}
	return nil
}

// Delete removes a blob. An already-absent blob is success.
func (b *FileSystemBinding) Delete(id string) error {
	err := os.Remove(filepath.Join(b.sharedRoot, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// Share grants email access to a folder.
func (b *FileSystemBinding) Share(key, email, role string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	grants, err := b.readGrantsLocked(key)
	if err != nil {
		return err
	}
	grants[email] = role
	return b.writeGrantsLocked(key, grants)
}

// Revoke removes email's access. Revoking a never-granted email is a no-op.
func (b *FileSystemBinding) Revoke(key, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	grants, err := b.readGrantsLocked(key)
	if err != nil {
		var nf *sync.NotFoundError
		if errors.As(err, &nf) {
			return nil // folder gone, nothing to revoke
		}
		return err
	}
	delete(grants, email)
	return b.writeGrantsLocked(key, grants)
}

// SharedWithMe scans the shared root for folders granting the local email.
func (b *FileSystemBinding) SharedWithMe() ([]string, error) {
	entries, err := os.ReadDir(b.sharedRoot)
	if err != nil {
		return nil, &sync.TransientError{Op: "shared_with_me", Err: err}
	}

	var keys []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		grants, err := b.readGrants(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := grants[b.localEmail]; ok {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}

func (b *FileSystemBinding) readGrants(key string) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readGrantsLocked(key)
}

func (b *FileSystemBinding) readGrantsLocked(key string) (map[string]string, error) {
	grants := map[string]string{}
	f, err := os.Open(filepath.Join(b.folderPath(key), grantsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			if _, statErr := os.Stat(b.folderPath(key)); statErr != nil {
				return nil, &sync.NotFoundError{Kind: "folder", Name: key}
			}
			return grants, nil
		}
		return nil, &sync.TransientError{Op: "read_grants", Err: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != 2 {
			continue
		}
		grants[fields[0]] = fields[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading grants: %w", err)
	}
	return grants, nil
}

func (b *FileSystemBinding) writeGrantsLocked(key string, grants map[string]string) error {
	var sb strings.Builder
	for email, role := range grants {
		fmt.Fprintf(&sb, "%s\t%s\n", email, role)
	}
	path := filepath.Join(b.folderPath(key), grantsFileName)
	if err := os.WriteFile(path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("writing grants: %w", err)
	}
	return nil
}

// Compile-time check that FileSystemBinding implements sync.Binding
var _ sync.Binding = (*FileSystemBinding)(nil)
