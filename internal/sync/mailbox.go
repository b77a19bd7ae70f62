package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Mailbox implements the generic mailbox protocol over a Binding. It is the
// only component that touches folder naming and blob movement; the byte-level
// medium calls all go through the binding.
type Mailbox struct {
	binding Binding
	peers   PeerManager
	fsmgr   FilesystemManager
	guard   *EchoGuard
	logger  Logger

	localEmail string
	encryptor  Encryptor
	decrypt    DecryptionContext
}

// NewMailbox creates a mailbox for the local principal over the binding.
func NewMailbox(binding Binding, peers PeerManager, fsmgr FilesystemManager, guard *EchoGuard, logger Logger, localEmail string) *Mailbox {
	return &Mailbox{
		binding:    binding,
		peers:      peers,
		fsmgr:      fsmgr,
		guard:      guard,
		logger:     logger,
		localEmail: localEmail,
	}
}

// EnableEncryption makes outbound archives encrypted to peers that published
// a public key, and inbound .age blobs decryptable.
func (mb *Mailbox) EnableEncryption(enc Encryptor, ctx DecryptionContext) {
	mb.encryptor = enc
	mb.decrypt = ctx
}

// Binding returns the underlying medium binding.
func (mb *Mailbox) Binding() Binding { return mb.binding }

// SendTo uploads a packed archive into the recipient-facing outbox_inbox
// folder. The folder is created on demand when the peer relationship grants
// access; a recipient that was never added fails with ErrNotAPeer.
func (mb *Mailbox) SendTo(localArchivePath, recipient, messageID string) error {
	peer, err := mb.peers.Get(recipient)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			return fmt.Errorf("%w: %s", ErrNotAPeer, recipient)
		}
		return fmt.Errorf("looking up peer %s: %w", recipient, err)
	}

	folder := OutboxFolder(mb.localEmail, recipient)
	if err := mb.binding.EnsureFolder(folder); err != nil {
		return fmt.Errorf("ensuring outbox folder: %w", err)
	}

	uploadPath := localArchivePath
	blobName := messageID + ArchiveExt

	if mb.encryptor != nil && peer.AgePublicKey != "" {
		encPath := localArchivePath + EncryptedExt
		if err := mb.encryptArchive(localArchivePath, encPath, peer.AgePublicKey); err != nil {
			return fmt.Errorf("encrypting archive: %w", err)
		}
		defer os.Remove(encPath)
		uploadPath = encPath
		blobName += EncryptedExt
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}

	if max := mb.binding.Capabilities().MaxBlobSize; max > 0 && info.Size() > max {
		return fmt.Errorf("archive %s exceeds medium blob limit (%d > %d bytes)", messageID, info.Size(), max)
	}

	if _, err := mb.binding.Upload(folder, blobName, f, info.Size()); err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}

	mb.logger.Info("message sent", "message_id", messageID, "recipient", recipient, "transport", mb.binding.Name(), "size", info.Size())
	return nil
}

func (mb *Mailbox) encryptArchive(src, dest, recipientKey string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	err = mb.encryptor.Encrypt(recipientKey, in, out)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
	}
	return err
}

// Incoming is one downloaded, not-yet-applied message blob.
type Incoming struct {
	MessageID   string
	Peer        string // sender email
	ArchivePath string // local temp copy of the blob
	BlobID      string // medium-native ID of the source blob
	Folder      string // source outbox_inbox folder key
}

// IncomingBlob is a listed, not yet downloaded inbox blob.
type IncomingBlob struct {
	Blob   BlobInfo
	Peer   string // sender email
	Folder string // source outbox_inbox folder key
}

// ListIncoming lists unseen blobs across all inbound mailboxes granted to the
// local principal. Failures on one folder are logged and do not block the
// rest of the batch; nothing is downloaded yet.
func (mb *Mailbox) ListIncoming() ([]IncomingBlob, error) {
	folders, err := mb.binding.SharedWithMe()
	if err != nil {
		return nil, fmt.Errorf("listing shared folders: %w", err)
	}

	senderByToken, err := mb.peerTokens()
	if err != nil {
		return nil, err
	}

	localToken := SanitizeEmail(mb.localEmail)
	var pending []IncomingBlob
	for _, folder := range folders {
		token, ok := ParseOutboxFolder(folder, localToken)
		if !ok {
			continue
		}
		sender, known := senderByToken[token]
		if !known {
			// An inbound grant from a principal we never added back is a
			// pending friend request, not a mailbox to drain.
			mb.logger.Debug("skipping folder from unaccepted peer", "folder", folder)
			continue
		}

		blobs, err := mb.binding.List(folder)
		if err != nil {
			mb.logger.Warn("listing inbox failed", "folder", folder, "error", err)
			continue
		}
		// Message IDs are time-ordered, so name order is arrival order even
		// when the medium lists blobs arbitrarily.
		sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })

		for _, blob := range blobs {
			pending = append(pending, IncomingBlob{Blob: blob, Peer: sender, Folder: folder})
		}
	}
	return pending, nil
}

// DownloadIncoming fetches one listed blob to downloadRoot and returns a
// handle without mutating the real tree.
func (mb *Mailbox) DownloadIncoming(pending IncomingBlob, downloadRoot string) (*Incoming, error) {
	return mb.downloadBlob(pending.Blob, pending.Peer, pending.Folder, downloadRoot)
}

func (mb *Mailbox) downloadBlob(blob BlobInfo, sender, folder, downloadRoot string) (*Incoming, error) {
	if err := os.MkdirAll(downloadRoot, 0755); err != nil {
		return nil, fmt.Errorf("creating download root: %w", err)
	}

	encrypted := strings.HasSuffix(blob.Name, EncryptedExt)
	baseName := strings.TrimSuffix(blob.Name, EncryptedExt)
	if !strings.HasSuffix(baseName, ArchiveExt) {
		return nil, fmt.Errorf("unexpected blob name: %s", blob.Name)
	}
	messageID := strings.TrimSuffix(baseName, ArchiveExt)

	localPath := filepath.Join(downloadRoot, baseName)
	out, err := os.Create(localPath)
	if err != nil {
		return nil, fmt.Errorf("creating local blob file: %w", err)
	}

	if encrypted {
		if mb.decrypt == nil {
			out.Close()
			os.Remove(localPath)
			return nil, fmt.Errorf("encrypted blob %s but no unlocked identity", blob.Name)
		}
		rawPath := localPath + EncryptedExt
		raw, err := os.Create(rawPath)
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("creating ciphertext file: %w", err)
		}
		err = mb.binding.Download(blob.ID, raw)
		if closeErr := raw.Close(); err == nil {
			err = closeErr
		}
		if err == nil {
			var in *os.File
			in, err = os.Open(rawPath)
			if err == nil {
				err = mb.decrypt.Decrypt(in, out)
				in.Close()
			}
		}
		os.Remove(rawPath)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(localPath)
			return nil, fmt.Errorf("downloading encrypted blob: %w", err)
		}
	} else {
		err = mb.binding.Download(blob.ID, out)
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(localPath)
			return nil, fmt.Errorf("downloading blob: %w", err)
		}
	}

	return &Incoming{
		MessageID:   messageID,
		Peer:        sender,
		ArchivePath: localPath,
		BlobID:      blob.ID,
		Folder:      folder,
	}, nil
}

// peerTokens maps sanitized email tokens to recorded peer emails.
func (mb *Mailbox) peerTokens() (map[string]string, error) {
	peers, err := mb.peers.Peers()
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	tokens := make(map[string]string, len(peers))
	for _, p := range peers {
		tokens[SanitizeEmail(p.Email)] = p.Email
	}
	return tokens, nil
}

// Apply writes a decoded message's effects into the real tree. File messages
// use the loop-safe write path; deletion messages record the pending removal
// in the sync history before touching the filesystem so a watcher event that
// fires mid-removal is already suppressed.
func (mb *Mailbox) Apply(m *Message) error {
	switch m.Type {
	case MessageDeletion:
		return mb.applyDeletion(m)
	default:
		return mb.applyFiles(m)
	}
}

func (mb *Mailbox) applyFiles(m *Message) error {
	for _, entry := range m.Files {
		absPath, err := mb.fsmgr.Abs(entry.Path)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", entry.Path, err)
		}

		// Record before the rename makes the write visible, so the watcher's
		// event for this path finds a fresh incoming journal entry.
		if err := mb.guard.RecordSync(absPath, m.ID, m.Sender, mb.binding.Name(), DirectionIncoming, OperationSync, entry.Size, entry.SHA256); err != nil {
			return fmt.Errorf("recording incoming sync: %w", err)
		}

		src, err := os.Open(m.ContentPath(entry))
		if err != nil {
			return fmt.Errorf("opening staged content for %s: %w", entry.Path, err)
		}
		perm := fs.FileMode(entry.Permissions)
		if perm == 0 {
			perm = 0644
		}
		err = mb.fsmgr.WriteFileSafe(absPath, src, perm)
		src.Close()
		if err != nil {
			return fmt.Errorf("writing %s: %w", entry.Path, err)
		}
		mb.logger.Debug("applied file", "path", entry.Path, "message_id", m.ID)
	}
	return nil
}

func (mb *Mailbox) applyDeletion(m *Message) error {
	if m.Deletion == nil {
		return &CorruptMessageError{MessageID: m.ID, Reason: "deletion message without manifest"}
	}
	for _, item := range m.Deletion.Items {
		absPath, err := mb.fsmgr.Abs(item.Path)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", item.Path, err)
		}

		// History first, removal second: if the watcher fires before the
		// delete completes, the echo guard already knows to suppress it.
		if err := mb.guard.RecordSync(absPath, m.ID, m.Sender, mb.binding.Name(), DirectionIncoming, OperationDelete, 0, ""); err != nil {
			return fmt.Errorf("recording incoming deletion: %w", err)
		}
		if err := mb.fsmgr.RemovePath(absPath); err != nil {
			return fmt.Errorf("removing %s: %w", item.Path, err)
		}
		mb.logger.Debug("applied deletion", "path", item.Path, "message_id", m.ID)
	}
	return nil
}

// Archive moves a consumed blob into the recipient-owned archive folder.
// The medium has no rename, so the move is an upload of the local copy
// followed by deletion of the source blob.
func (mb *Mailbox) Archive(inc Incoming) error {
	archiveFolder := ArchiveFolder(inc.Peer, mb.localEmail)
	if err := mb.binding.EnsureFolder(archiveFolder); err != nil {
		return fmt.Errorf("ensuring archive folder: %w", err)
	}

	f, err := os.Open(inc.ArchivePath)
	if err != nil {
		return fmt.Errorf("opening local blob copy: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat local blob copy: %w", err)
	}
	_, err = mb.binding.Upload(archiveFolder, filepath.Base(inc.ArchivePath), f, info.Size())
	f.Close()
	if err != nil {
		return fmt.Errorf("uploading to archive: %w", err)
	}

	if err := mb.binding.Delete(inc.BlobID); err != nil {
		return fmt.Errorf("deleting consumed blob: %w", err)
	}
	return nil
}
