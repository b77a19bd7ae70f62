package sync

import (
	"fmt"
	"os"
)

// Sender turns a local filesystem change into a message, stages it through
// the mailbox, and records the outbound event in the sync history.
type Sender struct {
	mailbox *Mailbox
	peers   PeerManager
	fsmgr   FilesystemManager
	guard   *EchoGuard
	logger  Logger
	clock   Clock
	idgen   IDGenerator
}

// NewSender creates a Sender over the given mailbox.
func NewSender(mailbox *Mailbox, peers PeerManager, fsmgr FilesystemManager, guard *EchoGuard, logger Logger, clock Clock, idgen IDGenerator) *Sender {
	return &Sender{
		mailbox: mailbox,
		peers:   peers,
		fsmgr:   fsmgr,
		guard:   guard,
		logger:  logger,
		clock:   clock,
		idgen:   idgen,
	}
}

// Send packages the file at localPath into a message and delivers it to
// recipient. localPath must lie under the synchronized root; a path outside
// the root fails with a *PathTraversalError. The scratch staging directory
// is removed whether or not the send succeeds.
func (s *Sender) Send(localPath, recipient string) error {
	relPath, err := s.fsmgr.Rel(localPath)
	if err != nil {
		return err
	}

	info, err := s.fsmgr.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("sending directories is not supported: %s", localPath)
	}

	scratch, err := os.MkdirTemp("", "syftsync-send-*")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	now := s.clock.Now()
	msg, err := CreateMessage(scratch, s.idgen.NewMessageID(now), s.mailbox.localEmail, recipient, MessageFileTransfer, now)
	if err != nil {
		return err
	}

	entry, err := msg.AddFile(localPath, relPath, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("adding file to message: %w", err)
	}
	if err := msg.Finalize(); err != nil {
		return err
	}

	archivePath, err := PackMessage(msg, scratch)
	if err != nil {
		return err
	}

	if err := s.mailbox.SendTo(archivePath, recipient, msg.ID); err != nil {
		return err
	}

	if err := s.guard.RecordSync(localPath, msg.ID, recipient, s.mailbox.binding.Name(), DirectionOutgoing, OperationSync, entry.Size, entry.SHA256); err != nil {
		s.logger.Warn("recording outgoing sync failed", "path", localPath, "error", err)
	}
	return nil
}

// SendDeletion delivers a one-item deletion manifest for localPath to
// recipient. The path may no longer exist locally; only its root-relative
// name travels.
func (s *Sender) SendDeletion(localPath, recipient string) error {
	relPath, err := s.fsmgr.Rel(localPath)
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp("", "syftsync-delete-*")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	now := s.clock.Now()
	msg, err := CreateMessage(scratch, s.idgen.NewMessageID(now), s.mailbox.localEmail, recipient, MessageDeletion, now)
	if err != nil {
		return err
	}
	err = msg.SetDeletionManifest([]DeletionItem{{
		Path:      relPath,
		Timestamp: float64(now.UnixNano()) / 1e9,
		DeletedBy: s.mailbox.localEmail,
	}})
	if err != nil {
		return err
	}
	if err := msg.Finalize(); err != nil {
		return err
	}

	archivePath, err := PackMessage(msg, scratch)
	if err != nil {
		return err
	}

	if err := s.mailbox.SendTo(archivePath, recipient, msg.ID); err != nil {
		return err
	}

	if err := s.guard.RecordSync(localPath, msg.ID, recipient, s.mailbox.binding.Name(), DirectionOutgoing, OperationDelete, 0, ""); err != nil {
		s.logger.Warn("recording outgoing deletion failed", "path", localPath, "error", err)
	}
	return nil
}

// SendToFriends fans a file change out to every confirmed friend, collecting
// per-peer success independently: one failing peer never blocks delivery to
// the others.
func (s *Sender) SendToFriends(localPath string) (map[string]bool, error) {
	return s.fanOut(localPath, s.Send)
}

// SendDeletionToPeers fans a deletion out to every confirmed friend.
func (s *Sender) SendDeletionToPeers(localPath string) (map[string]bool, error) {
	return s.fanOut(localPath, s.SendDeletion)
}

func (s *Sender) fanOut(localPath string, send func(path, recipient string) error) (map[string]bool, error) {
	friends, err := s.peers.Friends()
	if err != nil {
		return nil, fmt.Errorf("listing friends: %w", err)
	}

	results := make(map[string]bool, len(friends))
	for _, friend := range friends {
		if err := send(localPath, friend); err != nil {
			s.logger.Warn("send failed", "path", localPath, "peer", friend, "error", err)
			results[friend] = false
			continue
		}
		results[friend] = true
	}
	return results, nil
}
