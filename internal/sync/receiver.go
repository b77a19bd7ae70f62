package sync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	goSync "sync"
	"time"
)

// ReceiverState is the phase of the current poll cycle, exposed for
// introspection and tests.
type ReceiverState string

const (
	StateIdle        ReceiverState = "idle"
	StateListing     ReceiverState = "listing"
	StateDownloading ReceiverState = "downloading"
	StateExtracting  ReceiverState = "extracting"
	StateApplying    ReceiverState = "applying"
	StateArchiving   ReceiverState = "archiving"
)

// Receiver polls the mailbox inbox, extracts messages, applies their effects
// to the local tree, and archives consumed blobs. Per-message failures are
// isolated: one corrupt archive never blocks the rest of the batch, and
// nothing here is fatal to the poll loop.
type Receiver struct {
	mailbox       *Mailbox
	logger        Logger
	quarantineDir string // empty disables quarantine; corrupt blobs are dropped

	mu      goSync.Mutex
	state   ReceiverState
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

// NewReceiver creates a Receiver over the mailbox. quarantineDir, when
// non-empty, collects corrupt blobs for inspection instead of deleting them.
func NewReceiver(mailbox *Mailbox, logger Logger, quarantineDir string) *Receiver {
	return &Receiver{
		mailbox:       mailbox,
		logger:        logger,
		quarantineDir: quarantineDir,
		state:         StateIdle,
	}
}

// State returns the current poll-cycle phase.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Receiver) setState(s ReceiverState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Poll runs one complete receive cycle and returns the number of messages
// applied. ctx cancellation is honored between messages, never mid-apply:
// the in-flight message always finishes its applying and archiving steps so
// a stop request never leaves a partial write as terminal state.
func (r *Receiver) Poll(ctx context.Context) (int, error) {
	defer r.setState(StateIdle)

	downloadRoot, err := os.MkdirTemp("", "syftsync-recv-*")
	if err != nil {
		return 0, fmt.Errorf("creating download root: %w", err)
	}
	defer os.RemoveAll(downloadRoot)

	r.setState(StateListing)
	pending, err := r.mailbox.ListIncoming()
	if err != nil {
		return 0, fmt.Errorf("listing inboxes: %w", err)
	}

	r.setState(StateDownloading)
	var incoming []Incoming
	for _, pb := range pending {
		inc, err := r.mailbox.DownloadIncoming(pb, downloadRoot)
		if err != nil {
			r.logger.Warn("downloading blob failed", "blob", pb.Blob.Name, "peer", pb.Peer, "error", err)
			continue
		}
		incoming = append(incoming, *inc)
	}

	applied := 0
	for _, inc := range incoming {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		if err := r.processOne(inc); err != nil {
			r.logger.Warn("message skipped", "message_id", inc.MessageID, "peer", inc.Peer, "error", err)
			continue
		}
		applied++
	}
	return applied, nil
}

// processOne extracts, validates, applies, and archives a single message.
// Extraction scratch space is removed unconditionally, even on partial-apply
// failure, so repeated polls never leak scratch directories.
func (r *Receiver) processOne(inc Incoming) error {
	r.setState(StateExtracting)

	extractDir := inc.ArchivePath + ".extracted"
	defer os.RemoveAll(extractDir)

	msg, err := UnpackMessage(inc.ArchivePath, extractDir)
	if err != nil {
		r.quarantine(inc)
		return err
	}

	if ok, reason := msg.Validate(); !ok {
		r.quarantine(inc)
		return &CorruptMessageError{MessageID: msg.ID, Reason: reason}
	}

	r.setState(StateApplying)
	if err := r.mailbox.Apply(msg); err != nil {
		return fmt.Errorf("applying message: %w", err)
	}

	r.setState(StateArchiving)
	if err := r.mailbox.Archive(inc); err != nil {
		return fmt.Errorf("archiving message: %w", err)
	}

	r.logger.Info("message applied", "message_id", msg.ID, "peer", inc.Peer, "type", string(msg.Type))
	return nil
}

// quarantine preserves a corrupt blob for inspection and removes the source
// blob from the inbox so the next poll does not trip over it again.
func (r *Receiver) quarantine(inc Incoming) {
	if r.quarantineDir != "" {
		if err := os.MkdirAll(r.quarantineDir, 0755); err == nil {
			dest := filepath.Join(r.quarantineDir, filepath.Base(inc.ArchivePath))
			if err := moveFile(inc.ArchivePath, dest); err != nil {
				r.logger.Warn("quarantine failed", "blob", inc.ArchivePath, "error", err)
			} else {
				r.logger.Info("blob quarantined", "blob", dest, "peer", inc.Peer)
			}
		}
	}
	if err := r.mailbox.Binding().Delete(inc.BlobID); err != nil {
		r.logger.Warn("removing corrupt blob failed", "blob_id", inc.BlobID, "error", err)
	}
}

// moveFile renames src over dest, falling back to copy+remove when the two
// paths live on different filesystems (the download root sits on the system
// temp mount, the quarantine dir under the base dir).
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}

// Start launches the timer-driven poll loop in the background. It is a
// no-op if the loop is already running.
func (r *Receiver) Start(interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.stop = cancel
	r.done = make(chan struct{})

	go r.run(ctx, interval)
}

func (r *Receiver) run(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("poll cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop cancels the poll loop and waits for the in-flight cycle to finish
// its current message before returning.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop := r.stop
	done := r.done
	r.mu.Unlock()

	stop()
	<-done
}

// IsRunning reports whether the poll loop is active.
func (r *Receiver) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
