package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"syftsync/internal/config"
	"syftsync/internal/encryption"
	"syftsync/internal/fs"
	"syftsync/internal/history"
	"syftsync/internal/peers"
	"syftsync/internal/sync"
	"syftsync/internal/transport"
)

// App is the application layer between the CLI and the sync engine. It
// constructs all dependencies from config, exposes high-level operations that
// accept raw string paths, and manages the history store and log lifecycle on
// Close.
type App struct {
	cfg      *config.Config
	binding  sync.Binding
	store    sync.HistoryStore
	guard    *sync.EchoGuard
	fsmgr    sync.FilesystemManager
	peerMgr  *peers.Manager
	mailbox  *sync.Mailbox
	sender   *sync.Sender
	receiver *sync.Receiver
	watcher  *sync.Watcher
	logger   sync.Logger
	logFile  *os.File
}

// NewApp creates a fully wired App from the given config. The caller must
// call Close when done.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	runID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	fsmgr, err := fs.NewOSFilesystemManager(cfg.SyncRoot)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating filesystem manager: %w", err)
	}

	if len(cfg.Transports) == 0 {
		logFile.Close()
		return nil, fmt.Errorf("no transports configured")
	}
	binding, err := transport.NewBindingFromConfig(ctx, cfg.Transports[0], cfg.Email)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating transport binding: %w", err)
	}

	store, err := history.NewStoreFromConfig(cfg.History)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating history store: %w", err)
	}

	threshold := time.Duration(cfg.History.ThresholdSeconds) * time.Second
	guard := sync.NewEchoGuard(store, fsmgr, sync.RealClock{}, threshold)

	peerMgr := peers.NewManager(filepath.Join(cfg.BaseDir, "peers"), binding, cfg.Email, cfg.Platform, logger, sync.RealClock{})

	mailbox := sync.NewMailbox(binding, peerMgr, fsmgr, guard, logger, cfg.Email)
	sender := sync.NewSender(mailbox, peerMgr, fsmgr, guard, logger, sync.RealClock{}, sync.TimeUUIDGenerator{})

	quarantineDir := ""
	if cfg.Receiver.Quarantine {
		quarantineDir = filepath.Join(cfg.BaseDir, "quarantine")
	}
	receiver := sync.NewReceiver(mailbox, logger, quarantineDir)

	ignore, err := fs.LoadIgnoreMatcher(fsmgr.Root(), cfg.Watcher.Ignore)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("loading ignore patterns: %w", err)
	}
	debounce := time.Duration(cfg.Watcher.DebounceMillis) * time.Millisecond
	watcher := sync.NewWatcher(sender, guard, fsmgr, logger, debounce, ignore)

	return &App{
		cfg:      cfg,
		binding:  binding,
		store:    store,
		guard:    guard,
		fsmgr:    fsmgr,
		peerMgr:  peerMgr,
		mailbox:  mailbox,
		sender:   sender,
		receiver: receiver,
		watcher:  watcher,
		logger:   logger,
		logFile:  logFile,
	}, nil
}

// Encryptor returns the configured encryptor, whether or not keys exist yet.
func (a *App) Encryptor() (sync.Encryptor, error) {
	return encryption.NewEncryptorFromConfig(a.cfg.Encryption)
}

// UnlockEncryption unlocks the local identity with the passphrase and enables
// at-rest encryption of archives on the mailbox.
func (a *App) UnlockEncryption(passphrase string) error {
	enc, err := a.Encryptor()
	if err != nil {
		return err
	}
	if !enc.IsConfigured() {
		return fmt.Errorf("no key pair found: run 'syftsync keys init' first")
	}
	dec, err := enc.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking identity: %w", err)
	}
	a.mailbox.EnableEncryption(enc, dec)
	return nil
}

// AddPeer records a peer and establishes the outbound mailbox grant. A
// non-empty agePublicKey enables at-rest encryption of archives to that peer.
func (a *App) AddPeer(email, agePublicKey string) (*sync.Peer, error) {
	peer, err := a.peerMgr.AddFriend(email)
	if err != nil {
		return nil, err
	}
	if agePublicKey != "" {
		if err := a.peerMgr.SetAgePublicKey(email, agePublicKey); err != nil {
			return nil, err
		}
		peer.AgePublicKey = agePublicKey
	}
	return peer, nil
}

// RemovePeer revokes the peer's mailbox access and deletes the local record.
func (a *App) RemovePeer(email string) error {
	return a.peerMgr.RemovePeer(email)
}

// Peers lists all locally recorded peers with their relationship state.
func (a *App) Peers() ([]*sync.Peer, map[string]sync.RelationshipState, error) {
	list, err := a.peerMgr.Peers()
	if err != nil {
		return nil, nil, err
	}
	states := make(map[string]sync.RelationshipState, len(list))
	for _, p := range list {
		state, err := a.peerMgr.Relationship(p.Email)
		if err != nil {
			return nil, nil, err
		}
		states[p.Email] = state
	}
	return list, states, nil
}

// FriendRequests lists principals that granted us access without
// reciprocation.
func (a *App) FriendRequests() ([]string, error) {
	return a.peerMgr.FriendRequests()
}

// Send resolves the given path and delivers the file to recipient, or to all
// confirmed friends when recipient is empty.
func (a *App) Send(rawPath, recipient string) error {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}
	if recipient != "" {
		return a.sender.Send(absPath, recipient)
	}
	results, err := a.sender.SendToFriends(absPath)
	if err != nil {
		return err
	}
	for peer, ok := range results {
		if !ok {
			return fmt.Errorf("delivery to %s failed; see log for details", peer)
		}
	}
	return nil
}

// Delete propagates a deletion of the given path to all confirmed friends.
func (a *App) Delete(rawPath string) (map[string]bool, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	return a.sender.SendDeletionToPeers(absPath)
}

// Receive runs one poll cycle and returns the number of messages applied.
func (a *App) Receive(ctx context.Context) (int, error) {
	return a.receiver.Poll(ctx)
}

// History returns the sync journal entries for the given path, newest first.
func (a *App) History(rawPath string) ([]sync.HistoryEntry, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	return a.store.RecentForPath(absPath, time.Time{})
}

// Daemon runs the watcher and the receiver poll loop until ctx is cancelled,
// then stops both before returning.
func (a *App) Daemon(ctx context.Context) error {
	if err := a.watcher.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	interval := time.Duration(a.cfg.Receiver.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	a.receiver.Start(interval)

	a.logger.Info("daemon running", "root", a.fsmgr.Root(), "transport", a.binding.Name(), "poll", interval.String())
	<-ctx.Done()

	a.receiver.Stop()
	a.watcher.Stop()
	a.logger.Info("daemon stopped")
	return nil
}

// Close releases the history store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing history store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
