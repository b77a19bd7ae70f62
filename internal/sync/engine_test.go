package sync_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"syftsync/internal/fs"
	"syftsync/internal/peers"
	"syftsync/internal/sync"
	"syftsync/internal/testutil"
	"syftsync/internal/transport"
)

// principal is one end of a sync channel with its own root, history, and
// mailbox over a shared medium.
type principal struct {
	email    string
	fsmgr    *fs.OSFilesystemManager
	guard    *sync.EchoGuard
	peers    *peers.Manager
	mailbox  *sync.Mailbox
	sender   *sync.Sender
	receiver *sync.Receiver
	clock    *testutil.StubClock
}

func newPrincipal(t *testing.T, medium *transport.MemoryMedium, email string) *principal {
	t.Helper()

	fsmgr := testutil.NewTestRoot(t)
	clock := testutil.FixedClock()
	logger := sync.NewNopLogger()
	guard := sync.NewEchoGuard(testutil.NewTestHistoryStore(t), fsmgr, clock, 0)

	binding := medium.Binding(email)
	pm := peers.NewManager(filepath.Join(t.TempDir(), "peers"), binding, email, "test", logger, clock)
	mailbox := sync.NewMailbox(binding, pm, fsmgr, guard, logger, email)
	sender := sync.NewSender(mailbox, pm, fsmgr, guard, logger, clock, testutil.NewStubIDGenerator())
	receiver := sync.NewReceiver(mailbox, logger, "")

	return &principal{
		email:    email,
		fsmgr:    fsmgr,
		guard:    guard,
		peers:    pm,
		mailbox:  mailbox,
		sender:   sender,
		receiver: receiver,
		clock:    clock,
	}
}

// newFriends creates two principals that have added each other.
func newFriends(t *testing.T) (*principal, *principal) {
	t.Helper()
	medium := testutil.NewTestMedium()
	alice := newPrincipal(t, medium, "alice@example.com")
	bob := newPrincipal(t, medium, "bob@example.com")

	if _, err := alice.peers.AddFriend(bob.email); err != nil {
		t.Fatalf("alice AddFriend(bob) error = %v", err)
	}
	if _, err := bob.peers.AddFriend(alice.email); err != nil {
		t.Fatalf("bob AddFriend(alice) error = %v", err)
	}
	return alice, bob
}

func TestEngine_FileRoundTrip(t *testing.T) {
	alice, bob := newFriends(t)

	content := []byte("hello from alice")
	srcPath := testutil.WriteFile(t, alice.fsmgr, "docs/hello.txt", content)

	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("Poll() applied = %d, want 1", applied)
	}

	got, err := os.ReadFile(filepath.Join(bob.fsmgr.Root(), "docs", "hello.txt"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received content = %q, want %q", got, content)
	}

	// The consumed blob moved to the archive; a second poll applies nothing.
	applied, err = bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if applied != 0 {
		t.Errorf("second Poll() applied = %d, want 0", applied)
	}

	archive := sync.ArchiveFolder(alice.email, bob.email)
	blobs, err := bob.mailbox.Binding().List(archive)
	if err != nil {
		t.Fatalf("listing archive: %v", err)
	}
	if len(blobs) != 1 {
		t.Errorf("archive holds %d blobs, want 1", len(blobs))
	}
}

func TestEngine_ReceivedFileIsSuppressedAsEcho(t *testing.T) {
	alice, bob := newFriends(t)

	srcPath := testutil.WriteFile(t, alice.fsmgr, "echo.txt", []byte("bounce?"))
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := bob.receiver.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	// Bob's watcher would now see a write event for the file the receiver
	// just wrote; the guard must identify it as an incoming sync.
	bobPath := filepath.Join(bob.fsmgr.Root(), "echo.txt")
	recent, err := bob.guard.IsRecentSync(bobPath, sync.DirectionIncoming, sync.OperationSync)
	if err != nil {
		t.Fatalf("IsRecentSync() error = %v", err)
	}
	if !recent {
		t.Error("received file not suppressed as echo")
	}
}

func TestEngine_DeletionConverges(t *testing.T) {
	alice, bob := newFriends(t)

	// Seed both sides with the file.
	srcPath := testutil.WriteFile(t, alice.fsmgr, "doomed.txt", []byte("short life"))
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if _, err := bob.receiver.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	bobPath := filepath.Join(bob.fsmgr.Root(), "doomed.txt")
	if _, err := os.Stat(bobPath); err != nil {
		t.Fatalf("file not delivered before deletion test: %v", err)
	}

	// Alice deletes locally, then propagates.
	if err := os.Remove(srcPath); err != nil {
		t.Fatalf("removing local file: %v", err)
	}
	if err := alice.sender.SendDeletion(srcPath, bob.email); err != nil {
		t.Fatalf("SendDeletion() error = %v", err)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("Poll() applied = %d, want 1", applied)
	}

	if _, err := os.Stat(bobPath); !os.IsNotExist(err) {
		t.Error("deleted file still present on bob's side")
	}

	// Bob's watcher sees the remove event; the guard must suppress it.
	recent, err := bob.guard.IsRecentSync(bobPath, sync.DirectionIncoming, sync.OperationDelete)
	if err != nil {
		t.Fatalf("IsRecentSync() error = %v", err)
	}
	if !recent {
		t.Error("applied deletion not suppressed as echo")
	}
}

func TestEngine_DuplicateDeliveryIsIdempotent(t *testing.T) {
	alice, bob := newFriends(t)

	content := []byte("delivered twice")
	srcPath := testutil.WriteFile(t, alice.fsmgr, "dup.txt", content)
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Capture the raw blob so the medium can replay the delivery.
	folder := sync.OutboxFolder(alice.email, bob.email)
	binding := bob.mailbox.Binding()
	blobs, err := binding.List(folder)
	if err != nil {
		t.Fatalf("listing outbox: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("outbox holds %d blobs, want 1", len(blobs))
	}
	var raw bytes.Buffer
	if err := binding.Download(blobs[0].ID, &raw); err != nil {
		t.Fatalf("downloading blob: %v", err)
	}

	if _, err := bob.receiver.Poll(context.Background()); err != nil {
		t.Fatalf("first Poll() error = %v", err)
	}

	// The medium redelivers the exact same archive.
	if _, err := binding.Upload(folder, blobs[0].Name, bytes.NewReader(raw.Bytes()), int64(raw.Len())); err != nil {
		t.Fatalf("replaying blob: %v", err)
	}
	if _, err := bob.receiver.Poll(context.Background()); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(bob.fsmgr.Root(), "dup.txt"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content after duplicate delivery = %q, want %q", got, content)
	}
}

func TestEngine_SendThenDeleteBeforePoll(t *testing.T) {
	alice, bob := newFriends(t)

	// Both messages queue up before bob's receiver ever runs; processed in
	// order, the deletion wins.
	srcPath := testutil.WriteFile(t, alice.fsmgr, "fleeting.txt", []byte("blink"))
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := os.Remove(srcPath); err != nil {
		t.Fatalf("removing local file: %v", err)
	}
	if err := alice.sender.SendDeletion(srcPath, bob.email); err != nil {
		t.Fatalf("SendDeletion() error = %v", err)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 2 {
		t.Fatalf("Poll() applied = %d, want 2", applied)
	}

	if _, err := os.Stat(filepath.Join(bob.fsmgr.Root(), "fleeting.txt")); !os.IsNotExist(err) {
		t.Error("file survived an in-order send-then-delete sequence")
	}
}

func TestEngine_DeletingAbsentPathIsNoOpSuccess(t *testing.T) {
	alice, bob := newFriends(t)

	// Bob never had the file; the deletion must still apply cleanly.
	ghost := filepath.Join(alice.fsmgr.Root(), "never-existed.txt")
	if err := alice.sender.SendDeletion(ghost, bob.email); err != nil {
		t.Fatalf("SendDeletion() error = %v", err)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 1 {
		t.Errorf("Poll() applied = %d, want 1", applied)
	}
}

func TestEngine_SendOutsideRootIsHardError(t *testing.T) {
	alice, bob := newFriends(t)

	outside := filepath.Join(t.TempDir(), "outside.txt")
	if err := os.WriteFile(outside, []byte("not yours"), 0644); err != nil {
		t.Fatalf("writing outside file: %v", err)
	}

	err := alice.sender.Send(outside, bob.email)
	var traversal *sync.PathTraversalError
	if !errors.As(err, &traversal) {
		t.Errorf("Send(outside root) error = %v, want PathTraversalError", err)
	}
}

func TestEngine_SendToUnknownRecipient(t *testing.T) {
	medium := testutil.NewTestMedium()
	alice := newPrincipal(t, medium, "alice@example.com")

	srcPath := testutil.WriteFile(t, alice.fsmgr, "file.txt", []byte("data"))
	err := alice.sender.Send(srcPath, "stranger@example.com")
	if !errors.Is(err, sync.ErrNotAPeer) {
		t.Errorf("Send(stranger) error = %v, want ErrNotAPeer", err)
	}
}

func TestEngine_FriendLifecycle(t *testing.T) {
	medium := testutil.NewTestMedium()
	alice := newPrincipal(t, medium, "alice@example.com")
	bob := newPrincipal(t, medium, "bob@example.com")

	// Alice adds bob; one-directional grant.
	if _, err := alice.peers.AddFriend(bob.email); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}

	state, err := alice.peers.Relationship(bob.email)
	if err != nil {
		t.Fatalf("Relationship() error = %v", err)
	}
	if state != sync.RelationshipRequested {
		t.Errorf("alice->bob state = %q, want %q", state, sync.RelationshipRequested)
	}

	friends, err := alice.peers.Friends()
	if err != nil {
		t.Fatalf("Friends() error = %v", err)
	}
	if len(friends) != 0 {
		t.Errorf("alice has %d friends before reciprocation, want 0", len(friends))
	}

	// Bob sees the pending request.
	requests, err := bob.peers.FriendRequests()
	if err != nil {
		t.Fatalf("FriendRequests() error = %v", err)
	}
	if len(requests) != 1 {
		t.Fatalf("bob has %d requests, want 1", len(requests))
	}

	// Bob reciprocates; both sides are friends now.
	if _, err := bob.peers.AddFriend(alice.email); err != nil {
		t.Fatalf("bob AddFriend(alice) error = %v", err)
	}

	for _, p := range []*principal{alice, bob} {
		friends, err := p.peers.Friends()
		if err != nil {
			t.Fatalf("%s Friends() error = %v", p.email, err)
		}
		if len(friends) != 1 {
			t.Errorf("%s has %d friends, want 1", p.email, len(friends))
		}
	}

	// Re-adding an existing friend is a no-op success.
	if _, err := alice.peers.AddFriend(bob.email); err != nil {
		t.Errorf("re-AddFriend() error = %v", err)
	}

	// Removing bob revokes alice's grant; bob drops out of her friend list.
	if err := alice.peers.RemovePeer(bob.email); err != nil {
		t.Fatalf("RemovePeer() error = %v", err)
	}
	if _, err := alice.peers.Get(bob.email); err == nil {
		t.Error("removed peer still recorded")
	}
}

func TestEngine_FanOutToFriends(t *testing.T) {
	medium := testutil.NewTestMedium()
	alice := newPrincipal(t, medium, "alice@example.com")
	bob := newPrincipal(t, medium, "bob@example.com")
	carol := newPrincipal(t, medium, "carol@example.com")

	for _, p := range []*principal{bob, carol} {
		if _, err := alice.peers.AddFriend(p.email); err != nil {
			t.Fatalf("AddFriend(%s) error = %v", p.email, err)
		}
		if _, err := p.peers.AddFriend(alice.email); err != nil {
			t.Fatalf("%s AddFriend(alice) error = %v", p.email, err)
		}
	}

	srcPath := testutil.WriteFile(t, alice.fsmgr, "broadcast.txt", []byte("to everyone"))
	results, err := alice.sender.SendToFriends(srcPath)
	if err != nil {
		t.Fatalf("SendToFriends() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("fan-out reached %d peers, want 2", len(results))
	}

	for _, p := range []*principal{bob, carol} {
		applied, err := p.receiver.Poll(context.Background())
		if err != nil {
			t.Fatalf("%s Poll() error = %v", p.email, err)
		}
		if applied != 1 {
			t.Errorf("%s applied %d messages, want 1", p.email, applied)
		}
	}
}

func TestEngine_CorruptBlobIsSkippedAndRemoved(t *testing.T) {
	alice, bob := newFriends(t)

	// Drop a garbage blob straight into the outbox alongside a valid one.
	folder := sync.OutboxFolder(alice.email, bob.email)
	garbage := []byte("definitely not a tar.gz")
	binding := alice.mailbox.Binding()
	if _, err := binding.Upload(folder, "msg_garbage.tar.gz", bytes.NewReader(garbage), int64(len(garbage))); err != nil {
		t.Fatalf("uploading garbage blob: %v", err)
	}

	srcPath := testutil.WriteFile(t, alice.fsmgr, "valid.txt", []byte("survives"))
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 1 {
		t.Errorf("Poll() applied = %d, want 1 (the valid message)", applied)
	}

	// The corrupt blob was deleted so the next poll does not retry it.
	blobs, err := bob.mailbox.Binding().List(folder)
	if err != nil {
		t.Fatalf("listing outbox: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("outbox holds %d blobs after poll, want 0", len(blobs))
	}
}

func TestEngine_CorruptBlobIsQuarantined(t *testing.T) {
	alice, bob := newFriends(t)
	quarantineDir := filepath.Join(t.TempDir(), "quarantine")
	receiver := sync.NewReceiver(bob.mailbox, sync.NewNopLogger(), quarantineDir)

	folder := sync.OutboxFolder(alice.email, bob.email)
	garbage := []byte("definitely not a tar.gz")
	if _, err := alice.mailbox.Binding().Upload(folder, "msg_bad.tar.gz", bytes.NewReader(garbage), int64(len(garbage))); err != nil {
		t.Fatalf("uploading garbage blob: %v", err)
	}

	if _, err := receiver.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	// The blob is preserved for inspection and removed from the inbox.
	entries, err := os.ReadDir(quarantineDir)
	if err != nil {
		t.Fatalf("reading quarantine dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "msg_bad.tar.gz" {
		t.Errorf("quarantine dir holds %v, want [msg_bad.tar.gz]", entries)
	}
	blobs, err := bob.mailbox.Binding().List(folder)
	if err != nil {
		t.Fatalf("listing outbox: %v", err)
	}
	if len(blobs) != 0 {
		t.Errorf("outbox holds %d blobs after quarantine, want 0", len(blobs))
	}
}

func TestEngine_ListIncomingBeforeDownload(t *testing.T) {
	alice, bob := newFriends(t)

	srcPath := testutil.WriteFile(t, alice.fsmgr, "listed.txt", []byte("queued"))
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	pending, err := bob.mailbox.ListIncoming()
	if err != nil {
		t.Fatalf("ListIncoming() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("ListIncoming() returned %d blobs, want 1", len(pending))
	}
	if pending[0].Peer != alice.email {
		t.Errorf("pending peer = %q, want %q", pending[0].Peer, alice.email)
	}
	if pending[0].Folder != sync.OutboxFolder(alice.email, bob.email) {
		t.Errorf("pending folder = %q", pending[0].Folder)
	}

	// Listing alone mutates nothing: the blob stays put and the local tree
	// is untouched.
	if _, err := os.Stat(filepath.Join(bob.fsmgr.Root(), "listed.txt")); !os.IsNotExist(err) {
		t.Error("listing wrote to the local tree")
	}

	inc, err := bob.mailbox.DownloadIncoming(pending[0], t.TempDir())
	if err != nil {
		t.Fatalf("DownloadIncoming() error = %v", err)
	}
	if inc.MessageID != "msg_20240115T103000Z_0001" {
		t.Errorf("MessageID = %q", inc.MessageID)
	}
	if _, err := os.Stat(inc.ArchivePath); err != nil {
		t.Errorf("downloaded archive missing: %v", err)
	}
}

func TestEngine_EncryptedRoundTrip(t *testing.T) {
	alice, bob := newFriends(t)

	enc := testutil.NewTestEncryptor()
	dec, err := enc.Unlock("passphrase")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	alice.mailbox.EnableEncryption(enc, dec)
	bob.mailbox.EnableEncryption(enc, dec)

	// Bob published a key, so archives to him are encrypted at rest.
	if err := alice.peers.SetAgePublicKey(bob.email, "bob-public-key"); err != nil {
		t.Fatalf("SetAgePublicKey() error = %v", err)
	}

	content := []byte("secret payload")
	srcPath := testutil.WriteFile(t, alice.fsmgr, "secret.txt", content)
	if err := alice.sender.Send(srcPath, bob.email); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// The blob at rest carries the encrypted extension.
	folder := sync.OutboxFolder(alice.email, bob.email)
	blobs, err := bob.mailbox.Binding().List(folder)
	if err != nil {
		t.Fatalf("listing outbox: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("outbox holds %d blobs, want 1", len(blobs))
	}
	if filepath.Ext(blobs[0].Name) != sync.EncryptedExt {
		t.Errorf("blob name = %q, want %q suffix", blobs[0].Name, sync.EncryptedExt)
	}

	applied, err := bob.receiver.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if applied != 1 {
		t.Fatalf("Poll() applied = %d, want 1", applied)
	}

	got, err := os.ReadFile(filepath.Join(bob.fsmgr.Root(), "secret.txt"))
	if err != nil {
		t.Fatalf("reading received file: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("received content = %q, want %q", got, content)
	}
}
