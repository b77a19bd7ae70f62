package peers_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"syftsync/internal/peers"
	"syftsync/internal/sync"
	"syftsync/internal/testutil"
	"syftsync/internal/transport"
)

type managerFixture struct {
	manager *peers.Manager
	dir     string
	medium  *transport.MemoryMedium
	clock   *testutil.StubClock
}

func newManagerFixture(t *testing.T, email string) *managerFixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "peers")
	medium := testutil.NewTestMedium()
	clock := testutil.FixedClock()
	m := peers.NewManager(dir, medium.Binding(email), email, "syftsync-go", sync.NewNopLogger(), clock)
	return &managerFixture{manager: m, dir: dir, medium: medium, clock: clock}
}

func TestManager_RecordRoundTrip(t *testing.T) {
	fx := newManagerFixture(t, "alice@example.com")

	added, err := fx.manager.AddFriend("bob@example.com")
	if err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	if !added.AddedAt.Equal(fx.clock.Now()) {
		t.Errorf("AddedAt = %v, want %v", added.AddedAt, fx.clock.Now())
	}
	if err := fx.manager.SetAgePublicKey("bob@example.com", "age1testkey"); err != nil {
		t.Fatalf("SetAgePublicKey() error = %v", err)
	}

	// The record file carries the sanitized token, not the raw email.
	recordPath := filepath.Join(fx.dir, "bob_at_example_com.toml")
	if _, err := os.Stat(recordPath); err != nil {
		t.Fatalf("peer record not written: %v", err)
	}

	got, err := fx.manager.Get("bob@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Email != "bob@example.com" {
		t.Errorf("Email = %q", got.Email)
	}
	if got.Platform != "syftsync-go" {
		t.Errorf("Platform = %q", got.Platform)
	}
	if got.AgePublicKey != "age1testkey" {
		t.Errorf("AgePublicKey = %q", got.AgePublicKey)
	}
	if !got.AddedAt.Equal(added.AddedAt) {
		t.Errorf("AddedAt = %v, want %v", got.AddedAt, added.AddedAt)
	}

	caps, ok := got.Capabilities["memory"]
	if !ok {
		t.Fatal("memory transport capabilities not cached on record")
	}
	if !caps.SupportsSharing {
		t.Error("cached capabilities lost SupportsSharing")
	}
}

func TestManager_GetUnknownPeer(t *testing.T) {
	fx := newManagerFixture(t, "alice@example.com")

	_, err := fx.manager.Get("stranger@example.com")
	var nf *sync.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Get() error = %v, want NotFoundError", err)
	}
	if nf.Kind != "peer" {
		t.Errorf("NotFoundError.Kind = %q, want %q", nf.Kind, "peer")
	}
}

func TestManager_CapabilityCacheRefresh(t *testing.T) {
	fx := newManagerFixture(t, "alice@example.com")

	if _, err := fx.manager.AddFriend("bob@example.com"); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	peer, err := fx.manager.Get("bob@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	firstExpiry := peer.CacheExpiry

	// Inside the TTL the cache stays put.
	fx.clock.Advance(time.Hour)
	peer, err = fx.manager.Get("bob@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !peer.CacheExpiry.Equal(firstExpiry) {
		t.Errorf("cache refreshed inside TTL: expiry %v -> %v", firstExpiry, peer.CacheExpiry)
	}

	fx.clock.Advance(peers.DefaultCapabilityTTL)
	peer, err = fx.manager.Get("bob@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !peer.CacheExpiry.After(firstExpiry) {
		t.Errorf("expired cache not refreshed: expiry still %v", peer.CacheExpiry)
	}
}

func TestManager_PeersListing(t *testing.T) {
	fx := newManagerFixture(t, "alice@example.com")

	// Empty directory (not yet created) lists cleanly.
	listed, err := fx.manager.Peers()
	if err != nil {
		t.Fatalf("Peers() error = %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("Peers() on empty dir = %d entries", len(listed))
	}

	for _, email := range []string{"bob@example.com", "carol@example.com"} {
		if _, err := fx.manager.AddFriend(email); err != nil {
			t.Fatalf("AddFriend(%s) error = %v", email, err)
		}
	}

	listed, err = fx.manager.Peers()
	if err != nil {
		t.Fatalf("Peers() error = %v", err)
	}
	if len(listed) != 2 {
		t.Errorf("Peers() = %d entries, want 2", len(listed))
	}
}

func TestManager_RemovePeerRevokesGrant(t *testing.T) {
	alice := newManagerFixture(t, "alice@example.com")
	bobBinding := alice.medium.Binding("bob@example.com")

	if _, err := alice.manager.AddFriend("bob@example.com"); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	shared, err := bobBinding.SharedWithMe()
	if err != nil {
		t.Fatalf("SharedWithMe() error = %v", err)
	}
	if len(shared) != 1 {
		t.Fatalf("bob sees %d shared folders, want 1", len(shared))
	}

	if err := alice.manager.RemovePeer("bob@example.com"); err != nil {
		t.Fatalf("RemovePeer() error = %v", err)
	}

	shared, err = bobBinding.SharedWithMe()
	if err != nil {
		t.Fatalf("SharedWithMe() error = %v", err)
	}
	if len(shared) != 0 {
		t.Errorf("grant survived removal: bob still sees %v", shared)
	}
	if _, err := alice.manager.Get("bob@example.com"); err == nil {
		t.Error("peer record survived removal")
	}

	// Removing an unknown peer is a no-op.
	if err := alice.manager.RemovePeer("stranger@example.com"); err != nil {
		t.Errorf("RemovePeer(unknown) error = %v", err)
	}
}

func TestManager_FriendRequestFromUnrecordedPrincipal(t *testing.T) {
	alice := newManagerFixture(t, "alice@example.com")
	bob := peers.NewManager(
		filepath.Join(t.TempDir(), "peers"),
		alice.medium.Binding("bob@example.com"),
		"bob@example.com", "syftsync-go", sync.NewNopLogger(), alice.clock,
	)

	// Bob grants alice an inbox; alice never recorded bob.
	if _, err := bob.AddFriend("alice@example.com"); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}

	requests, err := alice.manager.FriendRequests()
	if err != nil {
		t.Fatalf("FriendRequests() error = %v", err)
	}
	if len(requests) != 1 || requests[0] != "bob_at_example_com" {
		t.Errorf("FriendRequests() = %v, want [bob_at_example_com]", requests)
	}
}
