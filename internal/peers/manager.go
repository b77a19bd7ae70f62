package peers

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"syftsync/internal/sync"
)

// DefaultCapabilityTTL is how long discovered transport capabilities stay
// cached on a peer record before being re-read from the binding.
const DefaultCapabilityTTL = 24 * time.Hour

// Manager is a file-backed sync.PeerManager. Each peer is one TOML record
// under dir; relationship state is never stored, it is re-derived from
// transport-visible grants on every query.
type Manager struct {
	dir        string
	binding    sync.Binding
	localEmail string
	platform   string
	logger     sync.Logger
	clock      sync.Clock
	ttl        time.Duration
}

// NewManager creates a peer manager persisting records under dir.
func NewManager(dir string, binding sync.Binding, localEmail, platform string, logger sync.Logger, clock sync.Clock) *Manager {
	return &Manager{
		dir:        dir,
		binding:    binding,
		localEmail: localEmail,
		platform:   platform,
		logger:     logger,
		clock:      clock,
		ttl:        DefaultCapabilityTTL,
	}
}

// peerRecord is the on-disk shape of a Peer.
type peerRecord struct {
	Email        string                      `toml:"email"`
	Platform     string                      `toml:"platform"`
	AddedAt      time.Time                   `toml:"added_at"`
	AgePublicKey string                      `toml:"age_public_key,omitempty"`
	Capabilities map[string]capabilityRecord `toml:"capabilities,omitempty"`
	CacheExpiry  time.Time                   `toml:"cache_expiry,omitempty"`
}

type capabilityRecord struct {
	MaxBlobSize      int64 `toml:"max_blob_size"`
	SupportsDeletion bool  `toml:"supports_deletion"`
	SupportsSharing  bool  `toml:"supports_sharing"`
}

func (m *Manager) recordPath(email string) string {
	return filepath.Join(m.dir, sync.SanitizeEmail(email)+".toml")
}

// AddFriend records the peer and establishes the local-to-peer grant on the
// transport. Re-adding an existing friend re-ensures the grant and succeeds.
func (m *Manager) AddFriend(email string) (*sync.Peer, error) {
	peer, err := m.Get(email)
	if err != nil {
		var nf *sync.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		peer = &sync.Peer{
			Email:    email,
			Platform: m.platform,
			AddedAt:  m.clock.Now(),
		}
	}

	folders := sync.FoldersFor(m.localEmail, email)
	if err := m.binding.EnsureFolder(folders.Pending); err != nil {
		return nil, fmt.Errorf("ensuring pending folder: %w", err)
	}
	if err := m.binding.EnsureFolder(folders.OutboxInbox); err != nil {
		return nil, fmt.Errorf("ensuring outbox folder: %w", err)
	}
	if err := m.binding.Share(folders.OutboxInbox, email, sync.RoleReader); err != nil {
		return nil, fmt.Errorf("granting outbox access to %s: %w", email, err)
	}

	m.refreshCapabilities(peer)
	if err := m.save(peer); err != nil {
		return nil, err
	}
	m.logger.Info("peer added", "peer", email, "transport", m.binding.Name())
	return peer, nil
}

// SetAgePublicKey attaches an age recipient key to an existing peer record so
// future archives to that peer are encrypted at rest.
func (m *Manager) SetAgePublicKey(email, publicKey string) error {
	peer, err := m.Get(email)
	if err != nil {
		return err
	}
	peer.AgePublicKey = publicKey
	return m.save(peer)
}

// Get loads the recorded peer, refreshing its capability cache if expired.
func (m *Manager) Get(email string) (*sync.Peer, error) {
	f, err := os.Open(m.recordPath(email))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &sync.NotFoundError{Kind: "peer", Name: email}
		}
		return nil, fmt.Errorf("opening peer record for %s: %w", email, err)
	}
	defer f.Close()

	peer, err := readRecord(f)
	if err != nil {
		return nil, fmt.Errorf("reading peer record for %s: %w", email, err)
	}

	if m.clock.Now().After(peer.CacheExpiry) {
		m.refreshCapabilities(peer)
		if err := m.save(peer); err != nil {
			return nil, err
		}
	}
	return peer, nil
}

// Peers lists all locally recorded peers.
func (m *Manager) Peers() ([]*sync.Peer, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing peer records: %w", err)
	}

	var peers []*sync.Peer
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		f, err := os.Open(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("opening peer record %s: %w", entry.Name(), err)
		}
		peer, err := readRecord(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading peer record %s: %w", entry.Name(), err)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

// Friends lists peers whose grants are visible in both directions: ours on
// the transport, theirs via SharedWithMe.
func (m *Manager) Friends() ([]string, error) {
	inbound, err := m.inboundTokens()
	if err != nil {
		return nil, err
	}

	peers, err := m.Peers()
	if err != nil {
		return nil, err
	}

	var friends []string
	for _, peer := range peers {
		if !inbound[sync.SanitizeEmail(peer.Email)] {
			continue
		}
		ok, err := m.outboundGranted(peer.Email)
		if err != nil {
			return nil, err
		}
		if ok {
			friends = append(friends, peer.Email)
		}
	}
	return friends, nil
}

// FriendRequests lists principals that granted us an inbox we have not
// reciprocated. Principals we never recorded are reported by their sanitized
// token since the transport does not carry the original email.
func (m *Manager) FriendRequests() ([]string, error) {
	inbound, err := m.inboundTokens()
	if err != nil {
		return nil, err
	}

	peers, err := m.Peers()
	if err != nil {
		return nil, err
	}
	emailByToken := make(map[string]string, len(peers))
	for _, peer := range peers {
		emailByToken[sync.SanitizeEmail(peer.Email)] = peer.Email
	}

	var requests []string
	for token := range inbound {
		email, recorded := emailByToken[token]
		if !recorded {
			requests = append(requests, token)
			continue
		}
		ok, err := m.outboundGranted(email)
		if err != nil {
			return nil, err
		}
		if !ok {
			requests = append(requests, email)
		}
	}
	return requests, nil
}

// Relationship reports the directed state with email.
func (m *Manager) Relationship(email string) (sync.RelationshipState, error) {
	inbound, err := m.inboundTokens()
	if err != nil {
		return sync.RelationshipNone, err
	}
	theirs := inbound[sync.SanitizeEmail(email)]

	ours, err := m.outboundGranted(email)
	if err != nil {
		return sync.RelationshipNone, err
	}

	switch {
	case ours && theirs:
		return sync.RelationshipFriend, nil
	case ours || theirs:
		return sync.RelationshipRequested, nil
	default:
		return sync.RelationshipNone, nil
	}
}

// RemovePeer revokes the transport grant, then deletes the local record. The
// grant goes first so a crash between the steps leaves a recorded peer that
// can no longer receive, never a revoked peer that silently re-sends.
func (m *Manager) RemovePeer(email string) error {
	folders := sync.FoldersFor(m.localEmail, email)
	if err := m.binding.Revoke(folders.OutboxInbox, email); err != nil {
		var nf *sync.NotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("revoking outbox access for %s: %w", email, err)
		}
	}

	if err := os.Remove(m.recordPath(email)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing peer record for %s: %w", email, err)
	}
	m.logger.Info("peer removed", "peer", email)
	return nil
}

// inboundTokens returns the sanitized sender tokens of every outbox_inbox
// folder granted to the local principal.
func (m *Manager) inboundTokens() (map[string]bool, error) {
	shared, err := m.binding.SharedWithMe()
	if err != nil {
		return nil, fmt.Errorf("listing shared folders: %w", err)
	}

	localToken := sync.SanitizeEmail(m.localEmail)
	tokens := map[string]bool{}
	for _, folder := range shared {
		if token, ok := sync.ParseOutboxFolder(folder, localToken); ok {
			tokens[token] = true
		}
	}
	return tokens, nil
}

// outboundGranted reports whether our outbox folder toward email exists on
// the transport.
func (m *Manager) outboundGranted(email string) (bool, error) {
	_, err := m.binding.List(sync.OutboxFolder(m.localEmail, email))
	if err != nil {
		var nf *sync.NotFoundError
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("checking outbox for %s: %w", email, err)
	}
	return true, nil
}

func (m *Manager) refreshCapabilities(peer *sync.Peer) {
	if peer.Capabilities == nil {
		peer.Capabilities = map[string]sync.Capabilities{}
	}
	peer.Capabilities[m.binding.Name()] = m.binding.Capabilities()
	peer.CacheExpiry = m.clock.Now().Add(m.ttl)
}

func (m *Manager) save(peer *sync.Peer) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("creating peers directory: %w", err)
	}

	path := m.recordPath(peer.Email)
	tmp, err := os.CreateTemp(m.dir, ".peer-*")
	if err != nil {
		return fmt.Errorf("creating temp peer record: %w", err)
	}
	err = writeRecord(tmp, peer)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing peer record for %s: %w", peer.Email, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("saving peer record for %s: %w", peer.Email, err)
	}
	return nil
}

func readRecord(r io.Reader) (*sync.Peer, error) {
	var rec peerRecord
	if _, err := toml.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode peer record: %w", err)
	}

	peer := &sync.Peer{
		Email:        rec.Email,
		Platform:     rec.Platform,
		AddedAt:      rec.AddedAt,
		AgePublicKey: rec.AgePublicKey,
		CacheExpiry:  rec.CacheExpiry,
	}
	if len(rec.Capabilities) > 0 {
		peer.Capabilities = make(map[string]sync.Capabilities, len(rec.Capabilities))
		for name, c := range rec.Capabilities {
			peer.Capabilities[name] = sync.Capabilities{
				MaxBlobSize:      c.MaxBlobSize,
				SupportsDeletion: c.SupportsDeletion,
				SupportsSharing:  c.SupportsSharing,
			}
		}
	}
	return peer, nil
}

func writeRecord(w io.Writer, peer *sync.Peer) error {
	rec := peerRecord{
		Email:        peer.Email,
		Platform:     peer.Platform,
		AddedAt:      peer.AddedAt,
		AgePublicKey: peer.AgePublicKey,
		CacheExpiry:  peer.CacheExpiry,
	}
	if len(peer.Capabilities) > 0 {
		rec.Capabilities = make(map[string]capabilityRecord, len(peer.Capabilities))
		for name, c := range peer.Capabilities {
			rec.Capabilities[name] = capabilityRecord{
				MaxBlobSize:      c.MaxBlobSize,
				SupportsDeletion: c.SupportsDeletion,
				SupportsSharing:  c.SupportsSharing,
			}
		}
	}
	if err := toml.NewEncoder(w).Encode(rec); err != nil {
		return fmt.Errorf("failed to encode peer record: %w", err)
	}
	return nil
}

// Compile-time check that Manager implements sync.PeerManager
var _ sync.PeerManager = (*Manager)(nil)
