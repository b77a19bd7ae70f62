package sync

import "time"

// RelationshipState of a directed peer relationship as re-derived from
// transport-visible grants.
type RelationshipState string

const (
	// RelationshipNone means no grant exists in either direction.
	RelationshipNone RelationshipState = "none"
	// RelationshipRequested means the local principal granted access but the
	// peer has not reciprocated.
	RelationshipRequested RelationshipState = "requested"
	// RelationshipFriend means both directions of the grant are visible.
	RelationshipFriend RelationshipState = "friend"
)

// Peer is a principal with whom a sync channel exists or is being
// established. The record is persisted locally; relationship state is not.
// It is re-derived from the transport, since a local record can drift from
// remote reality.
type Peer struct {
	Email        string
	Platform     string
	AddedAt      time.Time
	AgePublicKey string // optional, enables at-rest archive encryption

	// Capabilities discovered per transport, cached until CacheExpiry.
	Capabilities map[string]Capabilities
	CacheExpiry  time.Time
}

// PeerManager owns the set of known peers and their lifecycle.
type PeerManager interface {
	// AddFriend creates or loads the peer record and establishes the
	// local-to-peer transport grant. Re-adding an existing friend is a no-op
	// success.
	AddFriend(email string) (*Peer, error)

	// Friends lists peers where both directions of the grant are
	// independently verifiable on the transport.
	Friends() ([]string, error)

	// FriendRequests lists principals that granted the local principal
	// access without reciprocation yet.
	FriendRequests() ([]string, error)

	// Peers lists all locally recorded peers regardless of state.
	Peers() ([]*Peer, error)

	// Get returns the recorded peer, or a *NotFoundError.
	Get(email string) (*Peer, error)

	// Relationship reports the directed relationship state with email.
	Relationship(email string) (RelationshipState, error)

	// RemovePeer revokes transport grants, then deletes the local record.
	// A crash between the steps leaves a recorded peer that can no longer
	// receive, never a revoked peer that silently re-sends.
	RemovePeer(email string) error
}
