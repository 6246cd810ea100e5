package state

import "github.com/google/uuid"

// Registry is the single source of truth for which identities are online.
// Implementations must serialize mutations; readers may run concurrently.
type Registry interface {
	// Bind registers a connection under an identity. It is idempotent per
	// connection handle and supports any number of simultaneous connections
	// per identity.
	Bind(identityID string, conn Transport, ipAddr string) (*Connection, error)

	// Unbind removes the connection. wentOffline reports that this was the
	// identity's last connection; the identity entry is removed atomically
	// with it, along with its room subscriptions.
	Unbind(connID uuid.UUID) (identityID string, wentOffline bool)

	IsOnline(identityID string) bool

	// ConnectionsFor returns the live connections of an identity, empty if
	// offline.
	ConnectionsFor(identityID string) []Transport

	// AllConnections returns every live connection. Used for global
	// broadcasts and shutdown.
	AllConnections() []Transport

	ConnectionCount(identityID string) int

	// OldestConnection supports the cycle connection-limit mode.
	OldestConnection(identityID string) (*Connection, bool)

	// Connection resolves a live connection by handle.
	Connection(connID uuid.UUID) (*Connection, bool)
}

// RoomIndex mirrors persisted group membership for dispatch-time
// authorization and fan-out. The group lifecycle coordinator is the only
// writer; everything else reads.
type RoomIndex interface {
	IsMember(roomID, identityID string) bool

	// AddMember subscribes the identity (and thereby all of its live
	// connections) to the room. No-op if already subscribed or offline.
	AddMember(roomID, identityID string)

	// RemoveMember unsubscribes the identity from the room. Empty rooms are
	// dropped from the index.
	RemoveMember(roomID, identityID string)

	// MemberCount counts the online members of a room.
	MemberCount(roomID string) int

	// RoomFanout returns the broadcast target set for a room: every live
	// connection of every current member, recomputed from current state on
	// each call.
	RoomFanout(roomID string) []Transport
}
