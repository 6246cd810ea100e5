package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the send side of one live connection. *transport.Connection
// satisfies it; tests substitute a recorder.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
	Close(err error)
}

// Connection is the registry's view of a single live session.
type Connection struct {
	ID        uuid.UUID
	IPAddress string
	Transport Transport
	Identity  *Identity // owning identity, set at bind
	CreatedAt time.Time
}

// Identity aggregates the live connections of one authenticated user. An
// Identity exists in the registry iff it has at least one live connection.
type Identity struct {
	ID          string
	Connections map[uuid.UUID]*Connection
	Rooms       map[string]*Room // rooms this identity is subscribed to, keyed by room ID
}

// Room is the live broadcast scope for a persisted group. Members holds the
// online members only; offline members have no connections to fan out to.
type Room struct {
	ID      string
	Members map[string]*Identity
}
