// Package statemanager holds the process-wide coordination state: the
// connection registry and the room membership index, behind one lock.
package statemanager

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mak2503/chat-app/pkg/state"
	"github.com/google/uuid"
)

// InMemoryManager implements state.Registry and state.RoomIndex over plain
// maps. A single RWMutex guards all three maps; registry and index
// mutations touch both sides (an unbind can empty rooms), so one lock keeps
// them atomic without ordering hazards. Callers must not invoke store or
// network operations while holding results that depend on re-reading state.
type InMemoryManager struct {
	mu         sync.RWMutex
	conns      map[uuid.UUID]*state.Connection
	identities map[string]*state.Identity
	rooms      map[string]*state.Room

	logger *slog.Logger
}

func NewInMemoryManager(logger *slog.Logger) *InMemoryManager {
	return &InMemoryManager{
		conns:      make(map[uuid.UUID]*state.Connection),
		identities: make(map[string]*state.Identity),
		rooms:      make(map[string]*state.Room),
		logger:     logger.With(slog.String("component", "state_manager")),
	}
}

// compile-time checks
var (
	_ state.Registry  = (*InMemoryManager)(nil)
	_ state.RoomIndex = (*InMemoryManager)(nil)
)

// --- Registry ---

func (m *InMemoryManager) Bind(identityID string, conn state.Transport, ipAddr string) (*state.Connection, error) {
	if identityID == "" {
		return nil, errors.New("cannot bind connection to empty identity")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if existing, ok := m.conns[connID]; ok {
		// Idempotent per connection handle.
		return existing, nil
	}

	identity, ok := m.identities[identityID]
	if !ok {
		identity = &state.Identity{
			ID:          identityID,
			Connections: make(map[uuid.UUID]*state.Connection),
			Rooms:       make(map[string]*state.Room),
		}
		m.identities[identityID] = identity
		m.logger.Debug("identity online", slog.String("identityID", identityID))
	}

	entry := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: conn,
		Identity:  identity,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = entry
	identity.Connections[connID] = entry

	m.logger.Debug("connection bound",
		slog.String("connID", connID.String()),
		slog.String("identityID", identityID),
	)
	return entry, nil
}

func (m *InMemoryManager) Unbind(connID uuid.UUID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.conns[connID]
	if !ok {
		return "", false
	}
	delete(m.conns, connID)

	identity := entry.Identity
	delete(identity.Connections, connID)
	if len(identity.Connections) > 0 {
		return identity.ID, false
	}

	// Last connection gone: the identity leaves the registry and its room
	// subscriptions, atomically with this unbind.
	delete(m.identities, identity.ID)
	for roomID, room := range identity.Rooms {
		delete(room.Members, identity.ID)
		if len(room.Members) == 0 {
			delete(m.rooms, roomID)
		}
	}
	m.logger.Debug("identity offline", slog.String("identityID", identity.ID))
	return identity.ID, true
}

func (m *InMemoryManager) IsOnline(identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.identities[identityID]
	return ok
}

func (m *InMemoryManager) ConnectionsFor(identityID string) []state.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[identityID]
	if !ok {
		return nil
	}
	conns := make([]state.Transport, 0, len(identity.Connections))
	for _, c := range identity.Connections {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemoryManager) AllConnections() []state.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]state.Transport, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c.Transport)
	}
	return conns
}

func (m *InMemoryManager) ConnectionCount(identityID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[identityID]
	if !ok {
		return 0
	}
	return len(identity.Connections)
}

func (m *InMemoryManager) OldestConnection(identityID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[identityID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, c := range identity.Connections {
		if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

func (m *InMemoryManager) Connection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// --- RoomIndex ---

func (m *InMemoryManager) IsMember(roomID, identityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = room.Members[identityID]
	return ok
}

func (m *InMemoryManager) AddMember(roomID, identityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[identityID]
	if !ok {
		// Offline identities have no connections to subscribe; membership
		// is mirrored again at their next admission.
		return
	}

	room, ok := m.rooms[roomID]
	if !ok {
		room = &state.Room{
			ID:      roomID,
			Members: make(map[string]*state.Identity),
		}
		m.rooms[roomID] = room
	}

	room.Members[identityID] = identity
	identity.Rooms[roomID] = room
	m.logger.Debug("subscribed to room", slog.String("identityID", identityID), slog.String("roomID", roomID))
}

func (m *InMemoryManager) RemoveMember(roomID, identityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(room.Members, identityID)
	if identity, ok := m.identities[identityID]; ok {
		delete(identity.Rooms, roomID)
	}
	if len(room.Members) == 0 {
		delete(m.rooms, roomID)
	}
	m.logger.Debug("unsubscribed from room", slog.String("identityID", identityID), slog.String("roomID", roomID))
}

func (m *InMemoryManager) MemberCount(roomID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return 0
	}
	return len(room.Members)
}

func (m *InMemoryManager) RoomFanout(roomID string) []state.Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	var targets []state.Transport
	for _, member := range room.Members {
		for _, c := range member.Connections {
			targets = append(targets, c.Transport)
		}
	}
	return targets
}
