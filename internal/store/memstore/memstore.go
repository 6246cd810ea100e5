// Package memstore backs the store interfaces with in-process maps. It is
// the default store of the binary and the fixture store of the tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/Mak2503/chat-app/internal/store"
	"github.com/google/uuid"
)

// Store is the shared backing state. The per-aggregate views returned by
// Identities, Groups and Messages implement the store interfaces.
type Store struct {
	mu         sync.RWMutex
	identities map[string]*store.Identity
	groups     map[string]*store.Group
	messages   map[string]*store.Message
}

func New() *Store {
	return &Store{
		identities: make(map[string]*store.Identity),
		groups:     make(map[string]*store.Group),
		messages:   make(map[string]*store.Message),
	}
}

func (s *Store) Identities() store.IdentityStore { return identityView{s} }
func (s *Store) Groups() store.GroupStore        { return groupView{s} }
func (s *Store) Messages() store.MessageStore    { return messageView{s} }

// PutIdentity seeds an identity record. The realtime core never creates
// identities; registration lives on the REST side.
func (s *Store) PutIdentity(identity *store.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now()
	}
	cp := *identity
	s.identities[identity.ID] = &cp
}

// AllMessages returns a snapshot of stored messages, for tests.
func (s *Store) AllMessages() []*store.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*store.Message, 0, len(s.messages))
	for _, m := range s.messages {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// --- identity view ---

type identityView struct{ s *Store }

var _ store.IdentityStore = identityView{}

func (v identityView) FindByID(ctx context.Context, id string) (*store.Identity, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	identity, ok := v.s.identities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *identity
	return &cp, nil
}

func (v identityView) GroupsFor(ctx context.Context, identityID string) ([]string, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	var ids []string
	for _, g := range v.s.groups {
		if g.IsMember(identityID) {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}

// --- group view ---

type groupView struct{ s *Store }

var _ store.GroupStore = groupView{}

func (v groupView) FindByID(ctx context.Context, id string) (*store.Group, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	g, ok := v.s.groups[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyGroup(g), nil
}

func (v groupView) Create(ctx context.Context, g *store.Group) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	v.s.groups[g.ID] = copyGroup(g)
	return nil
}

func (v groupView) AddMember(ctx context.Context, groupID, identityID string) (*store.Group, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	g, ok := v.s.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !g.IsMember(identityID) {
		g.MemberIDs = append(g.MemberIDs, identityID)
	}
	return copyGroup(g), nil
}

func (v groupView) RemoveMember(ctx context.Context, groupID, identityID string) (*store.Group, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	g, ok := v.s.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	members := make([]string, 0, len(g.MemberIDs))
	for _, m := range g.MemberIDs {
		if m != identityID {
			members = append(members, m)
		}
	}
	g.MemberIDs = members
	return copyGroup(g), nil
}

func (v groupView) Delete(ctx context.Context, id string) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	if _, ok := v.s.groups[id]; !ok {
		return store.ErrNotFound
	}
	delete(v.s.groups, id)
	return nil
}

// --- message view ---

type messageView struct{ s *Store }

var _ store.MessageStore = messageView{}

func (v messageView) Create(ctx context.Context, m *store.Message) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	cp := *m
	v.s.messages[m.ID] = &cp
	return nil
}

func copyGroup(g *store.Group) *store.Group {
	cp := *g
	cp.MemberIDs = append([]string(nil), g.MemberIDs...)
	return &cp
}
