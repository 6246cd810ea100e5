// Package group owns membership mutation. The coordinator is the only
// writer of the room index; every mutation converges the index before
// returning, so the next event from any connection observes the new state.
package group

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Mak2503/chat-app/internal/store"
	"github.com/Mak2503/chat-app/pkg/protocol"
	"github.com/Mak2503/chat-app/pkg/state"
)

type Coordinator struct {
	logger     *slog.Logger
	identities store.IdentityStore
	groups     store.GroupStore
	index      state.RoomIndex

	// Per-group locks serialize check-then-mutate sequences so two racing
	// joins for the same group cannot both pass the membership check. The
	// lock is per group id; unrelated groups proceed concurrently.
	keysMu sync.Mutex
	keys   map[string]*sync.Mutex
}

func NewCoordinator(logger *slog.Logger, identities store.IdentityStore, groups store.GroupStore, index state.RoomIndex) *Coordinator {
	return &Coordinator{
		logger:     logger.With(slog.String("component", "group_coordinator")),
		identities: identities,
		groups:     groups,
		index:      index,
		keys:       make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) lockGroup(groupID string) func() {
	c.keysMu.Lock()
	mu, ok := c.keys[groupID]
	if !ok {
		mu = &sync.Mutex{}
		c.keys[groupID] = mu
	}
	c.keysMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// forgetGroup drops the lock entry for a deleted group so the map does not
// grow without bound over the process lifetime. Group ids are uuids and are
// never reused, so a late waiter racing the delete only serializes a lookup
// that will report not-found.
func (c *Coordinator) forgetGroup(groupID string) {
	c.keysMu.Lock()
	delete(c.keys, groupID)
	c.keysMu.Unlock()
}

// Join adds the identity to the group and subscribes its live connections.
// Joining a group you already belong to is a state conflict, not a silent
// success.
func (c *Coordinator) Join(ctx context.Context, identityID, groupID string) (*store.Group, error) {
	unlock := c.lockGroup(groupID)
	defer unlock()

	g, err := c.groups.FindByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, protocol.NewError(protocol.CodeNotFound, "group '%s' not found", groupID)
		}
		return nil, protocol.NewError(protocol.CodePersistence, "group lookup failed: %v", err)
	}
	if g.IsMember(identityID) {
		return nil, protocol.NewError(protocol.CodeStateConflict, "already a member of group '%s'", groupID)
	}

	g, err = c.groups.AddMember(ctx, groupID, identityID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodePersistence, "failed to persist membership: %v", err)
	}

	c.index.AddMember(groupID, identityID)
	c.logger.Info("identity joined group", slog.String("identityID", identityID), slog.String("groupID", groupID))
	return g, nil
}

// Leave removes the identity from the group. The creator may not leave
// while other members remain; when the last member leaves, the group record
// is deleted and deleted=true is reported so the caller can broadcast it.
func (c *Coordinator) Leave(ctx context.Context, identityID, groupID string) (g *store.Group, deleted bool, err error) {
	unlock := c.lockGroup(groupID)
	defer unlock()

	g, err = c.groups.FindByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, protocol.NewError(protocol.CodeNotFound, "group '%s' not found", groupID)
		}
		return nil, false, protocol.NewError(protocol.CodePersistence, "group lookup failed: %v", err)
	}
	if !g.IsMember(identityID) {
		return nil, false, protocol.NewError(protocol.CodeAuthorization, "not a member of group '%s'", groupID)
	}
	if g.CreatorID == identityID && len(g.MemberIDs) > 1 {
		return nil, false, protocol.NewError(protocol.CodeStateConflict,
			"creator cannot leave group '%s' while other members remain", groupID)
	}

	g, err = c.groups.RemoveMember(ctx, groupID, identityID)
	if err != nil {
		return nil, false, protocol.NewError(protocol.CodePersistence, "failed to persist membership removal: %v", err)
	}

	c.index.RemoveMember(groupID, identityID)

	if len(g.MemberIDs) == 0 {
		if derr := c.groups.Delete(ctx, groupID); derr != nil && !errors.Is(derr, store.ErrNotFound) {
			return nil, false, protocol.NewError(protocol.CodePersistence, "failed to delete empty group: %v", derr)
		}
		deleted = true
		c.forgetGroup(groupID)
		c.logger.Info("deleted empty group", slog.String("groupID", groupID))
	}

	c.logger.Info("identity left group", slog.String("identityID", identityID), slog.String("groupID", groupID))
	return g, deleted, nil
}

// MirrorMemberships seeds the room index with the identity's persisted
// group memberships. Called at connection admission, after the identity is
// bound in the registry.
func (c *Coordinator) MirrorMemberships(ctx context.Context, identityID string) ([]string, error) {
	groupIDs, err := c.identities.GroupsFor(ctx, identityID)
	if err != nil {
		return nil, protocol.NewError(protocol.CodePersistence, "membership query failed: %v", err)
	}
	for _, id := range groupIDs {
		c.index.AddMember(id, identityID)
	}
	return groupIDs, nil
}
