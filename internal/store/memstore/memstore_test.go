package memstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mak2503/chat-app/internal/store"
	"github.com/Mak2503/chat-app/internal/store/memstore"
)

func TestIdentityLookup(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	_, err := s.Identities().FindByID(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	s.PutIdentity(&store.Identity{ID: "alice", Username: "alice"})
	identity, err := s.Identities().FindByID(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.ID)
	assert.False(t, identity.CreatedAt.IsZero())
}

func TestGroupLifecycle(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	g := &store.Group{Name: "general", CreatorID: "bob", MemberIDs: []string{"bob"}}
	require.NoError(t, s.Groups().Create(ctx, g))
	require.NotEmpty(t, g.ID)

	loaded, err := s.Groups().FindByID(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, loaded.MemberIDs)
	assert.True(t, loaded.IsMember("bob"))

	updated, err := s.Groups().AddMember(ctx, g.ID, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "alice"}, updated.MemberIDs)

	// Adding an existing member does not duplicate it.
	updated, err = s.Groups().AddMember(ctx, g.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, updated.MemberIDs, 2)

	updated, err = s.Groups().RemoveMember(ctx, g.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, updated.MemberIDs)

	require.NoError(t, s.Groups().Delete(ctx, g.ID))
	_, err = s.Groups().FindByID(ctx, g.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Groups().Delete(ctx, g.ID), store.ErrNotFound)
}

func TestGroupsFor(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Groups().Create(ctx, &store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob", "alice"}}))
	require.NoError(t, s.Groups().Create(ctx, &store.Group{ID: "g2", CreatorID: "carol", MemberIDs: []string{"carol"}}))
	require.NoError(t, s.Groups().Create(ctx, &store.Group{ID: "g3", CreatorID: "alice", MemberIDs: []string{"alice"}}))

	ids, err := s.Identities().GroupsFor(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"g1", "g3"}, ids)

	ids, err = s.Identities().GroupsFor(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestMessageAppend(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	m := &store.Message{SenderID: "alice", RecipientID: "bob", Content: "hi"}
	require.NoError(t, s.Messages().Create(ctx, m))
	require.NotEmpty(t, m.ID)
	require.False(t, m.CreatedAt.IsZero())

	all := s.AllMessages()
	require.Len(t, all, 1)
	assert.Equal(t, "hi", all[0].Content)
	assert.False(t, all[0].Read)
}

func TestReturnedGroupIsACopy(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()

	require.NoError(t, s.Groups().Create(ctx, &store.Group{ID: "g1", CreatorID: "bob", MemberIDs: []string{"bob"}}))
	g, err := s.Groups().FindByID(ctx, "g1")
	require.NoError(t, err)
	g.MemberIDs[0] = "mallory"

	fresh, err := s.Groups().FindByID(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, fresh.MemberIDs)
}
