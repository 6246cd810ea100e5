// Package store defines the persistence boundary the realtime core calls
// into. The REST side of the system owns these records; the core only reads
// identities, appends messages, and mutates group membership.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("record not found")

// Identity is a stored user with credential fields excluded.
type Identity struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Group is a stored chat group. MemberIDs always contains CreatorID while
// the creator remains a member.
type Group struct {
	ID          string
	Name        string
	Description string
	CreatorID   string
	MemberIDs   []string
	CreatedAt   time.Time
}

// Message is an append-only chat record. Exactly one of RecipientID and
// GroupID is set.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	GroupID     string
	Content     string
	Read        bool
	CreatedAt   time.Time
}

// IsMember reports whether id is in the group's member list.
func (g *Group) IsMember(id string) bool {
	for _, m := range g.MemberIDs {
		if m == id {
			return true
		}
	}
	return false
}

type IdentityStore interface {
	// FindByID resolves an identity, ErrNotFound if absent.
	FindByID(ctx context.Context, id string) (*Identity, error)

	// GroupsFor returns the ids of every group the identity belongs to.
	GroupsFor(ctx context.Context, identityID string) ([]string, error)
}

type GroupStore interface {
	FindByID(ctx context.Context, id string) (*Group, error)
	Create(ctx context.Context, g *Group) error

	// AddMember and RemoveMember return the updated record.
	AddMember(ctx context.Context, groupID, identityID string) (*Group, error)
	RemoveMember(ctx context.Context, groupID, identityID string) (*Group, error)

	Delete(ctx context.Context, id string) error
}

type MessageStore interface {
	Create(ctx context.Context, m *Message) error
}
