// Package dispatch is the realtime event-handling core. Every inbound frame
// runs the same pipeline: decode, validate, authorize against current
// registry/room state, persist through the store, then fan out to a target
// set recomputed from the state that exists after the persist call. Errors
// go back to the originating connection only.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Mak2503/chat-app/internal/group"
	"github.com/Mak2503/chat-app/internal/store"
	"github.com/Mak2503/chat-app/pkg/protocol"
	"github.com/Mak2503/chat-app/pkg/state"
)

type Dispatcher struct {
	logger      *slog.Logger
	registry    state.Registry
	index       state.RoomIndex
	coordinator *group.Coordinator
	identities  store.IdentityStore
	messages    store.MessageStore
}

func NewDispatcher(
	logger *slog.Logger,
	registry state.Registry,
	index state.RoomIndex,
	coordinator *group.Coordinator,
	identities store.IdentityStore,
	messages store.MessageStore,
) *Dispatcher {
	return &Dispatcher{
		logger:      logger.With(slog.String("component", "dispatcher")),
		registry:    registry,
		index:       index,
		coordinator: coordinator,
		identities:  identities,
		messages:    messages,
	}
}

// HandleConnect admits an authenticated connection: bind it in the
// registry, mirror the identity's persisted group memberships into the room
// index, then announce presence globally. Peers may still observe a message
// from this identity before the online event; presence ordering is
// best-effort.
func (d *Dispatcher) HandleConnect(ctx context.Context, identityID string, conn state.Transport, ipAddr string) (*state.Connection, error) {
	entry, err := d.registry.Bind(identityID, conn, ipAddr)
	if err != nil {
		return nil, err
	}

	groupIDs, err := d.coordinator.MirrorMemberships(ctx, identityID)
	if err != nil {
		// Presence still works without room subscriptions; the connection
		// stays admitted and group sends will fail authorization until the
		// next successful mirror.
		d.logger.Warn("membership mirror failed at admission",
			slog.String("identityID", identityID), slog.Any("error", err))
	} else {
		d.logger.Debug("subscribed connection to rooms",
			slog.String("identityID", identityID), slog.Int("rooms", len(groupIDs)))
	}

	d.broadcastStatus(identityID, protocol.StatusOnline)
	return entry, nil
}

// HandleDisconnect unbinds a closed connection. When it was the identity's
// last connection, exactly one offline event is broadcast globally.
func (d *Dispatcher) HandleDisconnect(connID uuid.UUID) {
	identityID, wentOffline := d.registry.Unbind(connID)
	if wentOffline {
		d.broadcastStatus(identityID, protocol.StatusOffline)
	}
}

// HandleMessage is the transport message handler for every admitted
// connection. The sender identity comes from the registry binding; events
// are never re-authenticated.
func (d *Dispatcher) HandleMessage(ctx context.Context, connID uuid.UUID, raw []byte) {
	entry, ok := d.registry.Connection(connID)
	if !ok {
		// Connection raced its own close; nothing to reply to.
		d.logger.Debug("frame from unregistered connection", slog.String("connID", connID.String()))
		return
	}
	sender := entry.Identity.ID

	ev, perr := protocol.ParseInbound(raw)
	if perr != nil {
		d.sendError(entry.Transport, perr)
		return
	}

	var err error
	switch ev := ev.(type) {
	case protocol.DirectMessage:
		err = d.handleDirectMessage(ctx, sender, ev)
	case protocol.GroupMessage:
		err = d.handleGroupMessage(ctx, sender, ev)
	case protocol.JoinGroup:
		err = d.handleJoinGroup(ctx, sender, ev)
	case protocol.LeaveGroup:
		err = d.handleLeaveGroup(ctx, sender, ev)
	case protocol.Typing:
		err = d.handleTyping(sender, ev)
	default:
		err = protocol.NewError(protocol.CodeValidation, "unhandled event type %T", ev)
	}
	if err != nil {
		d.sendError(entry.Transport, protocol.AsError(err))
	}
}

func (d *Dispatcher) handleDirectMessage(ctx context.Context, sender string, ev protocol.DirectMessage) error {
	if _, err := d.identities.FindByID(ctx, ev.RecipientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.NewError(protocol.CodeNotFound, "recipient '%s' not found", ev.RecipientID)
		}
		return protocol.NewError(protocol.CodePersistence, "recipient lookup failed: %v", err)
	}

	msg := &store.Message{
		ID:          uuid.NewString(),
		SenderID:    sender,
		RecipientID: ev.RecipientID,
		Content:     ev.Content,
	}
	if err := d.messages.Create(ctx, msg); err != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to persist message: %v", err)
	}

	frame, err := protocol.Marshal(protocol.EventDirectMessage, protocol.MessageEvent{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
	})
	if err != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to encode message event: %v", err)
	}

	// Recipient's connections plus the sender's own (the echo is the ack;
	// it also syncs the sender's other devices). An offline recipient is
	// not an error: the message is durable and retrievable via history.
	targets := append(d.registry.ConnectionsFor(ev.RecipientID), d.registry.ConnectionsFor(sender)...)
	d.fanout(targets, frame)
	return nil
}

func (d *Dispatcher) handleGroupMessage(ctx context.Context, sender string, ev protocol.GroupMessage) error {
	if !d.index.IsMember(ev.GroupID, sender) {
		return protocol.NewError(protocol.CodeAuthorization, "not a member of group '%s'", ev.GroupID)
	}

	msg := &store.Message{
		ID:       uuid.NewString(),
		SenderID: sender,
		GroupID:  ev.GroupID,
		Content:  ev.Content,
	}
	if err := d.messages.Create(ctx, msg); err != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to persist message: %v", err)
	}

	frame, err := protocol.Marshal(protocol.EventGroupMessage, protocol.MessageEvent{
		ID:        msg.ID,
		SenderID:  msg.SenderID,
		GroupID:   msg.GroupID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to encode message event: %v", err)
	}

	// Fan-out targets are recomputed here, after the persist call;
	// membership may have changed in between and the later state wins.
	d.fanout(d.index.RoomFanout(ev.GroupID), frame)
	return nil
}

func (d *Dispatcher) handleJoinGroup(ctx context.Context, sender string, ev protocol.JoinGroup) error {
	g, err := d.coordinator.Join(ctx, sender, ev.GroupID)
	if err != nil {
		return err
	}

	frame, merr := protocol.Marshal(protocol.EventMemberJoined, protocol.MembershipEvent{
		GroupID:     g.ID,
		UserID:      sender,
		MemberCount: len(g.MemberIDs),
	})
	if merr != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to encode membership event: %v", merr)
	}
	d.fanout(d.index.RoomFanout(g.ID), frame)
	return nil
}

func (d *Dispatcher) handleLeaveGroup(ctx context.Context, sender string, ev protocol.LeaveGroup) error {
	g, deleted, err := d.coordinator.Leave(ctx, sender, ev.GroupID)
	if err != nil {
		return err
	}

	frame, merr := protocol.Marshal(protocol.EventMemberLeft, protocol.MembershipEvent{
		GroupID:     g.ID,
		UserID:      sender,
		MemberCount: len(g.MemberIDs),
	})
	if merr != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to encode membership event: %v", merr)
	}
	d.fanout(d.index.RoomFanout(ev.GroupID), frame)

	if deleted {
		d.broadcastGroupDeleted(ev.GroupID)
	}
	return nil
}

func (d *Dispatcher) handleTyping(sender string, ev protocol.Typing) error {
	payload := protocol.TypingEvent{
		SenderID:    sender,
		RecipientID: ev.RecipientID,
		GroupID:     ev.GroupID,
		Typing:      ev.Typing,
	}
	frame, err := protocol.Marshal(protocol.EventTyping, payload)
	if err != nil {
		return protocol.NewError(protocol.CodePersistence, "failed to encode typing event: %v", err)
	}

	if ev.GroupID != "" {
		if !d.index.IsMember(ev.GroupID, sender) {
			return protocol.NewError(protocol.CodeAuthorization, "not a member of group '%s'", ev.GroupID)
		}
		// Room broadcast minus all of the sender's own connections.
		exclude := make(map[uuid.UUID]struct{})
		for _, c := range d.registry.ConnectionsFor(sender) {
			exclude[c.ID()] = struct{}{}
		}
		for _, t := range d.index.RoomFanout(ev.GroupID) {
			if _, own := exclude[t.ID()]; own {
				continue
			}
			t.Send(frame)
		}
		return nil
	}

	// Direct typing: deliver to the recipient only; an offline recipient
	// means an empty target set, not an error.
	d.fanout(d.registry.ConnectionsFor(ev.RecipientID), frame)
	return nil
}

// fanout delivers one frame to a precomputed target set, deduplicating by
// connection id (direct-message targets overlap when sender == recipient).
func (d *Dispatcher) fanout(targets []state.Transport, frame []byte) {
	seen := make(map[uuid.UUID]struct{}, len(targets))
	for _, t := range targets {
		if _, dup := seen[t.ID()]; dup {
			continue
		}
		seen[t.ID()] = struct{}{}
		t.Send(frame)
	}
}

func (d *Dispatcher) broadcastStatus(identityID, status string) {
	frame, err := protocol.Marshal(protocol.EventUserStatus, protocol.UserStatusEvent{
		UserID: identityID,
		Status: status,
	})
	if err != nil {
		d.logger.Error("failed to encode user_status event", slog.Any("error", err))
		return
	}
	d.fanout(d.registry.AllConnections(), frame)
}

func (d *Dispatcher) broadcastGroupDeleted(groupID string) {
	frame, err := protocol.Marshal(protocol.EventGroupDeleted, protocol.GroupDeletedEvent{GroupID: groupID})
	if err != nil {
		d.logger.Error("failed to encode group_deleted event", slog.Any("error", err))
		return
	}
	d.fanout(d.registry.AllConnections(), frame)
}

func (d *Dispatcher) sendError(t state.Transport, perr *protocol.Error) {
	d.logger.Debug("event rejected",
		slog.String("code", string(perr.Code)),
		slog.String("message", perr.Message),
	)
	t.Send(protocol.MarshalError(perr))
}
