// Package protocol defines the websocket wire format: the event envelope,
// the closed set of inbound event variants, outbound event payloads, and the
// error taxonomy returned to senders.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the outer frame of every inbound and outbound event.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound event names.
const (
	EventDirectMessage = "direct_message"
	EventGroupMessage  = "group_message"
	EventJoinGroup     = "join_group"
	EventLeaveGroup    = "leave_group"
	EventMemberJoined  = "member_joined"
	EventMemberLeft    = "member_left"
	EventTyping        = "typing"
	EventUserStatus    = "user_status"
	EventGroupDeleted  = "group_deleted"
)

// Presence states carried by user_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MessageEvent is the payload of direct_message and group_message fan-out.
// Exactly one of RecipientID and GroupID is set.
type MessageEvent struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	GroupID     string    `json:"group_id,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// MembershipEvent is the payload of member_joined and member_left.
type MembershipEvent struct {
	GroupID     string `json:"group_id"`
	UserID      string `json:"user_id"`
	MemberCount int    `json:"member_count"`
}

// TypingEvent is the payload of typing fan-out. Exactly one of RecipientID
// and GroupID is set.
type TypingEvent struct {
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id,omitempty"`
	GroupID     string `json:"group_id,omitempty"`
	Typing      bool   `json:"typing"`
}

// UserStatusEvent is broadcast globally on presence transitions.
type UserStatusEvent struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// GroupDeletedEvent is broadcast globally when a group ceases to exist.
type GroupDeletedEvent struct {
	GroupID string `json:"groupId"`
}

// Marshal renders an outbound event frame.
func Marshal(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
