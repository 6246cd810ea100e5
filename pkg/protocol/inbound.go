package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Inbound is the closed union of client-originated events. The dispatcher
// matches on the concrete type; adding a variant means extending ParseInbound
// and the dispatcher switch together.
type Inbound interface {
	inbound()
}

type DirectMessage struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
}

type GroupMessage struct {
	GroupID string `json:"group_id"`
	Content string `json:"content"`
}

type JoinGroup struct {
	GroupID string `json:"group_id"`
}

type LeaveGroup struct {
	GroupID string `json:"group_id"`
}

// Typing carries exactly one of RecipientID (direct) or GroupID (room).
type Typing struct {
	RecipientID string `json:"recipient_id"`
	GroupID     string `json:"group_id"`
	Typing      bool   `json:"typing"`
}

func (DirectMessage) inbound() {}
func (GroupMessage) inbound()  {}
func (JoinGroup) inbound()     {}
func (LeaveGroup) inbound()    {}
func (Typing) inbound()        {}

// ParseInbound decodes a raw frame into its typed variant, checking required
// fields on the raw payload first so the error names the missing field.
func ParseInbound(raw []byte) (Inbound, *Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewError(CodeValidation, "malformed frame: %v", err)
	}
	if env.Event == "" {
		return nil, NewError(CodeValidation, "missing required field 'event'")
	}

	payload := []byte(env.Payload)
	switch env.Event {
	case EventDirectMessage:
		if perr := requireFields(payload, "recipient_id", "content"); perr != nil {
			return nil, perr
		}
		var ev DirectMessage
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, NewError(CodeValidation, "malformed %s payload: %v", env.Event, err)
		}
		return ev, nil

	case EventGroupMessage:
		if perr := requireFields(payload, "group_id", "content"); perr != nil {
			return nil, perr
		}
		var ev GroupMessage
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, NewError(CodeValidation, "malformed %s payload: %v", env.Event, err)
		}
		return ev, nil

	case EventJoinGroup:
		if perr := requireFields(payload, "group_id"); perr != nil {
			return nil, perr
		}
		var ev JoinGroup
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, NewError(CodeValidation, "malformed %s payload: %v", env.Event, err)
		}
		return ev, nil

	case EventLeaveGroup:
		if perr := requireFields(payload, "group_id"); perr != nil {
			return nil, perr
		}
		var ev LeaveGroup
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, NewError(CodeValidation, "malformed %s payload: %v", env.Event, err)
		}
		return ev, nil

	case EventTyping:
		if perr := requireFields(payload, "typing"); perr != nil {
			return nil, perr
		}
		hasRecipient := gjson.GetBytes(payload, "recipient_id").Exists()
		hasGroup := gjson.GetBytes(payload, "group_id").Exists()
		if hasRecipient == hasGroup {
			return nil, NewError(CodeValidation, "typing requires exactly one of 'recipient_id' or 'group_id'")
		}
		var ev Typing
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, NewError(CodeValidation, "malformed %s payload: %v", env.Event, err)
		}
		return ev, nil

	default:
		return nil, NewError(CodeValidation, "unknown event '%s'", env.Event)
	}
}

// requireFields checks that each named field is present and non-empty on the
// raw payload. Presence is checked with gjson so boolean false and zero pass.
func requireFields(payload []byte, fields ...string) *Error {
	for _, f := range fields {
		v := gjson.GetBytes(payload, f)
		if !v.Exists() {
			return NewError(CodeValidation, "missing required field '%s'", f)
		}
		if v.Type == gjson.String && v.Str == "" {
			return NewError(CodeValidation, "required field '%s' is empty", f)
		}
	}
	return nil
}
