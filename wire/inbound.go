// Package wire holds the JSON text frames exchanged with clients.
// Every frame carries a "type" discriminator.
package wire

import (
	"chat-core/errors"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	InMessage = "message"
	InTyping  = "typing"
	InJoin    = "join"
	InLeave   = "leave"
	InDirect  = "direct"
	InEdit    = "edit"
	InDelete  = "delete"
	InReact   = "react"
	InUnreact = "unreact"
	InSeen    = "seen"
	InPin     = "pin"
	InHistory = "history"
	InSearch  = "search"
	InPing    = "ping"
)

var validate = validator.New()

// Inbound is a client frame. Only the fields of its type are meaningful.
type Inbound struct {
	Type           string `json:"type" validate:"required,oneof=message typing join leave direct edit delete react unreact seen pin history search ping"`
	Ref            string `json:"ref,omitempty" validate:"max=64"`
	RoomID         string `json:"room_id,omitempty" validate:"max=128"`
	UserID         string `json:"user_id,omitempty" validate:"max=128"`
	MessageID      string `json:"message_id,omitempty" validate:"omitempty,uuid"`
	Content        string `json:"content,omitempty"`
	ReplyTo        string `json:"reply_to,omitempty" validate:"omitempty,uuid"`
	ForwardedFrom  string `json:"forwarded_from,omitempty" validate:"omitempty,uuid"`
	ExpiresIn      int    `json:"expires_in,omitempty" validate:"gte=0,lte=31536000"`
	Attachment     []byte `json:"attachment,omitempty"`
	AttachmentName string `json:"attachment_name,omitempty" validate:"max=255"`
	Emoji          string `json:"emoji,omitempty" validate:"max=32"`
	Reason         string `json:"reason,omitempty" validate:"max=512"`
	Pinned         bool   `json:"pinned,omitempty"`
	Before         uint64 `json:"before,omitempty"`
	Limit          int    `json:"limit,omitempty" validate:"gte=0,lte=200"`
	Query          string `json:"query,omitempty" validate:"max=256"`
}

// DecodeInbound parses and validates a client frame.
// Any failure wraps errors.ErrInvalidFrame.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	if err := validate.Struct(in); err != nil {
		return in, fmt.Errorf("%w: %v", errors.ErrInvalidFrame, err)
	}
	if missing := in.missingField(); missing != "" {
		return in, fmt.Errorf("%w: %s requires %s", errors.ErrInvalidFrame, in.Type, missing)
	}
	return in, nil
}

func (in Inbound) missingField() string {
	switch in.Type {
	case InMessage:
		if in.RoomID == "" {
			return "room_id"
		}
		if strings.TrimSpace(in.Content) == "" && len(in.Attachment) == 0 && in.ForwardedFrom == "" {
			return "content"
		}
	case InJoin, InLeave, InHistory:
		if in.RoomID == "" {
			return "room_id"
		}
	case InSearch:
		if in.RoomID == "" {
			return "room_id"
		}
		if strings.TrimSpace(in.Query) == "" {
			return "query"
		}
	case InDirect:
		if in.UserID == "" {
			return "user_id"
		}
	case InEdit:
		if in.MessageID == "" {
			return "message_id"
		}
		if strings.TrimSpace(in.Content) == "" {
			return "content"
		}
	case InDelete, InSeen, InPin:
		if in.MessageID == "" {
			return "message_id"
		}
	case InReact, InUnreact:
		if in.MessageID == "" {
			return "message_id"
		}
		if in.Emoji == "" {
			return "emoji"
		}
	}
	return ""
}

// Message returns the parsed message_id. Validation already checked the format.
func (in Inbound) Message() uuid.UUID {
	return uuid.MustParse(in.MessageID)
}

func (in Inbound) ReplyToID() *uuid.UUID {
	return optionalID(in.ReplyTo)
}

func (in Inbound) ForwardedFromID() *uuid.UUID {
	return optionalID(in.ForwardedFrom)
}

func optionalID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}
