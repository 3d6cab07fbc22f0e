// Package domain contains core concepts of the chat system.
// This file defines Message and its mutation records.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BotUserID is the reserved identity authoring bot replies.
const BotUserID = "system:bot"

// ExpiredReason is the deletion reason stamped by the expiry sweep.
const ExpiredReason = "Expired by system"

// Status is the sent -> delivered -> seen lifecycle. Values are ordered.
type Status int

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusSeen
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSeen:
		return "seen"
	}
	return "unknown"
}

// CanAdvanceTo reports whether moving to next keeps the lifecycle monotonic.
func (s Status) CanAdvanceTo(next Status) bool {
	return next > s && next <= StatusSeen
}

// MarshalText encodes the zero value as an empty string.
func (s Status) MarshalText() ([]byte, error) {
	if s == 0 {
		return []byte{}, nil
	}
	if s < StatusSent || s > StatusSeen {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "":
		*s = 0
	case "sent":
		*s = StatusSent
	case "delivered":
		*s = StatusDelivered
	case "seen":
		*s = StatusSeen
	default:
		return fmt.Errorf("unknown status %q", string(text))
	}
	return nil
}

type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

type Attachment struct {
	Kind     AttachmentKind `json:"kind"`
	URL      string         `json:"url"`
	MimeType string         `json:"mime_type"`
	Size     int            `json:"size"`
	Name     string         `json:"name,omitempty"`
}

// Message represents a persisted chat message.
// Seq is assigned by the store and totally orders messages inside a room.
type Message struct {
	ID            uuid.UUID    `json:"id"`
	Seq           uint64       `json:"seq"`
	RoomID        RoomID       `json:"room_id"`
	SenderID      string       `json:"sender_id"`
	Content       string       `json:"content"`
	Lang          string       `json:"lang,omitempty"`
	ReplyTo       *uuid.UUID   `json:"reply_to,omitempty"`
	ForwardedFrom *uuid.UUID   `json:"forwarded_from,omitempty"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	Status        Status       `json:"status"`
	Pinned        bool         `json:"pinned"`
	Deleted       bool         `json:"deleted"`
	DeleteReason  string       `json:"delete_reason,omitempty"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	EditedAt      *time.Time   `json:"edited_at,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

func (m Message) IsSystem() bool {
	return m.SenderID == BotUserID
}

func (m Message) ExpiredAt(at time.Time) bool {
	return m.ExpiresAt != nil && !at.Before(*m.ExpiresAt)
}

type EditHistoryEntry struct {
	MessageID       uuid.UUID `json:"message_id"`
	PreviousContent string    `json:"previous_content"`
	EditedAt        time.Time `json:"edited_at"`
}

type ReadReceipt struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    string    `json:"user_id"`
	SeenAt    time.Time `json:"seen_at"`
}

type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}
