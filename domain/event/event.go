package event

import (
	"chat-core/domain"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DomainEvent is anything the router can fan out to a room.
type DomainEvent interface {
	RoomID() domain.RoomID
}

type MessagePosted struct {
	Message domain.Message
}

func (m MessagePosted) RoomID() domain.RoomID { return m.Message.RoomID }

// Typing is ephemeral and never persisted.
type Typing struct {
	Room   domain.RoomID
	UserID string
}

func (t Typing) RoomID() domain.RoomID { return t.Room }

// SystemNotice carries server-originated join/leave notices.
type SystemNotice struct {
	Room domain.RoomID
	Text string
}

func (s SystemNotice) RoomID() domain.RoomID { return s.Room }

type PresenceChanged struct {
	Room     domain.RoomID
	UserID   string
	Online   bool
	LastSeen time.Time
}

func (p PresenceChanged) RoomID() domain.RoomID { return p.Room }

type MessageEdited struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Content   string
	EditedAt  time.Time
}

func (m MessageEdited) RoomID() domain.RoomID { return m.Room }

type MessageDeleted struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Reason    string
}

func (m MessageDeleted) RoomID() domain.RoomID { return m.Room }

type ReactionChanged struct {
	Room    domain.RoomID
	Removed bool
	domain.Reaction
}

func (r ReactionChanged) RoomID() domain.RoomID { return r.Room }

type ReceiptAdded struct {
	Room domain.RoomID
	domain.ReadReceipt
}

func (r ReceiptAdded) RoomID() domain.RoomID { return r.Room }

type StatusChanged struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Status    domain.Status
}

func (s StatusChanged) RoomID() domain.RoomID { return s.Room }

type MessagePinned struct {
	Room      domain.RoomID
	MessageID uuid.UUID
	Pinned    bool
}

func (m MessagePinned) RoomID() domain.RoomID { return m.Room }

type EnvelopeKind string

const (
	// EnvelopeFrame carries an encoded frame for the room's subscribers.
	EnvelopeFrame EnvelopeKind = "frame"
	// EnvelopeAck tells the origin node that a remote node delivered its message.
	EnvelopeAck EnvelopeKind = "ack"
	// EnvelopeInvalidate drops cached membership for a room on every node.
	EnvelopeInvalidate EnvelopeKind = "invalidate"
)

// Envelope is what travels on the cross-process bus.
type Envelope struct {
	Kind        EnvelopeKind    `json:"kind"`
	Node        string          `json:"node"`
	Target      string          `json:"target,omitempty"`
	Room        domain.RoomID   `json:"room_id"`
	MessageID   *uuid.UUID      `json:"message_id,omitempty"`
	SenderID    string          `json:"sender_id,omitempty"`
	ExcludeUser string          `json:"exclude_user,omitempty"`
	UserID      string          `json:"user_id,omitempty"`
	Removed     bool            `json:"removed,omitempty"`
	Frame       json.RawMessage `json:"frame,omitempty"`
}
