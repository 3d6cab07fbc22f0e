package domain

import (
	"time"

	"github.com/google/uuid"
)

type Command interface {
	RoomID() RoomID
}

// PostMessageCommand asks the pipeline to store and broadcast a message.
// SessionID identifies the origin session, which never receives its own echo.
type PostMessageCommand struct {
	Room           RoomID `validate:"required,max=128"`
	SenderID       string `validate:"required"`
	TenantID       string
	SessionID      string
	Content        string
	ReplyTo        *uuid.UUID
	ForwardedFrom  *uuid.UUID
	ExpiresIn      time.Duration `validate:"gte=0,lte=8760h"`
	Attachment     []byte
	AttachmentName string `validate:"max=255"`
	CreatedAt      time.Time
}

func (p PostMessageCommand) RoomID() RoomID {
	return p.Room
}

type EditMessageCommand struct {
	MessageID uuid.UUID `validate:"required"`
	EditorID  string    `validate:"required"`
	TenantID  string
	Content   string `validate:"required"`
}

type DeleteMessageCommand struct {
	MessageID uuid.UUID `validate:"required"`
	UserID    string    `validate:"required"`
	TenantID  string
	Reason    string `validate:"max=512"`
}

// ReactCommand adds a reaction, or removes it when Remove is set.
type ReactCommand struct {
	MessageID uuid.UUID `validate:"required"`
	UserID    string    `validate:"required"`
	TenantID  string
	Emoji     string `validate:"required,max=32"`
	Remove    bool
}

type SeenCommand struct {
	MessageID uuid.UUID `validate:"required"`
	UserID    string    `validate:"required"`
	TenantID  string
}

type PinCommand struct {
	MessageID uuid.UUID `validate:"required"`
	UserID    string    `validate:"required"`
	TenantID  string
	Pinned    bool
}
