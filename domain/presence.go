package domain

import (
	"time"

	"github.com/google/uuid"
)

// PresenceRecord is the single presence row of a user.
type PresenceRecord struct {
	UserID   string
	Online   bool
	LastSeen time.Time
	Sessions int
}

// Notification is one job of the notification queue.
type Notification struct {
	ID          uuid.UUID `json:"id"`
	RecipientID string    `json:"recipient_id"`
	MessageID   uuid.UUID `json:"message_id"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	AvailableAt time.Time `json:"available_at"`
}
