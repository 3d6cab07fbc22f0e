//go:generate go run go.uber.org/mock/mockgen -source=messages.go -destination=../mocks/mock_messages.go -package=mocks
package contract

import (
	"chat-core/domain"
	"context"
	"time"

	"github.com/google/uuid"
)

// IMessageStore is the durable per-room append log and its mutation records.
// Every mutation is a compare-and-update against the current row.
type IMessageStore interface {
	Append(msg domain.Message) (domain.Message, error)
	Get(id uuid.UUID) (domain.Message, error)
	Edit(id uuid.UUID, editorID, content string, at time.Time) (domain.Message, error)
	SoftDelete(id uuid.UUID, reason string, at time.Time, authorize func(domain.Message) error) (domain.Message, error)
	AdvanceStatus(id uuid.UUID, to domain.Status) (domain.Message, bool, error)
	AddReaction(reaction domain.Reaction) (domain.Message, error)
	RemoveReaction(reaction domain.Reaction) (domain.Message, error)
	AddReadReceipt(receipt domain.ReadReceipt) (domain.Message, bool, error)
	SetPinned(id uuid.UUID, pinned bool) (domain.Message, error)
	History(roomID domain.RoomID, before uint64, limit int) ([]domain.Message, uint64, error)
	Undelivered(roomID domain.RoomID, recipientID string, limit int) ([]domain.Message, error)
	EditHistory(id uuid.UUID) ([]domain.EditHistoryEntry, error)
	Reactions(id uuid.UUID) ([]domain.Reaction, error)
	ExpireDue(at time.Time, limit int) ([]domain.Message, error)
}

// IMessageIndex is the full text index over visible messages.
type IMessageIndex interface {
	Index(msg domain.Message) error
	Remove(id uuid.UUID) error
	Search(ctx context.Context, roomID domain.RoomID, query string, limit int) ([]uuid.UUID, uint64, error)
}
