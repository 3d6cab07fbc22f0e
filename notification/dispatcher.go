package notification

import (
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/infrastructure/storage"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Dispatcher is the enqueue side of the notification queue.
// It only writes the job; delivery happens in a supervised worker.
type Dispatcher struct {
	log   *slog.Logger
	queue storage.INotificationRepository
	now   func() time.Time
}

func NewDispatcher(log *slog.Logger, queue storage.INotificationRepository) *Dispatcher {
	return &Dispatcher{log: log, queue: queue, now: func() time.Time { return time.Now().UTC() }}
}

func (d *Dispatcher) Enqueue(ctx context.Context, recipientID string, messageID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrNotificationDispatch, err)
	}
	now := d.now()
	err = d.queue.Enqueue(domain.Notification{
		ID:          id,
		RecipientID: recipientID,
		MessageID:   messageID,
		CreatedAt:   now,
		AvailableAt: now,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrNotificationDispatch, err)
	}
	d.log.Debug("Notification enqueued", "recipient_id", recipientID, "message_id", messageID)
	return nil
}
