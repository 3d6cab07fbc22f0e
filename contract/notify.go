//go:generate go run go.uber.org/mock/mockgen -source=notify.go -destination=../mocks/mock_notify.go -package=mocks
package contract

import (
	"chat-core/domain"
	"context"

	"github.com/google/uuid"
)

type INotifier interface {
	Enqueue(ctx context.Context, recipientID string, messageID uuid.UUID) error
}

// NotificationSender is the push/email/in-app transport.
type NotificationSender interface {
	Send(ctx context.Context, notification domain.Notification, msg domain.Message) error
}
