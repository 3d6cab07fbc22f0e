package notification

import (
	"chat-core/domain"
	"context"
	"log/slog"
)

// LogSender stands in for the push/email transport: it logs what would be sent.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (l *LogSender) Send(_ context.Context, n domain.Notification, msg domain.Message) error {
	l.log.Info("Notification sent",
		"recipient_id", n.RecipientID,
		"room_id", msg.RoomID,
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"attempt", n.Attempts+1)
	return nil
}
