package workers

import (
	"chat-core/contract"
	"chat-core/domain"
	"context"
	"log/slog"
)

type BotPoster interface {
	SendBot(ctx context.Context, roomID domain.RoomID, content string) (domain.Message, error)
}

// BotWorker answers trigger messages off the real-time path.
type BotWorker struct {
	log       *slog.Logger
	inbox     <-chan domain.Message
	responder contract.BotResponder
	poster    BotPoster
}

func NewBotWorker(log *slog.Logger, inbox <-chan domain.Message, responder contract.BotResponder, poster BotPoster) *BotWorker {
	return &BotWorker{log: log, inbox: inbox, responder: responder, poster: poster}
}

func (w *BotWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-w.inbox:
			reply, ok := w.responder.Respond(ctx, msg)
			if !ok {
				continue
			}
			if _, err := w.poster.SendBot(ctx, msg.RoomID, reply); err != nil {
				w.log.Warn("Bot reply failed", "room_id", msg.RoomID, "error", err)
			}
		}
	}
}
