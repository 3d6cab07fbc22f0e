package workers

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/infrastructure/storage"
	"chat-core/observability"
	"context"
	"fmt"
	"log/slog"
	"time"
)

type NotificationConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Backoff      time.Duration
}

// NotificationWorker drains the notification queue in the background.
// Failed jobs are rescheduled with a linear backoff, then parked as dead.
type NotificationWorker struct {
	log      *slog.Logger
	queue    storage.INotificationRepository
	messages contract.IMessageStore
	sender   contract.NotificationSender
	metrics  *observability.Metrics
	cfg      NotificationConfig
	now      func() time.Time
}

func NewNotificationWorker(
	log *slog.Logger,
	queue storage.INotificationRepository,
	messages contract.IMessageStore,
	sender contract.NotificationSender,
	metrics *observability.Metrics,
	cfg NotificationConfig,
) *NotificationWorker {
	return &NotificationWorker{
		log:      log,
		queue:    queue,
		messages: messages,
		sender:   sender,
		metrics:  metrics,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *NotificationWorker) Run(ctx context.Context) error {
	if _, err := w.queue.RecoverProcessing(); err != nil {
		return err
	}
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Drain(ctx); err != nil {
				w.log.Warn("Notification batch failed", "error", err)
			}
		}
	}
}

// Drain processes one batch of available jobs and returns how many were claimed.
func (w *NotificationWorker) Drain(ctx context.Context) (int, error) {
	batch, err := w.queue.GetNextBatch(w.now(), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	var claimed int
	for _, n := range batch {
		if ctx.Err() != nil {
			return claimed, nil
		}
		if err := w.queue.MarkAsProcessing(n); err != nil {
			w.log.Debug("Notification already claimed", "notification_id", n.ID, "error", err)
			continue
		}
		claimed++
		w.deliver(ctx, n)
	}
	return claimed, nil
}

func (w *NotificationWorker) deliver(ctx context.Context, n domain.Notification) {
	msg, err := w.messages.Get(n.MessageID)
	if err == nil && msg.Deleted {
		// Nothing left to announce
		w.complete(n, "skipped")
		return
	}
	if err == nil {
		err = w.sender.Send(ctx, n, msg)
	}
	if err == nil {
		w.complete(n, "sent")
		return
	}

	cause := fmt.Errorf("%w: %v", errors.ErrNotificationDispatch, err)
	if errors.Is(err, errors.ErrMessageNotFound) || n.Attempts+1 >= w.cfg.MaxAttempts {
		w.metrics.Notification("dead")
		w.log.Warn("Notification abandoned", "notification_id", n.ID, "recipient_id", n.RecipientID, "error", cause)
		if err := w.queue.MoveToDead(n, cause); err != nil {
			w.log.Error("Unable to park notification", "notification_id", n.ID, "error", err)
		}
		return
	}
	w.metrics.Notification("retried")
	w.log.Warn("Notification failed, rescheduling", "notification_id", n.ID, "attempt", n.Attempts+1, "error", cause)
	availableAt := w.now().Add(w.cfg.Backoff * time.Duration(n.Attempts+1))
	if err := w.queue.Reschedule(n, cause, availableAt); err != nil {
		w.log.Error("Unable to reschedule notification", "notification_id", n.ID, "error", err)
	}
}

func (w *NotificationWorker) complete(n domain.Notification, outcome string) {
	w.metrics.Notification(outcome)
	if err := w.queue.Complete(n); err != nil {
		w.log.Error("Unable to complete notification", "notification_id", n.ID, "error", err)
	}
}
