package workers

import (
	"chat-core/errors"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

type MessageExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type MutePurger interface {
	PurgeExpiredMutes(ctx context.Context, at time.Time) (int, error)
}

// ExpiryWorker soft deletes expired messages and drops lapsed mutes on a cron schedule.
type ExpiryWorker struct {
	log     *slog.Logger
	expr    string
	expirer MessageExpirer
	mutes   MutePurger
	now     func() time.Time
}

func NewExpiryWorker(log *slog.Logger, expr string, expirer MessageExpirer, mutes MutePurger) (*ExpiryWorker, error) {
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("%w: %q", errors.ErrInvalidCron, expr)
	}
	return &ExpiryWorker{
		log:     log,
		expr:    expr,
		expirer: expirer,
		mutes:   mutes,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(w.expr, w.now(), false)
		if err != nil {
			return err
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		w.Tick(ctx)
	}
}

// Tick runs one sweep. Failures are logged and retried on the next schedule.
func (w *ExpiryWorker) Tick(ctx context.Context) {
	now := w.now()
	expired, err := w.expirer.ExpireDue(ctx, now)
	if err != nil {
		w.log.Warn("Message expiry failed", "error", err)
	} else if expired > 0 {
		w.log.Info("Expired messages", "count", expired)
	}
	purged, err := w.mutes.PurgeExpiredMutes(ctx, now)
	if err != nil {
		w.log.Warn("Mute cleanup failed", "error", err)
	} else if purged > 0 {
		w.log.Debug("Purged lapsed mutes", "count", purged)
	}
}
