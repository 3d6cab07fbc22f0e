package workers

import (
	"context"
	"log/slog"
	"time"
)

// PresenceSweeper disconnects silent sessions and demotes users whose sessions all went quiet.
type PresenceSweeper interface {
	SweepPresence(ctx context.Context, now time.Time) (int, error)
}

type PresenceSweepWorker struct {
	log      *slog.Logger
	sweeper  PresenceSweeper
	interval time.Duration
}

func NewPresenceSweepWorker(log *slog.Logger, sweeper PresenceSweeper, interval time.Duration) *PresenceSweepWorker {
	return &PresenceSweepWorker{log: log, sweeper: sweeper, interval: interval}
}

func (w *PresenceSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			swept, err := w.sweeper.SweepPresence(ctx, now.UTC())
			if err != nil {
				// Redis may be briefly unavailable, next tick retries
				w.log.Warn("Presence sweep failed", "error", err)
				continue
			}
			if swept > 0 {
				w.log.Debug("Presence sweep", "offline", swept)
			}
		}
	}
}
