package contract

import (
	"chat-core/domain"
	"context"
	"time"
)

// IPresenceStore counts live sessions per user.
// The boolean results report an offline/online transition.
type IPresenceStore interface {
	MarkOnline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error)
	Heartbeat(ctx context.Context, userID, sessionID string, at time.Time) error
	MarkOffline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error)
	IsOnline(ctx context.Context, userID string) (bool, error)
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	Get(ctx context.Context, userID string) (domain.PresenceRecord, error)
	// Sweep drops sessions silent for longer than grace and returns the users flipped offline.
	Sweep(ctx context.Context, now time.Time, grace time.Duration) ([]domain.PresenceRecord, error)
}
