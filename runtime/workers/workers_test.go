package workers

import (
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/infrastructure/storage"
	"chat-core/mocks"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func openQueue(t *testing.T) *storage.NotificationRepository {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewNotificationRepository(db, slog.Default())
}

func TestNotificationWorker_Delivers_Then_Retries_Then_Parks(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	queue := openQueue(t)
	messages := mocks.NewMockIMessageStore(ctrl)
	sender := mocks.NewMockNotificationSender(ctrl)
	worker := NewNotificationWorker(log, queue, messages, sender, nil, NotificationConfig{
		BatchSize:   10,
		MaxAttempts: 2,
		Backoff:     time.Minute,
	})
	clock := time.Now().UTC()
	worker.now = func() time.Time { return clock }

	msg := domain.Message{ID: uuid.New(), RoomID: "room-1", SenderID: "alice", Content: "hi"}
	req.NoError(queue.Enqueue(domain.Notification{RecipientID: "carol", MessageID: msg.ID, AvailableAt: clock}))
	messages.EXPECT().Get(msg.ID).Return(msg, nil).Times(2)

	// Given a transport failing twice
	sender.EXPECT().Send(gomock.Any(), gomock.Any(), msg).Return(fmt.Errorf("push gateway down")).Times(2)

	// When the first attempt fails, the job is rescheduled after the backoff
	claimed, err := worker.Drain(ctx)
	req.NoError(err)
	req.Equal(1, claimed)
	claimed, err = worker.Drain(ctx)
	req.NoError(err)
	req.Zero(claimed)

	// When the second attempt fails, the job is parked
	clock = clock.Add(time.Minute)
	claimed, err = worker.Drain(ctx)
	req.NoError(err)
	req.Equal(1, claimed)

	dead, err := queue.Dead(10)
	req.NoError(err)
	req.Len(dead, 1)
	req.Equal(2, dead[0].Attempts)
	req.Contains(dead[0].LastError, "push gateway down")
}

func TestNotificationWorker_Skips_Deleted_And_Parks_Missing_Messages(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	queue := openQueue(t)
	messages := mocks.NewMockIMessageStore(ctrl)
	sender := mocks.NewMockNotificationSender(ctrl)
	worker := NewNotificationWorker(slog.Default(), queue, messages, sender, nil, NotificationConfig{BatchSize: 10, MaxAttempts: 5})

	deleted, missing := uuid.New(), uuid.New()
	req.NoError(queue.Enqueue(domain.Notification{RecipientID: "carol", MessageID: deleted}))
	req.NoError(queue.Enqueue(domain.Notification{RecipientID: "dave", MessageID: missing}))
	messages.EXPECT().Get(deleted).Return(domain.Message{ID: deleted, Deleted: true}, nil)
	messages.EXPECT().Get(missing).Return(domain.Message{}, errors.ErrMessageNotFound)

	// The sender is never called
	claimed, err := worker.Drain(context.Background())
	req.NoError(err)
	req.Equal(2, claimed)

	dead, err := queue.Dead(10)
	req.NoError(err)
	req.Len(dead, 1)
	req.Equal("dave", dead[0].RecipientID)
}

type expirerFunc func(ctx context.Context, now time.Time) (int, error)

func (f expirerFunc) ExpireDue(ctx context.Context, now time.Time) (int, error) { return f(ctx, now) }
func (f expirerFunc) PurgeExpiredMutes(ctx context.Context, at time.Time) (int, error) {
	return f(ctx, at)
}

func TestExpiryWorker_Rejects_Invalid_Cron(t *testing.T) {
	noop := expirerFunc(func(context.Context, time.Time) (int, error) { return 0, nil })
	_, err := NewExpiryWorker(slog.Default(), "every minute", noop, noop)
	require.ErrorIs(t, err, errors.ErrInvalidCron)
}

func TestExpiryWorker_Tick_Runs_Both_Sweeps(t *testing.T) {
	req := require.New(t)
	var mu sync.Mutex
	var calls int
	count := expirerFunc(func(context.Context, time.Time) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 1, nil
	})
	failing := expirerFunc(func(context.Context, time.Time) (int, error) { return 0, fmt.Errorf("disk full") })

	worker, err := NewExpiryWorker(slog.Default(), "* * * * *", count, failing)
	req.NoError(err)
	worker.Tick(context.Background())

	// A failing mute cleanup does not prevent message expiry
	req.Equal(1, calls)
}

type poster struct {
	replies chan string
}

func (p poster) SendBot(_ context.Context, roomID domain.RoomID, content string) (domain.Message, error) {
	p.replies <- content
	return domain.Message{RoomID: roomID, SenderID: domain.BotUserID, Content: content}, nil
}

func TestBotWorker_Replies_To_Triggers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	responder := mocks.NewMockBotResponder(ctrl)
	inbox := make(chan domain.Message, 2)
	out := poster{replies: make(chan string, 2)}

	responder.EXPECT().Respond(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg domain.Message) (string, bool) {
		return "pong", msg.Content == "ping"
	}).Times(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = NewBotWorker(slog.Default(), inbox, responder, out).Run(ctx) }()

	inbox <- domain.Message{RoomID: "room-1", SenderID: "alice", Content: "hello"}
	inbox <- domain.Message{RoomID: "room-1", SenderID: "alice", Content: "ping"}

	select {
	case reply := <-out.replies:
		req.Equal("pong", reply)
	case <-time.After(time.Second):
		req.Fail("bot did not reply")
	}
	req.Empty(out.replies)
}
