package storage

import (
	"chat-core/domain"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// SetupTestDB initializes a temporary Badger instance for testing
func SetupTestDB(t *testing.T) *badger.DB {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func job(recipient string, availableAt time.Time) domain.Notification {
	return domain.Notification{
		ID:          uuid.New(),
		RecipientID: recipient,
		MessageID:   uuid.New(),
		CreatedAt:   availableAt,
		AvailableAt: availableAt,
	}
}

func TestNotificationRepository_Chronological_Batch(t *testing.T) {
	req := require.New(t)
	repo := NewNotificationRepository(SetupTestDB(t), slog.Default())
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	// Given three jobs, the newest enqueued first and one not yet available
	req.NoError(repo.Enqueue(job("new", t0.Add(time.Hour))))
	req.NoError(repo.Enqueue(job("old", t0)))
	req.NoError(repo.Enqueue(job("later", t0.Add(24*time.Hour))))

	// When fetching at t0 + 2h
	batch, err := repo.GetNextBatch(t0.Add(2*time.Hour), 10)

	// Then the oldest comes first and the future job is held back
	req.NoError(err)
	req.Len(batch, 2)
	req.Equal("old", batch[0].RecipientID)
	req.Equal("new", batch[1].RecipientID)
}

func TestNotificationRepository_BatchLimit(t *testing.T) {
	req := require.New(t)
	repo := NewNotificationRepository(SetupTestDB(t), slog.Default())
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		req.NoError(repo.Enqueue(job(fmt.Sprintf("user-%d", i), now.Add(-time.Duration(i)*time.Second))))
	}

	batch, err := repo.GetNextBatch(now, 3)
	req.NoError(err)
	req.Len(batch, 3)
}

func TestNotificationRepository_Lifecycle(t *testing.T) {
	req := require.New(t)
	db := SetupTestDB(t)
	repo := NewNotificationRepository(db, slog.Default())
	now := time.Now().UTC()
	n := job("carol", now)
	req.NoError(repo.Enqueue(n))

	// A job is claimed once
	req.NoError(repo.MarkAsProcessing(n))
	req.Error(repo.MarkAsProcessing(n))
	batch, err := repo.GetNextBatch(now, 10)
	req.NoError(err)
	req.Empty(batch)

	// A failure puts it back later with the attempt recorded
	req.NoError(repo.Reschedule(n, fmt.Errorf("smtp down"), now.Add(time.Minute)))
	batch, err = repo.GetNextBatch(now, 10)
	req.NoError(err)
	req.Empty(batch)
	batch, err = repo.GetNextBatch(now.Add(time.Minute), 10)
	req.NoError(err)
	req.Len(batch, 1)
	req.Equal(1, batch[0].Attempts)
	req.Equal("smtp down", batch[0].LastError)

	// Completing removes every trace
	retry := batch[0]
	req.NoError(repo.MarkAsProcessing(retry))
	req.NoError(repo.Complete(retry))
	err = db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(processingKey(retry.ID))
		return err
	})
	req.ErrorIs(err, badger.ErrKeyNotFound)
}

func TestNotificationRepository_Dead_Letter_And_Recovery(t *testing.T) {
	req := require.New(t)
	repo := NewNotificationRepository(SetupTestDB(t), slog.Default())
	now := time.Now().UTC()
	dead, stuck := job("dave", now), job("erin", now)
	req.NoError(repo.Enqueue(dead))
	req.NoError(repo.Enqueue(stuck))
	req.NoError(repo.MarkAsProcessing(dead))
	req.NoError(repo.MarkAsProcessing(stuck))

	// Given one job exhausted and one abandoned by a crash
	req.NoError(repo.MoveToDead(dead, fmt.Errorf("unknown recipient")))

	// When the queue recovers
	recovered, err := repo.RecoverProcessing()
	req.NoError(err)

	// Then only the abandoned job is pending again
	req.Equal(1, recovered)
	batch, err := repo.GetNextBatch(now, 10)
	req.NoError(err)
	req.Len(batch, 1)
	req.Equal("erin", batch[0].RecipientID)

	parked, err := repo.Dead(10)
	req.NoError(err)
	req.Len(parked, 1)
	req.Equal("unknown recipient", parked[0].LastError)
}
