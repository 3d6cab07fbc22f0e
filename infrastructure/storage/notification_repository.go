package storage

import (
	"chat-core/domain"
	"chat-core/errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const (
	pendingPrefix    = "notif:pending:"
	processingPrefix = "notif:processing:"
	deadPrefix       = "notif:dead:"
)

type INotificationRepository interface {
	Enqueue(notification domain.Notification) error
	GetNextBatch(now time.Time, limit int) ([]domain.Notification, error)
	MarkAsProcessing(notification domain.Notification) error
	Complete(notification domain.Notification) error
	Reschedule(notification domain.Notification, cause error, availableAt time.Time) error
	MoveToDead(notification domain.Notification, cause error) error
	RecoverProcessing() (int, error)
	Dead(limit int) ([]domain.Notification, error)
}

// NotificationRepository is the durable notification queue.
// A job lives under exactly one of the pending, processing or dead prefixes.
type NotificationRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewNotificationRepository(db *badger.DB, log *slog.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, log: log}
}

// pendingKey sorts jobs by the time they become available, then by id.
func pendingKey(n domain.Notification) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", pendingPrefix, n.AvailableAt.UnixNano(), n.ID))
}

func processingKey(id uuid.UUID) []byte {
	return []byte(processingPrefix + id.String())
}

func deadKey(id uuid.UUID) []byte {
	return []byte(deadPrefix + id.String())
}

// Enqueue persists a new job. Missing id and timestamps are filled in.
func (r NotificationRepository) Enqueue(n domain.Notification) error {
	if n.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.AvailableAt.IsZero() {
		n.AvailableAt = n.CreatedAt
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(n), data)
	})
}

// GetNextBatch returns up to limit pending jobs available at now, oldest first.
func (r NotificationRepository) GetNextBatch(now time.Time, limit int) ([]domain.Notification, error) {
	var jobs []domain.Notification
	prefix := []byte(pendingPrefix)
	upper := []byte(fmt.Sprintf("%s%019d;", pendingPrefix, now.UnixNano()))

	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(jobs) < limit; it.Next() {
			item := it.Item()
			if string(item.Key()) >= string(upper) {
				break
			}
			err := item.Value(func(v []byte) error {
				var n domain.Notification
				if err := json.Unmarshal(v, &n); err != nil {
					return fmt.Errorf("failed to unmarshal notification: %w", err)
				}
				jobs = append(jobs, n)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error during batch fetch: %w", err)
	}
	return jobs, nil
}

// MarkAsProcessing claims a pending job. It fails when another worker claimed it first.
func (r NotificationRepository) MarkAsProcessing(n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		_, err := txn.Get(pendingKey(n))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("notification %s is no longer pending", n.ID)
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(pendingKey(n)); err != nil {
			return err
		}
		return txn.Set(processingKey(n.ID), data)
	})
}

func (r NotificationRepository) Complete(n domain.Notification) error {
	return r.update(func(txn *badger.Txn) error {
		return txn.Delete(processingKey(n.ID))
	})
}

// Reschedule puts a failed job back in the pending queue for a later attempt.
func (r NotificationRepository) Reschedule(n domain.Notification, cause error, availableAt time.Time) error {
	n.Attempts++
	n.LastError = cause.Error()
	n.AvailableAt = availableAt
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		if err := txn.Delete(processingKey(n.ID)); err != nil {
			return err
		}
		return txn.Set(pendingKey(n), data)
	})
}

// MoveToDead parks a job that exhausted its attempts.
func (r NotificationRepository) MoveToDead(n domain.Notification, cause error) error {
	n.Attempts++
	n.LastError = cause.Error()
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.update(func(txn *badger.Txn) error {
		if err := txn.Delete(processingKey(n.ID)); err != nil {
			return err
		}
		return txn.Set(deadKey(n.ID), data)
	})
}

// RecoverProcessing moves jobs left in processing by a crashed process back to pending.
// This is what makes delivery at-least-once.
func (r NotificationRepository) RecoverProcessing() (int, error) {
	var recovered int
	err := r.update(func(txn *badger.Txn) error {
		prefix := []byte(processingPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var jobs []domain.Notification
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var n domain.Notification
				if err := json.Unmarshal(v, &n); err != nil {
					return err
				}
				jobs = append(jobs, n)
				return nil
			})
			if err != nil {
				it.Close()
				return err
			}
		}
		it.Close()

		for _, n := range jobs {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := txn.Delete(processingKey(n.ID)); err != nil {
				return err
			}
			if err := txn.Set(pendingKey(n), data); err != nil {
				return err
			}
		}
		recovered = len(jobs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		r.log.Info("Recovered notifications left in processing", "count", recovered)
	}
	return recovered, nil
}

func (r NotificationRepository) Dead(limit int) ([]domain.Notification, error) {
	var jobs []domain.Notification
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(deadPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(jobs) < limit; it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var n domain.Notification
				if err := json.Unmarshal(v, &n); err != nil {
					return err
				}
				jobs = append(jobs, n)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return jobs, err
}

func (r NotificationRepository) update(fn func(txn *badger.Txn) error) error {
	err := r.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %v", errors.ErrTransientPersistence, err)
	}
	return err
}
