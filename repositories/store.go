package repositories

import (
	"chat-core/domain"
	"chat-core/errors"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
)

// maxConflictAttempts bounds the compare-and-create retries done inside a repository.
// Other conflicts surface as errors.ErrTransientPersistence and are retried by the pipeline.
const maxConflictAttempts = 8

// directName is the uniqueness key of the direct room of an unordered pair inside a tenant.
func directName(tenantID, userA, userB string) string {
	low, high := domain.DirectPair(userA, userB)
	return fmt.Sprintf("dm:%s:%s:%s", tenantID, low, high)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, bytes)
}

// exists reports whether key is present, registering the read for conflict detection.
func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// prefixKeys collects every key under prefix. The iterator is closed before
// returning so the caller may write in the same read-write transaction.
func prefixKeys(txn *badger.Txn, prefix []byte) [][]byte {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// persistenceErr turns an optimistic transaction conflict, a badger commit
// conflict or a redis WATCH abort, into a retryable failure.
func persistenceErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) || errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %v", errors.ErrTransientPersistence, err)
	}
	return err
}
