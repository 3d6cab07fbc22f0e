package repositories

import (
	"chat-core/domain"
	"chat-core/errors"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// MessageRepository persists messages and their mutation records in BadgerDB.
//
// Key layout:
//
//	seq:{room}                       last assigned sequence number (uint64, big endian)
//	msg:{room}:{seq020}              message row, ordered by seq inside a room
//	msgid:{id}                       locator pointing to the message row key
//	edit:{id}:{ts019}:{uuid}         edit history entry
//	receipt:{id}:{user}              read receipt
//	reaction:{id}:{user}:{emoji}     reaction
//	expiry:{ts019}:{id}              expiry index, value is the message row key
//
// Every mutation runs in a read-write transaction that reads the current row,
// so two racing mutations of the same message end with one ErrConflict.
type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) MessageRepository {
	return MessageRepository{db: db, log: log, limitMessages: limitMessages}
}

func seqKey(room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("seq:%s", room))
}

func messagePrefix(room domain.RoomID) string {
	return fmt.Sprintf("msg:%s:", room)
}

func messageKey(room domain.RoomID, seq uint64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", room, seq))
}

func locatorKey(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msgid:%s", id))
}

func editPrefix(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("edit:%s:", id))
}

// editKey uses a random uuid as a collision disconnector for edits landing on the same nanosecond.
func editKey(id uuid.UUID, at time.Time) []byte {
	return []byte(fmt.Sprintf("edit:%s:%019d:%s", id, at.UnixNano(), uuid.New()))
}

func receiptKey(id uuid.UUID, userID string) []byte {
	return []byte(fmt.Sprintf("receipt:%s:%s", id, userID))
}

func reactionPrefix(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("reaction:%s:", id))
}

func reactionKey(id uuid.UUID, userID, emoji string) []byte {
	return []byte(fmt.Sprintf("reaction:%s:%s:%s", id, userID, emoji))
}

const expiryPrefix = "expiry:"

func expiryKey(at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", expiryPrefix, at.UnixNano(), id))
}

func nextSeq(txn *badger.Txn, room domain.RoomID) (uint64, error) {
	var current uint64
	item, err := txn.Get(seqKey(room))
	switch {
	case err == nil:
		if err := item.Value(func(val []byte) error {
			current = binary.BigEndian.Uint64(val)
			return nil
		}); err != nil {
			return 0, err
		}
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return 0, err
	}
	next := current + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return next, txn.Set(seqKey(room), buf)
}

func loadByID(txn *badger.Txn, id uuid.UUID) ([]byte, domain.Message, error) {
	item, err := txn.Get(locatorKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return nil, domain.Message{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return nil, domain.Message{}, err
	}
	var msg domain.Message
	if err := getJSON(txn, key, &msg); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, domain.Message{}, errors.ErrMessageNotFound
		}
		return nil, domain.Message{}, err
	}
	return key, msg, nil
}

// Append assigns the message id and the next room sequence number, and stores
// the row at status sent, all in one transaction.
func (m MessageRepository) Append(msg domain.Message) (domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Message{}, err
	}
	msg.ID = id
	msg.Status = domain.StatusSent
	msg.Deleted = false
	err = m.db.Update(func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, msg.RoomID)
		if err != nil {
			return err
		}
		msg.Seq = seq
		key := messageKey(msg.RoomID, seq)
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		if err := txn.Set(locatorKey(msg.ID), key); err != nil {
			return err
		}
		if msg.ExpiresAt != nil {
			return txn.Set(expiryKey(*msg.ExpiresAt, msg.ID), key)
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, persistenceErr(err)
	}
	return msg, nil
}

func (m MessageRepository) Get(id uuid.UUID) (domain.Message, error) {
	var msg domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		_, msg, err = loadByID(txn, id)
		return err
	})
	return msg, err
}

// mutate applies fn to the current row and writes it back when fn reports a change.
func (m MessageRepository) mutate(id uuid.UUID, fn func(txn *badger.Txn, msg *domain.Message) (bool, error)) (domain.Message, bool, error) {
	var out domain.Message
	var changed bool
	err := m.db.Update(func(txn *badger.Txn) error {
		key, msg, err := loadByID(txn, id)
		if err != nil {
			return err
		}
		changed, err = fn(txn, &msg)
		if err != nil {
			return err
		}
		out = msg
		if !changed {
			return nil
		}
		return setJSON(txn, key, msg)
	})
	if err != nil {
		return domain.Message{}, false, persistenceErr(err)
	}
	return out, changed, nil
}

// Edit appends the previous body to the edit history and replaces it.
// Only the sender may edit, and never once the message is deleted.
func (m MessageRepository) Edit(id uuid.UUID, editorID, content string, at time.Time) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(txn *badger.Txn, msg *domain.Message) (bool, error) {
		if msg.Deleted {
			return false, errors.ErrAlreadyDeleted
		}
		if msg.SenderID != editorID {
			return false, errors.ErrForbidden
		}
		entry := domain.EditHistoryEntry{MessageID: id, PreviousContent: msg.Content, EditedAt: at}
		if err := setJSON(txn, editKey(id, at), entry); err != nil {
			return false, err
		}
		msg.Content = content
		msg.EditedAt = &at
		return true, nil
	})
	return msg, err
}

// SoftDelete flags the message as deleted. The row and its edit history stay.
// authorize runs against the current row inside the transaction.
func (m MessageRepository) SoftDelete(id uuid.UUID, reason string, at time.Time, authorize func(domain.Message) error) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(txn *badger.Txn, msg *domain.Message) (bool, error) {
		if msg.Deleted {
			return false, errors.ErrAlreadyDeleted
		}
		if authorize != nil {
			if err := authorize(*msg); err != nil {
				return false, err
			}
		}
		markDeleted(msg, reason, at)
		if msg.ExpiresAt != nil {
			if err := txn.Delete(expiryKey(*msg.ExpiresAt, msg.ID)); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return msg, err
}

func markDeleted(msg *domain.Message, reason string, at time.Time) {
	msg.Deleted = true
	msg.DeleteReason = reason
	msg.DeletedAt = &at
}

// AdvanceStatus moves the lifecycle forward. Backward or equal moves are ignored.
func (m MessageRepository) AdvanceStatus(id uuid.UUID, to domain.Status) (domain.Message, bool, error) {
	return m.mutate(id, func(_ *badger.Txn, msg *domain.Message) (bool, error) {
		if !msg.Status.CanAdvanceTo(to) {
			return false, nil
		}
		msg.Status = to
		return true, nil
	})
}

func (m MessageRepository) AddReaction(reaction domain.Reaction) (domain.Message, error) {
	msg, _, err := m.mutate(reaction.MessageID, func(txn *badger.Txn, msg *domain.Message) (bool, error) {
		if msg.Deleted {
			return false, errors.ErrAlreadyDeleted
		}
		key := reactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji)
		found, err := exists(txn, key)
		if err != nil {
			return false, err
		}
		if found {
			return false, errors.ErrDuplicateReaction
		}
		return false, setJSON(txn, key, reaction)
	})
	return msg, err
}

func (m MessageRepository) RemoveReaction(reaction domain.Reaction) (domain.Message, error) {
	msg, _, err := m.mutate(reaction.MessageID, func(txn *badger.Txn, msg *domain.Message) (bool, error) {
		key := reactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji)
		found, err := exists(txn, key)
		if err != nil {
			return false, err
		}
		if !found {
			return false, errors.ErrReactionNotFound
		}
		return false, txn.Delete(key)
	})
	return msg, err
}

// AddReadReceipt stores the receipt and moves the message to seen when the
// reader is not the sender. The boolean reports a status change.
func (m MessageRepository) AddReadReceipt(receipt domain.ReadReceipt) (domain.Message, bool, error) {
	return m.mutate(receipt.MessageID, func(txn *badger.Txn, msg *domain.Message) (bool, error) {
		if msg.Deleted {
			return false, errors.ErrAlreadyDeleted
		}
		key := receiptKey(receipt.MessageID, receipt.UserID)
		found, err := exists(txn, key)
		if err != nil {
			return false, err
		}
		if found {
			return false, errors.ErrDuplicateReadReceipt
		}
		if err := setJSON(txn, key, receipt); err != nil {
			return false, err
		}
		if receipt.UserID == msg.SenderID || !msg.Status.CanAdvanceTo(domain.StatusSeen) {
			return false, nil
		}
		msg.Status = domain.StatusSeen
		return true, nil
	})
}

func (m MessageRepository) SetPinned(id uuid.UUID, pinned bool) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(_ *badger.Txn, msg *domain.Message) (bool, error) {
		if msg.Deleted {
			return false, errors.ErrAlreadyDeleted
		}
		if msg.Pinned == pinned {
			return false, nil
		}
		msg.Pinned = pinned
		return true, nil
	})
	return msg, err
}

func (m MessageRepository) limit(requested int) int {
	if requested > 0 {
		return requested
	}
	if m.limitMessages != nil {
		return *m.limitMessages
	}
	return 50
}

// History walks a room backwards from the cursor, newest first, hiding deleted messages.
// A zero before starts from the latest message. The returned cursor is zero once
// the beginning of the room is reached.
func (m MessageRepository) History(room domain.RoomID, before uint64, limit int) ([]domain.Message, uint64, error) {
	limit = m.limit(limit)
	var messages []domain.Message
	var cursor uint64
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix(room))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch before {
		case 0:
			seekKey = append(prefix, []byte("99999999999999999999")...)
		case 1:
			return nil
		default:
			seekKey = messageKey(room, before-1)
		}

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				m.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
				cursor = messages[len(messages)-1].Seq
				break
			}
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.Deleted {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	return messages, cursor, err
}

// Undelivered returns the most recent messages of the room still at sent that
// were written by someone other than recipientID, oldest first.
func (m MessageRepository) Undelivered(room domain.RoomID, recipientID string, limit int) ([]domain.Message, error) {
	limit = m.limit(limit)
	var pending []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix(room))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(append(prefix, []byte("99999999999999999999")...)); it.ValidForPrefix(prefix); it.Next() {
			if len(pending) == limit {
				break
			}
			var msg domain.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			if msg.Deleted || msg.Status != domain.StatusSent || msg.SenderID == recipientID {
				continue
			}
			pending = append(pending, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
		pending[i], pending[j] = pending[j], pending[i]
	}
	return pending, nil
}

func (m MessageRepository) EditHistory(id uuid.UUID) ([]domain.EditHistoryEntry, error) {
	var entries []domain.EditHistoryEntry
	err := m.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, editPrefix(id), func() any {
			entries = append(entries, domain.EditHistoryEntry{})
			return &entries[len(entries)-1]
		})
	})
	return entries, err
}

func (m MessageRepository) Reactions(id uuid.UUID) ([]domain.Reaction, error) {
	var reactions []domain.Reaction
	err := m.db.View(func(txn *badger.Txn) error {
		return scanJSON(txn, reactionPrefix(id), func() any {
			reactions = append(reactions, domain.Reaction{})
			return &reactions[len(reactions)-1]
		})
	})
	return reactions, err
}

// ExpireDue soft-deletes up to limit messages whose expiry is at or before at.
func (m MessageRepository) ExpireDue(at time.Time, limit int) ([]domain.Message, error) {
	limit = m.limit(limit)
	var expired []domain.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		keys := dueExpiryKeys(txn, at, limit)
		for _, key := range keys {
			rowKey, err := txn.Get(key)
			if err != nil {
				return err
			}
			msgKey, err := rowKey.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			var msg domain.Message
			if err := getJSON(txn, msgKey, &msg); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if msg.Deleted {
				continue
			}
			markDeleted(&msg, domain.ExpiredReason, at)
			if err := setJSON(txn, msgKey, msg); err != nil {
				return err
			}
			expired = append(expired, msg)
		}
		return nil
	})
	if err != nil {
		return nil, persistenceErr(err)
	}
	return expired, nil
}

func dueExpiryKeys(txn *badger.Txn, at time.Time, limit int) [][]byte {
	prefix := []byte(expiryPrefix)
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < limit; it.Next() {
		key := it.Item().KeyCopy(nil)
		ts, err := strconv.ParseInt(string(key[len(prefix):len(prefix)+19]), 10, 64)
		if err != nil || ts > at.UnixNano() {
			break
		}
		keys = append(keys, key)
	}
	return keys
}

func scanJSON(txn *badger.Txn, prefix []byte, next func() any) error {
	options := badger.DefaultIteratorOptions
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		target := next()
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, target)
		}); err != nil {
			return err
		}
	}
	return nil
}
