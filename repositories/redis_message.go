package repositories

import (
	"chat-core/contract"
	"chat-core/domain"
	"chat-core/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// scanBatch is how many log entries a history walk fetches per round trip.
const scanBatch = 100

var _ contract.IMessageStore = RedisMessageRepository{}

// RedisMessageRepository is the shared counterpart of MessageRepository, used
// when several gateway nodes serve the same rooms.
//
// Key layout:
//
//	chat:seq:{room}          last assigned sequence number
//	chat:log:{room}          sorted set of message ids scored by seq
//	chat:msg:{id}            message row
//	chat:edits:{id}          list of edit history entries, oldest first
//	chat:receipts:{id}       hash of user to read receipt
//	chat:reactions:{id}      hash of "{user}\x00{emoji}" to reaction
//	chat:expiry              sorted set of message ids scored by expiry (unix ms)
//
// Append watches the room sequence and every mutation watches the message row,
// so racing writers on different nodes end with one redis.TxFailedErr.
type RedisMessageRepository struct {
	rdb           redis.UniversalClient
	log           *slog.Logger
	limitMessages *int
}

func NewRedisMessageRepository(rdb redis.UniversalClient, log *slog.Logger, limitMessages *int) RedisMessageRepository {
	return RedisMessageRepository{rdb: rdb, log: log, limitMessages: limitMessages}
}

const redisExpiryKey = "chat:expiry"

func redisSeqKey(room domain.RoomID) string {
	return fmt.Sprintf("chat:seq:%s", room)
}

func logKey(room domain.RoomID) string {
	return fmt.Sprintf("chat:log:%s", room)
}

func redisMessageKey(id uuid.UUID) string {
	return fmt.Sprintf("chat:msg:%s", id)
}

func editsKey(id uuid.UUID) string {
	return fmt.Sprintf("chat:edits:%s", id)
}

func receiptsKey(id uuid.UUID) string {
	return fmt.Sprintf("chat:receipts:%s", id)
}

func reactionsKey(id uuid.UUID) string {
	return fmt.Sprintf("chat:reactions:%s", id)
}

func reactionField(userID, emoji string) string {
	return userID + "\x00" + emoji
}

func readMessage(ctx context.Context, rdb redis.Cmdable, id uuid.UUID) (domain.Message, error) {
	data, err := rdb.Get(ctx, redisMessageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Message{}, errors.ErrMessageNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// Append assigns the message id and the next room sequence number, and stores
// the row at status sent, all in one transaction.
func (m RedisMessageRepository) Append(msg domain.Message) (domain.Message, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Message{}, err
	}
	msg.ID = id
	msg.Status = domain.StatusSent
	msg.Deleted = false
	ctx, cancel := redisContext()
	defer cancel()
	key := redisSeqKey(msg.RoomID)
	err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		msg.Seq = current + 1
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, msg.Seq, 0)
			pipe.Set(ctx, redisMessageKey(msg.ID), data, 0)
			pipe.ZAdd(ctx, logKey(msg.RoomID), redis.Z{Score: float64(msg.Seq), Member: msg.ID.String()})
			if msg.ExpiresAt != nil {
				pipe.ZAdd(ctx, redisExpiryKey, redis.Z{Score: float64(msg.ExpiresAt.UnixMilli()), Member: msg.ID.String()})
			}
			return nil
		})
		return err
	}, key)
	if err != nil {
		return domain.Message{}, persistenceErr(err)
	}
	return msg, nil
}

func (m RedisMessageRepository) Get(id uuid.UUID) (domain.Message, error) {
	ctx, cancel := redisContext()
	defer cancel()
	return readMessage(ctx, m.rdb, id)
}

// mutation inspects the current row. It reports whether the row changed and
// may queue writes of its own records next to the row update.
type mutation func(ctx context.Context, tx *redis.Tx, msg *domain.Message) (changed bool, writes func(pipe redis.Pipeliner), err error)

// mutate applies fn to the current row under WATCH of the row and of the given keys.
func (m RedisMessageRepository) mutate(id uuid.UUID, fn mutation, watched ...string) (domain.Message, bool, error) {
	ctx, cancel := redisContext()
	defer cancel()
	var out domain.Message
	var changed bool
	key := redisMessageKey(id)
	err := m.rdb.Watch(ctx, func(tx *redis.Tx) error {
		msg, err := readMessage(ctx, tx, id)
		if err != nil {
			return err
		}
		var writes func(pipe redis.Pipeliner)
		changed, writes, err = fn(ctx, tx, &msg)
		if err != nil {
			return err
		}
		out = msg
		if !changed && writes == nil {
			return nil
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if changed {
				pipe.Set(ctx, key, data, 0)
			}
			if writes != nil {
				writes(pipe)
			}
			return nil
		})
		return err
	}, append([]string{key}, watched...)...)
	if err != nil {
		return domain.Message{}, false, persistenceErr(err)
	}
	return out, changed, nil
}

// Edit appends the previous body to the edit history and replaces it.
// Only the sender may edit, and never once the message is deleted.
func (m RedisMessageRepository) Edit(id uuid.UUID, editorID, content string, at time.Time) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(ctx context.Context, _ *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if msg.Deleted {
			return false, nil, errors.ErrAlreadyDeleted
		}
		if msg.SenderID != editorID {
			return false, nil, errors.ErrForbidden
		}
		entry, err := json.Marshal(domain.EditHistoryEntry{MessageID: id, PreviousContent: msg.Content, EditedAt: at})
		if err != nil {
			return false, nil, err
		}
		msg.Content = content
		msg.EditedAt = &at
		return true, func(pipe redis.Pipeliner) { pipe.RPush(ctx, editsKey(id), entry) }, nil
	})
	return msg, err
}

// SoftDelete flags the message as deleted. The row and its edit history stay.
// authorize runs against the current row inside the transaction.
func (m RedisMessageRepository) SoftDelete(id uuid.UUID, reason string, at time.Time, authorize func(domain.Message) error) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(ctx context.Context, _ *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if msg.Deleted {
			return false, nil, errors.ErrAlreadyDeleted
		}
		if authorize != nil {
			if err := authorize(*msg); err != nil {
				return false, nil, err
			}
		}
		markDeleted(msg, reason, at)
		return true, func(pipe redis.Pipeliner) { pipe.ZRem(ctx, redisExpiryKey, id.String()) }, nil
	})
	return msg, err
}

// AdvanceStatus moves the lifecycle forward. Backward or equal moves are ignored.
func (m RedisMessageRepository) AdvanceStatus(id uuid.UUID, to domain.Status) (domain.Message, bool, error) {
	return m.mutate(id, func(_ context.Context, _ *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if !msg.Status.CanAdvanceTo(to) {
			return false, nil, nil
		}
		msg.Status = to
		return true, nil, nil
	})
}

func (m RedisMessageRepository) AddReaction(reaction domain.Reaction) (domain.Message, error) {
	key := reactionsKey(reaction.MessageID)
	field := reactionField(reaction.UserID, reaction.Emoji)
	msg, _, err := m.mutate(reaction.MessageID, func(ctx context.Context, tx *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if msg.Deleted {
			return false, nil, errors.ErrAlreadyDeleted
		}
		found, err := tx.HExists(ctx, key, field).Result()
		if err != nil {
			return false, nil, err
		}
		if found {
			return false, nil, errors.ErrDuplicateReaction
		}
		data, err := json.Marshal(reaction)
		if err != nil {
			return false, nil, err
		}
		return false, func(pipe redis.Pipeliner) { pipe.HSet(ctx, key, field, data) }, nil
	}, key)
	return msg, err
}

func (m RedisMessageRepository) RemoveReaction(reaction domain.Reaction) (domain.Message, error) {
	key := reactionsKey(reaction.MessageID)
	field := reactionField(reaction.UserID, reaction.Emoji)
	msg, _, err := m.mutate(reaction.MessageID, func(ctx context.Context, tx *redis.Tx, _ *domain.Message) (bool, func(redis.Pipeliner), error) {
		found, err := tx.HExists(ctx, key, field).Result()
		if err != nil {
			return false, nil, err
		}
		if !found {
			return false, nil, errors.ErrReactionNotFound
		}
		return false, func(pipe redis.Pipeliner) { pipe.HDel(ctx, key, field) }, nil
	}, key)
	return msg, err
}

// AddReadReceipt stores the receipt and moves the message to seen when the
// reader is not the sender. The boolean reports a status change.
func (m RedisMessageRepository) AddReadReceipt(receipt domain.ReadReceipt) (domain.Message, bool, error) {
	key := receiptsKey(receipt.MessageID)
	return m.mutate(receipt.MessageID, func(ctx context.Context, tx *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if msg.Deleted {
			return false, nil, errors.ErrAlreadyDeleted
		}
		found, err := tx.HExists(ctx, key, receipt.UserID).Result()
		if err != nil {
			return false, nil, err
		}
		if found {
			return false, nil, errors.ErrDuplicateReadReceipt
		}
		data, err := json.Marshal(receipt)
		if err != nil {
			return false, nil, err
		}
		writes := func(pipe redis.Pipeliner) { pipe.HSet(ctx, key, receipt.UserID, data) }
		if receipt.UserID == msg.SenderID || !msg.Status.CanAdvanceTo(domain.StatusSeen) {
			return false, writes, nil
		}
		msg.Status = domain.StatusSeen
		return true, writes, nil
	}, key)
}

func (m RedisMessageRepository) SetPinned(id uuid.UUID, pinned bool) (domain.Message, error) {
	msg, _, err := m.mutate(id, func(_ context.Context, _ *redis.Tx, msg *domain.Message) (bool, func(redis.Pipeliner), error) {
		if msg.Deleted {
			return false, nil, errors.ErrAlreadyDeleted
		}
		if msg.Pinned == pinned {
			return false, nil, nil
		}
		msg.Pinned = pinned
		return true, nil, nil
	})
	return msg, err
}

func (m RedisMessageRepository) limit(requested int) int {
	if requested > 0 {
		return requested
	}
	if m.limitMessages != nil {
		return *m.limitMessages
	}
	return 50
}

// walkLog visits the messages of a room newest first, starting below the
// exclusive upper seq bound (zero means from the latest), until visit returns false.
func (m RedisMessageRepository) walkLog(ctx context.Context, room domain.RoomID, below uint64, visit func(domain.Message) bool) error {
	upper := "+inf"
	if below > 0 {
		upper = "(" + strconv.FormatUint(below, 10)
	}
	for {
		entries, err := m.rdb.ZRevRangeByScoreWithScores(ctx, logKey(room), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   upper,
			Count: scanBatch,
		}).Result()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		keys := lo.Map(entries, func(entry redis.Z, _ int) string {
			return fmt.Sprintf("chat:msg:%v", entry.Member)
		})
		rows, err := m.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, row := range rows {
			data, ok := row.(string)
			if !ok {
				continue
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(data), &msg); err != nil {
				return err
			}
			if !visit(msg) {
				return nil
			}
		}
		if len(entries) < scanBatch {
			return nil
		}
		upper = "(" + strconv.FormatFloat(entries[len(entries)-1].Score, 'f', 0, 64)
	}
}

// History walks a room backwards from the cursor, newest first, hiding deleted messages.
// A zero before starts from the latest message. The returned cursor is zero once
// the beginning of the room is reached.
func (m RedisMessageRepository) History(room domain.RoomID, before uint64, limit int) ([]domain.Message, uint64, error) {
	if before == 1 {
		return nil, 0, nil
	}
	limit = m.limit(limit)
	ctx, cancel := redisContext()
	defer cancel()
	var messages []domain.Message
	var cursor uint64
	err := m.walkLog(ctx, room, before, func(msg domain.Message) bool {
		if len(messages) == limit {
			m.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
			cursor = messages[len(messages)-1].Seq
			return false
		}
		if !msg.Deleted {
			messages = append(messages, msg)
		}
		return true
	})
	return messages, cursor, err
}

// Undelivered returns the most recent messages of the room still at sent that
// were written by someone other than recipientID, oldest first.
func (m RedisMessageRepository) Undelivered(room domain.RoomID, recipientID string, limit int) ([]domain.Message, error) {
	limit = m.limit(limit)
	ctx, cancel := redisContext()
	defer cancel()
	var pending []domain.Message
	err := m.walkLog(ctx, room, 0, func(msg domain.Message) bool {
		if len(pending) == limit {
			return false
		}
		if !msg.Deleted && msg.Status == domain.StatusSent && msg.SenderID != recipientID {
			pending = append(pending, msg)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return lo.Reverse(pending), nil
}

func (m RedisMessageRepository) EditHistory(id uuid.UUID) ([]domain.EditHistoryEntry, error) {
	ctx, cancel := redisContext()
	defer cancel()
	rows, err := m.rdb.LRange(ctx, editsKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var entries []domain.EditHistoryEntry
	for _, row := range rows {
		var entry domain.EditHistoryEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Reactions lists the reactions of a message ordered by user, then emoji.
func (m RedisMessageRepository) Reactions(id uuid.UUID) ([]domain.Reaction, error) {
	ctx, cancel := redisContext()
	defer cancel()
	rows, err := m.rdb.HVals(ctx, reactionsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	var reactions []domain.Reaction
	for _, row := range rows {
		var reaction domain.Reaction
		if err := json.Unmarshal([]byte(row), &reaction); err != nil {
			return nil, err
		}
		reactions = append(reactions, reaction)
	}
	sort.Slice(reactions, func(i, j int) bool {
		if reactions[i].UserID != reactions[j].UserID {
			return reactions[i].UserID < reactions[j].UserID
		}
		return reactions[i].Emoji < reactions[j].Emoji
	})
	return reactions, nil
}

// ExpireDue soft-deletes up to limit messages whose expiry is at or before at.
// A message mutated by another node during the sweep is left for the next one.
func (m RedisMessageRepository) ExpireDue(at time.Time, limit int) ([]domain.Message, error) {
	limit = m.limit(limit)
	ctx, cancel := redisContext()
	defer cancel()
	ids, err := m.rdb.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(at.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	var expired []domain.Message
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			m.log.Warn("Dropping malformed expiry entry", "member", raw)
			m.rdb.ZRem(ctx, redisExpiryKey, raw)
			continue
		}
		var done *domain.Message
		err = m.rdb.Watch(ctx, func(tx *redis.Tx) error {
			done = nil
			msg, err := readMessage(ctx, tx, id)
			if err != nil && !errors.Is(err, errors.ErrMessageNotFound) {
				return err
			}
			live := err == nil && !msg.Deleted
			if live {
				markDeleted(&msg, domain.ExpiredReason, at)
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, redisExpiryKey, raw)
				if live {
					pipe.Set(ctx, redisMessageKey(id), data, 0)
				}
				return nil
			})
			if err == nil && live {
				done = &msg
			}
			return err
		}, redisMessageKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			m.log.Debug("Expiry conflicted, leaving message for the next sweep", "message_id", id)
			continue
		}
		if err != nil {
			return expired, err
		}
		if done != nil {
			expired = append(expired, *done)
		}
	}
	return expired, nil
}
