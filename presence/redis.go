package presence

import (
	"chat-core/domain"
	"chat-core/errors"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineSetKey = "presence:online"

// Each script touches only the keys of one user, so every transition is atomic
// across gateway processes sharing the same Redis.
var (
	markOnlineScript = redis.NewScript(`
local before = redis.call('ZCARD', KEYS[2])
local current = redis.call('ZSCORE', KEYS[2], ARGV[1])
if (not current) or tonumber(current) < tonumber(ARGV[2]) then
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
end
redis.call('HSET', KEYS[1], 'online', '1')
redis.call('SADD', KEYS[3], ARGV[3])
if before == 0 then
	return 1
end
return 0
`)

	heartbeatScript = redis.NewScript(`
local current = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not current then
	return 0
end
if tonumber(ARGV[2]) > tonumber(current) then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
end
return 1
`)

	markOfflineScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
	return 0
end
if redis.call('ZCARD', KEYS[2]) > 0 then
	return 0
end
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
if tonumber(ARGV[2]) > last then
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
end
redis.call('HSET', KEYS[1], 'online', '0')
redis.call('SREM', KEYS[3], ARGV[3])
return 1
`)

	sweepScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'WITHSCORES')
if #stale == 0 then
	return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[2]) > 0 then
	return 0
end
local newest = string.format('%d', tonumber(stale[#stale]))
local last = tonumber(redis.call('HGET', KEYS[1], 'last_seen') or '0')
if tonumber(newest) > last then
	redis.call('HSET', KEYS[1], 'last_seen', newest)
end
redis.call('HSET', KEYS[1], 'online', '0')
redis.call('SREM', KEYS[3], ARGV[2])
return 1
`)
)

// RedisStore shares presence between gateway processes.
//
//	presence:{user}           hash  online, last_seen (unix ms)
//	presence:{user}:sessions  zset  session -> last heartbeat (unix ms)
//	presence:online           set   users with at least one session
type RedisStore struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisStore(rdb redis.UniversalClient, log *slog.Logger) *RedisStore {
	return &RedisStore{rdb: rdb, log: log}
}

func userKey(userID string) string     { return "presence:" + userID }
func sessionsKey(userID string) string { return "presence:" + userID + ":sessions" }

func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *RedisStore) MarkOnline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	keys := []string{userKey(userID), sessionsKey(userID), onlineSetKey}
	flipped, err := markOnlineScript.Run(ctx, s.rdb, keys, sessionID, millis(at), userID).Int64()
	if err != nil {
		return false, fmt.Errorf("mark online %s: %w", userID, err)
	}
	return flipped == 1, nil
}

func (s *RedisStore) Heartbeat(ctx context.Context, userID, sessionID string, at time.Time) error {
	if err := heartbeatScript.Run(ctx, s.rdb, []string{sessionsKey(userID)}, sessionID, millis(at)).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", userID, err)
	}
	return nil
}

func (s *RedisStore) MarkOffline(ctx context.Context, userID, sessionID string, at time.Time) (bool, error) {
	keys := []string{userKey(userID), sessionsKey(userID), onlineSetKey}
	flipped, err := markOfflineScript.Run(ctx, s.rdb, keys, sessionID, millis(at), userID).Int64()
	if err != nil {
		return false, fmt.Errorf("mark offline %s: %w", userID, err)
	}
	return flipped == 1, nil
}

func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.ZCard(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) LastSeen(ctx context.Context, userID string) (time.Time, error) {
	raw, err := s.rdb.HGet(ctx, userKey(userID), "last_seen").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return parseMillis(raw)
}

func (s *RedisStore) Get(ctx context.Context, userID string) (domain.PresenceRecord, error) {
	record := domain.PresenceRecord{UserID: userID}
	sessions, err := s.rdb.ZCard(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return record, err
	}
	record.Sessions = int(sessions)
	record.Online = sessions > 0
	record.LastSeen, err = s.LastSeen(ctx, userID)
	return record, err
}

// Sweep walks the online set and demotes users whose sessions all missed the grace window.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time, grace time.Duration) ([]domain.PresenceRecord, error) {
	cutoff := fmt.Sprintf("(%d", millis(now.Add(-grace)))
	var flipped []domain.PresenceRecord
	iter := s.rdb.SScan(ctx, onlineSetKey, 0, "", 100).Iterator()
	for iter.Next(ctx) {
		userID := iter.Val()
		keys := []string{userKey(userID), sessionsKey(userID), onlineSetKey}
		res, err := sweepScript.Run(ctx, s.rdb, keys, cutoff, userID).Int64()
		if err != nil {
			s.log.Warn("Presence sweep failed for user", "user_id", userID, "error", err)
			continue
		}
		if res == 1 {
			record, err := s.Get(ctx, userID)
			if err != nil {
				s.log.Warn("Unable to read swept presence", "user_id", userID, "error", err)
				record = domain.PresenceRecord{UserID: userID}
			}
			flipped = append(flipped, record)
		}
	}
	if err := iter.Err(); err != nil {
		return flipped, err
	}
	return flipped, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid last_seen %q: %w", raw, err)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms).UTC(), nil
}
