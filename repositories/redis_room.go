package repositories

import (
	"chat-core/domain"
	"chat-core/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// redisTimeout bounds a single repository call against redis.
const redisTimeout = 5 * time.Second

var _ IRoomRepository = RedisRoomRepository{}

// RedisRoomRepository stores rooms, memberships and mutes in redis so that
// every gateway node of a cluster reads and writes the same rows.
// Read-modify-write calls run under WATCH/MULTI and a concurrent writer aborts
// them with redis.TxFailedErr, reported as errors.ErrTransientPersistence.
//
// Key layout:
//
//	chat:room:{room}                 room row
//	chat:dm:{tenant}:{low}:{high}    uniqueness constraint of a direct room, value is the room id
//	chat:members:{room}              hash of user to membership row
//	chat:rooms-of:{user}             set of room ids
//	chat:mutes:{room}                hash of user to mute row
//	chat:muted-rooms                 set of rooms that hold mutes, walked by the purge
type RedisRoomRepository struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisRoomRepository(rdb redis.UniversalClient, log *slog.Logger) RedisRoomRepository {
	return RedisRoomRepository{rdb: rdb, log: log}
}

const mutedRoomsKey = "chat:muted-rooms"

func redisRoomKey(id domain.RoomID) string {
	return fmt.Sprintf("chat:room:%s", id)
}

func redisDirectKey(tenantID, userA, userB string) string {
	return "chat:" + directName(tenantID, userA, userB)
}

func membersKey(room domain.RoomID) string {
	return fmt.Sprintf("chat:members:%s", room)
}

func redisRoomsOfKey(userID string) string {
	return fmt.Sprintf("chat:rooms-of:%s", userID)
}

func mutesKey(room domain.RoomID) string {
	return fmt.Sprintf("chat:mutes:%s", room)
}

func redisContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisTimeout)
}

func readRoom(ctx context.Context, rdb redis.Cmdable, id domain.RoomID) (domain.Room, error) {
	data, err := rdb.Get(ctx, redisRoomKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Room{}, errors.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, err
	}
	var room domain.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return domain.Room{}, err
	}
	if room.IsDeleted() {
		return domain.Room{}, errors.ErrRoomNotFound
	}
	return room, nil
}

func readMembers(ctx context.Context, rdb redis.Cmdable, id domain.RoomID) ([]domain.Membership, error) {
	rows, err := rdb.HVals(ctx, membersKey(id)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]domain.Membership, 0, len(rows))
	for _, row := range rows {
		var membership domain.Membership
		if err := json.Unmarshal([]byte(row), &membership); err != nil {
			return nil, err
		}
		members = append(members, membership)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })
	return members, nil
}

func queueRoom(ctx context.Context, pipe redis.Pipeliner, room domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	pipe.Set(ctx, redisRoomKey(room.ID), data, 0)
	return nil
}

func queueMember(ctx context.Context, pipe redis.Pipeliner, membership domain.Membership) error {
	data, err := json.Marshal(membership)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, membersKey(membership.RoomID), membership.UserID, data)
	pipe.SAdd(ctx, redisRoomsOfKey(membership.UserID), string(membership.RoomID))
	return nil
}

// CreateRoom stores a non-direct room together with its initial members.
func (r RedisRoomRepository) CreateRoom(room domain.Room, members map[string]domain.Role) (domain.Room, error) {
	if room.Kind == domain.RoomKindDirect {
		return domain.Room{}, errors.ErrInvalidDirectRoom
	}
	if !room.Kind.Valid() {
		return domain.Room{}, fmt.Errorf("unknown room kind %q", room.Kind)
	}
	if room.ID == "" {
		room.ID = domain.RoomID(uuid.NewString())
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := redisContext()
	defer cancel()
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := queueRoom(ctx, pipe, room); err != nil {
			return err
		}
		for userID, role := range members {
			err := queueMember(ctx, pipe, domain.Membership{
				RoomID:   room.ID,
				UserID:   userID,
				Role:     role,
				JoinedAt: room.CreatedAt,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Room{}, persistenceErr(err)
	}
	return room, nil
}

func (r RedisRoomRepository) GetRoom(roomID domain.RoomID) (domain.Room, error) {
	ctx, cancel := redisContext()
	defer cancel()
	return readRoom(ctx, r.rdb, roomID)
}

func (r RedisRoomRepository) updateRoom(roomID domain.RoomID, fn func(room *domain.Room)) error {
	ctx, cancel := redisContext()
	defer cancel()
	return persistenceErr(r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		room, err := readRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		fn(&room)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueRoom(ctx, pipe, room)
		})
		return err
	}, redisRoomKey(roomID)))
}

func (r RedisRoomRepository) SetArchived(roomID domain.RoomID, archived bool) error {
	return r.updateRoom(roomID, func(room *domain.Room) { room.Archived = archived })
}

func (r RedisRoomRepository) DeleteRoom(roomID domain.RoomID, at time.Time) error {
	return r.updateRoom(roomID, func(room *domain.Room) { room.DeletedAt = &at })
}

// GetOrCreateDirect returns the direct room of the unordered pair, creating it on first use.
// The dm key is watched: when two nodes race, the slower EXEC aborts and its
// retry reads the room the faster node created.
func (r RedisRoomRepository) GetOrCreateDirect(userA, userB, tenantID string, at time.Time) (domain.Room, error) {
	if userA == "" || userB == "" || userA == userB {
		return domain.Room{}, errors.ErrInvalidDirectRoom
	}
	ctx, cancel := redisContext()
	defer cancel()
	key := redisDirectKey(tenantID, userA, userB)
	var room domain.Room
	var err error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		err = r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			id, err := tx.Get(ctx, key).Result()
			switch {
			case err == nil:
				room, err = readRoom(ctx, tx, domain.RoomID(id))
				return err
			case !errors.Is(err, redis.Nil):
				return err
			}

			room = domain.Room{
				ID:        domain.RoomID(uuid.NewString()),
				Kind:      domain.RoomKindDirect,
				Private:   true,
				CreatorID: userA,
				TenantID:  tenantID,
				CreatedAt: at,
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if err := queueRoom(ctx, pipe, room); err != nil {
					return err
				}
				pipe.Set(ctx, key, string(room.ID), 0)
				for _, userID := range []string{userA, userB} {
					err := queueMember(ctx, pipe, domain.Membership{
						RoomID:   room.ID,
						UserID:   userID,
						Role:     domain.RoleMember,
						JoinedAt: at,
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		r.log.Debug("Direct room creation conflicted, retrying", "attempt", attempt)
	}
	if err != nil {
		return domain.Room{}, persistenceErr(err)
	}
	return room, nil
}

func (r RedisRoomRepository) Members(roomID domain.RoomID) ([]domain.Membership, error) {
	ctx, cancel := redisContext()
	defer cancel()
	return readMembers(ctx, r.rdb, roomID)
}

// AddMember inserts the membership, or updates the role of an existing one
// keeping its original join time.
func (r RedisRoomRepository) AddMember(roomID domain.RoomID, userID string, role domain.Role, at time.Time) error {
	ctx, cancel := redisContext()
	defer cancel()
	return persistenceErr(r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		room, err := readRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.Kind == domain.RoomKindDirect {
			return errors.ErrInvalidDirectRoom
		}
		membership := domain.Membership{RoomID: roomID, UserID: userID, Role: role, JoinedAt: at}
		data, err := tx.HGet(ctx, membersKey(roomID), userID).Bytes()
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &membership); err != nil {
				return err
			}
			membership.Role = role
		case !errors.Is(err, redis.Nil):
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueMember(ctx, pipe, membership)
		})
		return err
	}, redisRoomKey(roomID), membersKey(roomID)))
}

// RemoveMember deletes the membership and the user's mute in the room.
// When the last admin leaves, the next admin is promoted in the same transaction
// and returned.
func (r RedisRoomRepository) RemoveMember(roomID domain.RoomID, userID string) (*domain.Membership, error) {
	ctx, cancel := redisContext()
	defer cancel()
	var promoted *domain.Membership
	err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		promoted = nil
		room, err := readRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		if room.Kind == domain.RoomKindDirect {
			return errors.ErrInvalidDirectRoom
		}
		members, err := readMembers(ctx, tx, roomID)
		if err != nil {
			return err
		}
		leaving, found := lo.Find(members, func(m domain.Membership) bool { return m.UserID == userID })
		if !found {
			return errors.ErrNotAMember
		}
		remaining := lo.Filter(members, func(m domain.Membership, _ int) bool { return m.UserID != userID })
		if leaving.Role == domain.RoleAdmin &&
			!lo.ContainsBy(remaining, func(m domain.Membership) bool { return m.Role == domain.RoleAdmin }) {
			if next, ok := domain.NextAdmin(remaining); ok {
				next.Role = domain.RoleAdmin
				promoted = &next
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, membersKey(roomID), userID)
			pipe.SRem(ctx, redisRoomsOfKey(userID), string(roomID))
			pipe.HDel(ctx, mutesKey(roomID), userID)
			if promoted != nil {
				return queueMember(ctx, pipe, *promoted)
			}
			return nil
		})
		return err
	}, redisRoomKey(roomID), membersKey(roomID))
	if err != nil {
		return nil, persistenceErr(err)
	}
	return promoted, nil
}

func (r RedisRoomRepository) ListRoomIDs(userID string) ([]domain.RoomID, error) {
	ctx, cancel := redisContext()
	defer cancel()
	ids, err := r.rdb.SMembers(ctx, redisRoomsOfKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return lo.Map(ids, func(id string, _ int) domain.RoomID { return domain.RoomID(id) }), nil
}

// MarkRead moves last_read_at forward, never backward.
func (r RedisRoomRepository) MarkRead(roomID domain.RoomID, userID string, at time.Time) error {
	ctx, cancel := redisContext()
	defer cancel()
	return persistenceErr(r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.HGet(ctx, membersKey(roomID), userID).Bytes()
		if errors.Is(err, redis.Nil) {
			return errors.ErrNotAMember
		}
		if err != nil {
			return err
		}
		var membership domain.Membership
		if err := json.Unmarshal(data, &membership); err != nil {
			return err
		}
		if membership.LastReadAt != nil && !at.After(*membership.LastReadAt) {
			return nil
		}
		membership.LastReadAt = &at
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queueMember(ctx, pipe, membership)
		})
		return err
	}, membersKey(roomID)))
}

func (r RedisRoomRepository) SetMute(mute domain.Mute) error {
	data, err := json.Marshal(mute)
	if err != nil {
		return err
	}
	ctx, cancel := redisContext()
	defer cancel()
	return persistenceErr(r.rdb.Watch(ctx, func(tx *redis.Tx) error {
		found, err := tx.HExists(ctx, membersKey(mute.RoomID), mute.UserID).Result()
		if err != nil {
			return err
		}
		if !found {
			return errors.ErrNotAMember
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, mutesKey(mute.RoomID), mute.UserID, data)
			pipe.SAdd(ctx, mutedRoomsKey, string(mute.RoomID))
			return nil
		})
		return err
	}, membersKey(mute.RoomID)))
}

func (r RedisRoomRepository) DeleteMute(roomID domain.RoomID, userID string) error {
	ctx, cancel := redisContext()
	defer cancel()
	return r.rdb.HDel(ctx, mutesKey(roomID), userID).Err()
}

func (r RedisRoomRepository) GetMute(roomID domain.RoomID, userID string) (*domain.Mute, error) {
	ctx, cancel := redisContext()
	defer cancel()
	data, err := r.rdb.HGet(ctx, mutesKey(roomID), userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mute domain.Mute
	if err := json.Unmarshal(data, &mute); err != nil {
		return nil, err
	}
	return &mute, nil
}

// PurgeExpiredMutes removes mutes whose muted_until has passed. A room whose
// mutes change during the sweep is skipped and picked up by the next one.
func (r RedisRoomRepository) PurgeExpiredMutes(at time.Time) (int, error) {
	ctx, cancel := redisContext()
	defer cancel()
	rooms, err := r.rdb.SMembers(ctx, mutedRoomsKey).Result()
	if err != nil {
		return 0, err
	}
	var purged int
	for _, room := range rooms {
		key := mutesKey(domain.RoomID(room))
		var expired []string
		err := r.rdb.Watch(ctx, func(tx *redis.Tx) error {
			rows, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			expired = expired[:0]
			for userID, row := range rows {
				var mute domain.Mute
				if err := json.Unmarshal([]byte(row), &mute); err != nil {
					return err
				}
				if !mute.ActiveAt(at) {
					expired = append(expired, userID)
				}
			}
			if len(expired) == 0 {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, key, expired...)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			r.log.Debug("Mute purge conflicted, skipping room", "room_id", room)
			continue
		}
		if err != nil {
			return purged, err
		}
		purged += len(expired)
	}
	return purged, nil
}
