package repositories

import (
	"chat-core/domain"
	"chat-core/errors"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IRoomRepository interface {
	CreateRoom(room domain.Room, members map[string]domain.Role) (domain.Room, error)
	GetRoom(roomID domain.RoomID) (domain.Room, error)
	SetArchived(roomID domain.RoomID, archived bool) error
	DeleteRoom(roomID domain.RoomID, at time.Time) error
	GetOrCreateDirect(userA, userB, tenantID string, at time.Time) (domain.Room, error)
	Members(roomID domain.RoomID) ([]domain.Membership, error)
	AddMember(roomID domain.RoomID, userID string, role domain.Role, at time.Time) error
	RemoveMember(roomID domain.RoomID, userID string) (*domain.Membership, error)
	ListRoomIDs(userID string) ([]domain.RoomID, error)
	MarkRead(roomID domain.RoomID, userID string, at time.Time) error
	SetMute(mute domain.Mute) error
	DeleteMute(roomID domain.RoomID, userID string) error
	GetMute(roomID domain.RoomID, userID string) (*domain.Mute, error)
	PurgeExpiredMutes(at time.Time) (int, error)
}

// RoomRepository stores rooms, memberships and mutes in BadgerDB.
//
// Key layout:
//
//	room:{room}                 room row
//	dm:{tenant}:{low}:{high}    uniqueness constraint of a direct room, value is the room id
//	member:{room}:{user}        membership row
//	rooms-of:{user}:{room}      reverse index used to list the rooms of a user
//	mute:{room}:{user}          mute row
type RoomRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewRoomRepository(db *badger.DB, log *slog.Logger) RoomRepository {
	return RoomRepository{db: db, log: log}
}

func roomKey(id domain.RoomID) []byte {
	return []byte(fmt.Sprintf("room:%s", id))
}

func directKey(tenantID, userA, userB string) []byte {
	return []byte(directName(tenantID, userA, userB))
}

func memberPrefix(room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("member:%s:", room))
}

func memberKey(room domain.RoomID, userID string) []byte {
	return []byte(fmt.Sprintf("member:%s:%s", room, userID))
}

func roomsOfPrefix(userID string) []byte {
	return []byte(fmt.Sprintf("rooms-of:%s:", userID))
}

func roomsOfKey(userID string, room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("rooms-of:%s:%s", userID, room))
}

const mutePrefix = "mute:"

func muteKey(room domain.RoomID, userID string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", mutePrefix, room, userID))
}

func loadRoom(txn *badger.Txn, id domain.RoomID) (domain.Room, error) {
	var room domain.Room
	err := getJSON(txn, roomKey(id), &room)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Room{}, errors.ErrRoomNotFound
	}
	if err != nil {
		return domain.Room{}, err
	}
	if room.IsDeleted() {
		return domain.Room{}, errors.ErrRoomNotFound
	}
	return room, nil
}

func putMember(txn *badger.Txn, membership domain.Membership) error {
	if err := setJSON(txn, memberKey(membership.RoomID, membership.UserID), membership); err != nil {
		return err
	}
	return txn.Set(roomsOfKey(membership.UserID, membership.RoomID), []byte{})
}

// CreateRoom stores a non-direct room together with its initial members.
func (r RoomRepository) CreateRoom(room domain.Room, members map[string]domain.Role) (domain.Room, error) {
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
	err := r.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, roomKey(room.ID), room); err != nil {
			return err
		}
		for userID, role := range members {
			err := putMember(txn, domain.Membership{
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

func (r RoomRepository) GetRoom(roomID domain.RoomID) (domain.Room, error) {
	var room domain.Room
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		room, err = loadRoom(txn, roomID)
		return err
	})
	return room, err
}

func (r RoomRepository) updateRoom(roomID domain.RoomID, fn func(room *domain.Room)) error {
	return persistenceErr(r.db.Update(func(txn *badger.Txn) error {
		room, err := loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		fn(&room)
		return setJSON(txn, roomKey(roomID), room)
	}))
}

func (r RoomRepository) SetArchived(roomID domain.RoomID, archived bool) error {
	return r.updateRoom(roomID, func(room *domain.Room) { room.Archived = archived })
}

func (r RoomRepository) DeleteRoom(roomID domain.RoomID, at time.Time) error {
	return r.updateRoom(roomID, func(room *domain.Room) { room.DeletedAt = &at })
}

// GetOrCreateDirect returns the direct room of the unordered pair, creating it on first use.
// The dm key is the uniqueness constraint: two racing creators both read it absent,
// the second commit fails with ErrConflict and its retry finds the first room.
func (r RoomRepository) GetOrCreateDirect(userA, userB, tenantID string, at time.Time) (domain.Room, error) {
	if userA == "" || userB == "" || userA == userB {
		return domain.Room{}, errors.ErrInvalidDirectRoom
	}
	var room domain.Room
	var err error
	for attempt := 1; attempt <= maxConflictAttempts; attempt++ {
		err = r.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(directKey(tenantID, userA, userB))
			switch {
			case err == nil:
				id, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				room, err = loadRoom(txn, domain.RoomID(id))
				return err
			case !errors.Is(err, badger.ErrKeyNotFound):
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
			if err := setJSON(txn, roomKey(room.ID), room); err != nil {
				return err
			}
			if err := txn.Set(directKey(tenantID, userA, userB), []byte(room.ID)); err != nil {
				return err
			}
			for _, userID := range []string{userA, userB} {
				err := putMember(txn, domain.Membership{
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
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		r.log.Debug("Direct room creation conflicted, retrying", "attempt", attempt)
	}
	if err != nil {
		return domain.Room{}, persistenceErr(err)
	}
	return room, nil
}

func (r RoomRepository) Members(roomID domain.RoomID) ([]domain.Membership, error) {
	var members []domain.Membership
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		members, err = loadMembers(txn, roomID)
		return err
	})
	return members, err
}

func loadMembers(txn *badger.Txn, roomID domain.RoomID) ([]domain.Membership, error) {
	var members []domain.Membership
	prefix := memberPrefix(roomID)
	options := badger.DefaultIteratorOptions
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var membership domain.Membership
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &membership)
		}); err != nil {
			return nil, err
		}
		members = append(members, membership)
	}
	return members, nil
}

// AddMember inserts the membership, or updates the role of an existing one
// keeping its original join time.
func (r RoomRepository) AddMember(roomID domain.RoomID, userID string, role domain.Role, at time.Time) error {
	return persistenceErr(r.db.Update(func(txn *badger.Txn) error {
		room, err := loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		if room.Kind == domain.RoomKindDirect {
			return errors.ErrInvalidDirectRoom
		}
		membership := domain.Membership{RoomID: roomID, UserID: userID, Role: role, JoinedAt: at}
		var current domain.Membership
		err = getJSON(txn, memberKey(roomID, userID), &current)
		switch {
		case err == nil:
			current.Role = role
			membership = current
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return putMember(txn, membership)
	}))
}

// RemoveMember deletes the membership and the user's mute in the room.
// When the last admin leaves, the next admin is promoted in the same transaction
// and returned.
func (r RoomRepository) RemoveMember(roomID domain.RoomID, userID string) (*domain.Membership, error) {
	var promoted *domain.Membership
	err := r.db.Update(func(txn *badger.Txn) error {
		room, err := loadRoom(txn, roomID)
		if err != nil {
			return err
		}
		if room.Kind == domain.RoomKindDirect {
			return errors.ErrInvalidDirectRoom
		}
		members, err := loadMembers(txn, roomID)
		if err != nil {
			return err
		}
		leaving, found := lo.Find(members, func(m domain.Membership) bool { return m.UserID == userID })
		if !found {
			return errors.ErrNotAMember
		}
		for _, key := range [][]byte{memberKey(roomID, userID), roomsOfKey(userID, roomID), muteKey(roomID, userID)} {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		if leaving.Role != domain.RoleAdmin {
			return nil
		}
		remaining := lo.Filter(members, func(m domain.Membership, _ int) bool { return m.UserID != userID })
		if lo.ContainsBy(remaining, func(m domain.Membership) bool { return m.Role == domain.RoleAdmin }) {
			return nil
		}
		next, ok := domain.NextAdmin(remaining)
		if !ok {
			return nil
		}
		next.Role = domain.RoleAdmin
		promoted = &next
		return putMember(txn, next)
	})
	if err != nil {
		return nil, persistenceErr(err)
	}
	return promoted, nil
}

func (r RoomRepository) ListRoomIDs(userID string) ([]domain.RoomID, error) {
	var ids []domain.RoomID
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := roomsOfPrefix(userID)
		for _, key := range prefixKeys(txn, prefix) {
			ids = append(ids, domain.RoomID(strings.TrimPrefix(string(key), string(prefix))))
		}
		return nil
	})
	return ids, err
}

// MarkRead moves last_read_at forward, never backward.
func (r RoomRepository) MarkRead(roomID domain.RoomID, userID string, at time.Time) error {
	return persistenceErr(r.db.Update(func(txn *badger.Txn) error {
		var membership domain.Membership
		err := getJSON(txn, memberKey(roomID, userID), &membership)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return errors.ErrNotAMember
		}
		if err != nil {
			return err
		}
		if membership.LastReadAt != nil && !at.After(*membership.LastReadAt) {
			return nil
		}
		membership.LastReadAt = &at
		return setJSON(txn, memberKey(roomID, userID), membership)
	}))
}

func (r RoomRepository) SetMute(mute domain.Mute) error {
	return persistenceErr(r.db.Update(func(txn *badger.Txn) error {
		found, err := exists(txn, memberKey(mute.RoomID, mute.UserID))
		if err != nil {
			return err
		}
		if !found {
			return errors.ErrNotAMember
		}
		return setJSON(txn, muteKey(mute.RoomID, mute.UserID), mute)
	}))
}

func (r RoomRepository) DeleteMute(roomID domain.RoomID, userID string) error {
	return persistenceErr(r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(muteKey(roomID, userID))
	}))
}

func (r RoomRepository) GetMute(roomID domain.RoomID, userID string) (*domain.Mute, error) {
	var mute domain.Mute
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, muteKey(roomID, userID), &mute)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mute, nil
}

// PurgeExpiredMutes removes mutes whose muted_until has passed.
func (r RoomRepository) PurgeExpiredMutes(at time.Time) (int, error) {
	var purged int
	err := r.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(mutePrefix)
		var expired [][]byte
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var mute domain.Mute
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &mute)
			}); err != nil {
				it.Close()
				return err
			}
			if !mute.ActiveAt(at) {
				expired = append(expired, it.Item().KeyCopy(nil))
			}
		}
		it.Close()
		for _, key := range expired {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	return purged, persistenceErr(err)
}
