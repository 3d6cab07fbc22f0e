package services

import (
	"chat-core/domain"
	"chat-core/errors"
	"chat-core/repositories"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MembershipListener is told about every membership change after it committed.
type MembershipListener func(ctx context.Context, roomID domain.RoomID, userID string, removed bool)

// RoomRegistry owns rooms and memberships. Member sets are cached per room;
// the cache is a read-through copy and every mutation drops the entry before
// listeners run, so a removed user is never authorized from a stale set.
type RoomRegistry struct {
	log       *slog.Logger
	repo      repositories.IRoomRepository
	mu        sync.RWMutex
	members   map[domain.RoomID]map[string]domain.Role
	versions  map[domain.RoomID]uint64
	listeners []MembershipListener
	now       func() time.Time
}

func NewRoomRegistry(log *slog.Logger, repo repositories.IRoomRepository) *RoomRegistry {
	return &RoomRegistry{
		log:      log,
		repo:     repo,
		members:  make(map[domain.RoomID]map[string]domain.Role),
		versions: make(map[domain.RoomID]uint64),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *RoomRegistry) OnMembershipChange(listener MembershipListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
}

// Invalidate drops the cached member set of a room.
func (r *RoomRegistry) Invalidate(roomID domain.RoomID) {
	r.mu.Lock()
	delete(r.members, roomID)
	r.versions[roomID]++
	r.mu.Unlock()
}

func (r *RoomRegistry) notify(ctx context.Context, roomID domain.RoomID, userID string, removed bool) {
	r.Invalidate(roomID)
	r.mu.RLock()
	listeners := append([]MembershipListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, listener := range listeners {
		listener(ctx, roomID, userID, removed)
	}
}

func (r *RoomRegistry) CreateRoom(_ context.Context, room domain.Room, members map[string]domain.Role) (domain.Room, error) {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = r.now()
	}
	return r.repo.CreateRoom(room, members)
}

func (r *RoomRegistry) GetRoom(_ context.Context, roomID domain.RoomID) (domain.Room, error) {
	return r.repo.GetRoom(roomID)
}

func (r *RoomRegistry) SetArchived(_ context.Context, roomID domain.RoomID, archived bool) error {
	if err := r.repo.SetArchived(roomID, archived); err != nil {
		return err
	}
	r.Invalidate(roomID)
	return nil
}

// GetMembers returns a copy of the member set with roles.
func (r *RoomRegistry) GetMembers(_ context.Context, roomID domain.RoomID) (map[string]domain.Role, error) {
	r.mu.RLock()
	cached, ok := r.members[roomID]
	version := r.versions[roomID]
	r.mu.RUnlock()
	if ok {
		return lo.Assign(cached), nil
	}

	if _, err := r.repo.GetRoom(roomID); err != nil {
		return nil, err
	}
	memberships, err := r.repo.Members(roomID)
	if err != nil {
		return nil, err
	}
	set := lo.SliceToMap(memberships, func(m domain.Membership) (string, domain.Role) {
		return m.UserID, m.Role
	})
	// A load that raced an invalidation is served but not cached.
	r.mu.Lock()
	if r.versions[roomID] == version {
		r.members[roomID] = set
	}
	r.mu.Unlock()
	return lo.Assign(set), nil
}

func (r *RoomRegistry) IsMember(ctx context.Context, roomID domain.RoomID, userID string) (bool, error) {
	members, err := r.GetMembers(ctx, roomID)
	if err != nil {
		return false, err
	}
	_, ok := members[userID]
	return ok, nil
}

func (r *RoomRegistry) Role(ctx context.Context, roomID domain.RoomID, userID string) (domain.Role, error) {
	members, err := r.GetMembers(ctx, roomID)
	if err != nil {
		return "", err
	}
	role, ok := members[userID]
	if !ok {
		return "", errors.ErrNotAMember
	}
	return role, nil
}

func (r *RoomRegistry) AddMember(ctx context.Context, roomID domain.RoomID, userID string, role domain.Role) error {
	if err := r.repo.AddMember(roomID, userID, role, r.now()); err != nil {
		return err
	}
	r.notify(ctx, roomID, userID, false)
	return nil
}

// RemoveMember removes the user and returns the member promoted to admin, if any.
func (r *RoomRegistry) RemoveMember(ctx context.Context, roomID domain.RoomID, userID string) (*domain.Membership, error) {
	promoted, err := r.repo.RemoveMember(roomID, userID)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		r.log.Info("Last admin left, promoted next member", "room_id", roomID, "user_id", promoted.UserID)
	}
	r.notify(ctx, roomID, userID, true)
	return promoted, nil
}

func (r *RoomRegistry) GetOrCreateDirect(_ context.Context, userA, userB, tenantID string) (domain.Room, error) {
	return r.repo.GetOrCreateDirect(userA, userB, tenantID, r.now())
}

func (r *RoomRegistry) ListRooms(_ context.Context, userID string) ([]domain.Room, error) {
	ids, err := r.repo.ListRoomIDs(userID)
	if err != nil {
		return nil, err
	}
	rooms := make([]domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.repo.GetRoom(id)
		if errors.Is(err, errors.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (r *RoomRegistry) Mute(_ context.Context, mute domain.Mute) error {
	return r.repo.SetMute(mute)
}

func (r *RoomRegistry) Unmute(_ context.Context, roomID domain.RoomID, userID string) error {
	return r.repo.DeleteMute(roomID, userID)
}

func (r *RoomRegistry) IsMuted(_ context.Context, roomID domain.RoomID, userID string, at time.Time) (bool, error) {
	mute, err := r.repo.GetMute(roomID, userID)
	if err != nil || mute == nil {
		return false, err
	}
	return mute.ActiveAt(at), nil
}

func (r *RoomRegistry) PurgeExpiredMutes(_ context.Context, at time.Time) (int, error) {
	return r.repo.PurgeExpiredMutes(at)
}

// MarkRead updates the read marker. Mutes never affect read state.
func (r *RoomRegistry) MarkRead(_ context.Context, roomID domain.RoomID, userID string, at time.Time) error {
	return r.repo.MarkRead(roomID, userID, at)
}
