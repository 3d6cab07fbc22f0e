package contract

import (
	"chat-core/domain"
	"context"
	"time"
)

// Authorizer answers membership and role questions.
// It is consulted on join and on every privileged action.
type Authorizer interface {
	IsMember(ctx context.Context, roomID domain.RoomID, userID string) (bool, error)
	Role(ctx context.Context, roomID domain.RoomID, userID string) (domain.Role, error)
}

type IRoomRegistry interface {
	Authorizer
	CreateRoom(ctx context.Context, room domain.Room, members map[string]domain.Role) (domain.Room, error)
	GetRoom(ctx context.Context, roomID domain.RoomID) (domain.Room, error)
	GetMembers(ctx context.Context, roomID domain.RoomID) (map[string]domain.Role, error)
	AddMember(ctx context.Context, roomID domain.RoomID, userID string, role domain.Role) error
	RemoveMember(ctx context.Context, roomID domain.RoomID, userID string) (*domain.Membership, error)
	GetOrCreateDirect(ctx context.Context, userA, userB, tenantID string) (domain.Room, error)
	ListRooms(ctx context.Context, userID string) ([]domain.Room, error)
	Mute(ctx context.Context, mute domain.Mute) error
	Unmute(ctx context.Context, roomID domain.RoomID, userID string) error
	IsMuted(ctx context.Context, roomID domain.RoomID, userID string, at time.Time) (bool, error)
	PurgeExpiredMutes(ctx context.Context, at time.Time) (int, error)
	MarkRead(ctx context.Context, roomID domain.RoomID, userID string, at time.Time) error
	Invalidate(roomID domain.RoomID)
}
