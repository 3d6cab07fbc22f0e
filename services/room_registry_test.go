package services

import (
	"chat-core/domain"
	"chat-core/repositories"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRoomRegistry_Direct_Room_Converges_Across_Nodes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	server := miniredis.RunT(t)
	newRegistry := func() *RoomRegistry {
		rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRoomRegistry(slog.Default(), repositories.NewRedisRoomRepository(rdb, slog.Default()))
	}

	// Given two gateway nodes sharing one redis
	registries := []*RoomRegistry{newRegistry(), newRegistry()}

	// When both open the direct room of the same pair at once
	const callers = 12
	ids := make([]domain.RoomID, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%3 == 0 {
				a, b = b, a
			}
			room, err := registries[i%2].GetOrCreateDirect(ctx, a, b, "acme")
			ids[i], errs[i] = room.ID, err
		}(i)
	}
	wg.Wait()

	// Then they agree on one room and both see its two members
	for i := 0; i < callers; i++ {
		req.NoError(errs[i])
		req.Equal(ids[0], ids[i])
	}
	for _, registry := range registries {
		members, err := registry.GetMembers(ctx, ids[0])
		req.NoError(err)
		req.Equal(map[string]domain.Role{"alice": domain.RoleMember, "bob": domain.RoleMember}, members)

		rooms, err := registry.ListRooms(ctx, "bob")
		req.NoError(err)
		req.Len(rooms, 1)
	}
}

func TestRoomRegistry_Membership_Change_Is_Visible_On_Other_Node_After_Invalidate(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	server := miniredis.RunT(t)
	newRegistry := func() *RoomRegistry {
		rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		return NewRoomRegistry(slog.Default(), repositories.NewRedisRoomRepository(rdb, slog.Default()))
	}
	nodeA, nodeB := newRegistry(), newRegistry()

	// Given a room whose member set node B has cached
	room, err := nodeA.CreateRoom(ctx, domain.Room{Kind: domain.RoomKindGroup}, map[string]domain.Role{"alice": domain.RoleAdmin})
	req.NoError(err)
	member, err := nodeB.IsMember(ctx, room.ID, "carol")
	req.NoError(err)
	req.False(member)

	// When node A adds carol and node B receives the invalidation
	req.NoError(nodeA.AddMember(ctx, room.ID, "carol", domain.RoleMember))
	nodeB.Invalidate(room.ID)

	// Then node B authorizes carol from the shared rows
	member, err = nodeB.IsMember(ctx, room.ID, "carol")
	req.NoError(err)
	req.True(member)
}
