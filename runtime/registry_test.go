package runtime

import (
	"chat-core/domain"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Sink is an in-memory session with a bounded outbound buffer.
type Sink struct {
	id     string
	userID string
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newSink(userID string, buffer int) *Sink {
	return &Sink{id: uuid.NewString(), userID: userID, out: make(chan []byte, buffer), closed: make(chan struct{})}
}

func (s *Sink) ID() string     { return s.id }
func (s *Sink) UserID() string { return s.userID }

func (s *Sink) Deliver(frame []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

func (s *Sink) Close() {
	s.once.Do(func() { close(s.closed) })
}

func (s *Sink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func TestRegistry_Subscribe_One_Room_One_Session(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	roomID := domain.RoomID("room-1")
	sink := newSink("alice", 1)

	// Given no session is connected
	req.Nil(registry.GetSinksForRoom(roomID))

	// When a session subscribes a room
	first := registry.Subscribe(sink, roomID)

	// Then
	req.True(first)
	req.Len(registry.GetSinksForRoom(roomID), 1)
	req.Contains(registry.GetSinksForRoom(roomID), sink)
	req.True(registry.HasLiveSession(roomID, "alice"))
	req.Equal([]domain.RoomID{roomID}, registry.Rooms(sink.ID()))
}

func TestRegistry_Second_Session_Of_User_Is_Not_First(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	roomID := domain.RoomID("room-1")
	phone, laptop := newSink("alice", 1), newSink("alice", 1)

	req.True(registry.Subscribe(phone, roomID))
	req.False(registry.Subscribe(laptop, roomID))
	req.Len(registry.GetSinksForRoom(roomID), 2)

	// When the first session leaves, the user is still there
	removed, last := registry.Unsubscribe(phone.ID(), roomID)
	req.True(removed)
	req.False(last)

	// When the second one leaves, the user is gone
	removed, last = registry.Unsubscribe(laptop.ID(), roomID)
	req.True(removed)
	req.True(last)
	req.Nil(registry.GetSinksForRoom(roomID))
	req.False(registry.HasLiveSession(roomID, "alice"))
}

func TestRegistry_UnSubscribe_Unknown_Session(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	sink := newSink("alice", 1)
	registry.Subscribe(sink, "room-1")

	removed, _ := registry.Unsubscribe(sink.ID(), "room-2")
	req.False(removed)
	removed, _ = registry.Unsubscribe(uuid.NewString(), "room-1")
	req.False(removed)
	req.Len(registry.GetSinksForRoom("room-1"), 1)
}

func TestRegistry_UnsubscribeAll_Reports_Last_Session_Per_Room(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	phone, laptop := newSink("alice", 1), newSink("alice", 1)

	// Given a phone in two rooms and a laptop in one of them
	registry.Subscribe(phone, "room-1")
	registry.Subscribe(phone, "room-2")
	registry.Subscribe(laptop, "room-2")

	// When the phone disconnects
	rooms := registry.UnsubscribeAll(phone.ID())

	// Then alice left room-1 but is still present in room-2
	req.Equal(map[domain.RoomID]bool{"room-1": true, "room-2": false}, rooms)
	req.Nil(registry.GetSinksForRoom("room-1"))
	req.Len(registry.GetSinksForRoom("room-2"), 1)

	// And disconnecting twice is a no-op
	req.Nil(registry.UnsubscribeAll(phone.ID()))
}

func TestRegistry_EvictUser_Only_Touches_That_User(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()
	alice1, alice2, bob := newSink("alice", 1), newSink("alice", 1), newSink("bob", 1)
	registry.Subscribe(alice1, "room-1")
	registry.Subscribe(alice2, "room-1")
	registry.Subscribe(alice2, "room-2")
	registry.Subscribe(bob, "room-1")

	evicted := registry.EvictUser("room-1", "alice")

	req.ElementsMatch([]*Sink{alice1, alice2}, []*Sink{evicted[0].(*Sink), evicted[1].(*Sink)})
	req.Equal([]*Sink{bob}, []*Sink{registry.GetSinksForRoom("room-1")[0].(*Sink)})
	req.True(registry.HasLiveSession("room-2", "alice"))
}
