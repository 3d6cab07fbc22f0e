package gateway

import (
	"chat-core/domain"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Session is one live connection. The transport drains Outbound and stops on Done.
// Deliver never blocks: a full buffer means the client cannot keep up.
type Session struct {
	id       string
	identity domain.Identity
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	lastBeat atomic.Int64

	mu    sync.Mutex
	rooms map[domain.RoomID]struct{}
}

func newSession(identity domain.Identity, buffer int, limiter *rate.Limiter, now time.Time) *Session {
	s := &Session{
		id:       uuid.NewString(),
		identity: identity,
		out:      make(chan []byte, buffer),
		done:     make(chan struct{}),
		limiter:  limiter,
		rooms:    make(map[domain.RoomID]struct{}),
	}
	s.lastBeat.Store(now.UnixNano())
	return s
}

func (s *Session) ID() string                { return s.id }
func (s *Session) UserID() string            { return s.identity.UserID }
func (s *Session) Identity() domain.Identity { return s.identity }
func (s *Session) Outbound() <-chan []byte   { return s.out }
func (s *Session) Done() <-chan struct{}     { return s.done }

func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
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

// Close is idempotent.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) beat(at time.Time) {
	for {
		prev := s.lastBeat.Load()
		if at.UnixNano() <= prev || s.lastBeat.CompareAndSwap(prev, at.UnixNano()) {
			return
		}
	}
}

func (s *Session) LastBeat() time.Time {
	return time.Unix(0, s.lastBeat.Load()).UTC()
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

func (s *Session) addRoom(roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = struct{}{}
}

func (s *Session) removeRoom(roomID domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	return ok
}

// Rooms returns the joined rooms, sorted.
func (s *Session) Rooms() []domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]domain.RoomID, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

// onlyRoom resolves a frame without room_id when the session follows a single room.
func (s *Session) onlyRoom() (domain.RoomID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rooms) != 1 {
		return "", false
	}
	for roomID := range s.rooms {
		return roomID, true
	}
	return "", false
}
