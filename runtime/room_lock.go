package runtime

import (
	"chat-core/domain"
	"sync"
)

// RoomLocks serializes work per room while letting rooms proceed in parallel.
// Entries are reference counted and released when the last holder unlocks.
type RoomLocks struct {
	mu    sync.Mutex
	locks map[domain.RoomID]*roomLock
}

type roomLock struct {
	sync.Mutex
	refs int
}

func NewRoomLocks() *RoomLocks {
	return &RoomLocks{locks: make(map[domain.RoomID]*roomLock)}
}

// Lock blocks until the room is free and returns the matching unlock.
func (l *RoomLocks) Lock(roomID domain.RoomID) (unlock func()) {
	l.mu.Lock()
	lock, ok := l.locks[roomID]
	if !ok {
		lock = &roomLock{}
		l.locks[roomID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(l.locks, roomID)
		}
		l.mu.Unlock()
	}
}

func (l *RoomLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
