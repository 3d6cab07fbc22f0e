package runtime

import (
	"chat-core/contract"
	"chat-core/domain"
	"sync"
)

type Set map[string]struct{}

// Registry is the live-subscriber table of one node.
// A user may hold several sessions, each session may follow several rooms.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]contract.Sink // map session -> Sink
	roomSessions map[domain.RoomID]Set    // map room to sessions
	sessionRooms map[string]map[domain.RoomID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		sessions:     make(map[string]contract.Sink),
		roomSessions: make(map[domain.RoomID]Set),
		sessionRooms: make(map[string]map[domain.RoomID]struct{}),
	}
}

// GetSinksForRoom retrieves all live sessions following a room.
// It resolves session ids into sinks through the sessions map, so a session
// that follows many rooms is still managed in a single place.
// Returns nil if nobody follows the room.
func (r *Registry) GetSinksForRoom(roomID domain.RoomID) []contract.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.roomSessions[roomID]
	if !ok {
		return nil
	}
	var activeSinks []contract.Sink
	for sessionID := range members {
		if sink, exists := r.sessions[sessionID]; exists {
			activeSinks = append(activeSinks, sink)
		}
	}
	return activeSinks
}

// Subscribe registers a session and attaches it to a room.
// It reports whether this is the first session of the user in that room.
func (r *Registry) Subscribe(sink contract.Sink, roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := !r.userInRoomLocked(roomID, sink.UserID())
	r.sessions[sink.ID()] = sink

	if _, ok := r.roomSessions[roomID]; !ok {
		r.roomSessions[roomID] = make(Set)
	}
	r.roomSessions[roomID][sink.ID()] = struct{}{}

	if _, ok := r.sessionRooms[sink.ID()]; !ok {
		r.sessionRooms[sink.ID()] = make(map[domain.RoomID]struct{})
	}
	r.sessionRooms[sink.ID()][roomID] = struct{}{}
	return first
}

// Unsubscribe detaches a session from one room.
// It reports whether the session was subscribed and whether it was the
// last session of its user in the room. Empty sets are removed so the
// maps never keep dead rooms around.
func (r *Registry) Unsubscribe(sessionID string, roomID domain.RoomID) (removed bool, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sink, ok := r.sessions[sessionID]
	if !ok {
		return false, false
	}
	if !r.detachLocked(sessionID, roomID) {
		return false, false
	}
	return true, !r.userInRoomLocked(roomID, sink.UserID())
}

// UnsubscribeAll drops the session entirely and returns, for each room it
// followed, whether its user has no other session left there.
func (r *Registry) UnsubscribeAll(sessionID string) map[domain.RoomID]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sink, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	rooms := make(map[domain.RoomID]bool, len(r.sessionRooms[sessionID]))
	for roomID := range r.sessionRooms[sessionID] {
		r.detachLocked(sessionID, roomID)
		rooms[roomID] = !r.userInRoomLocked(roomID, sink.UserID())
	}
	delete(r.sessions, sessionID)
	delete(r.sessionRooms, sessionID)
	return rooms
}

// EvictUser detaches every session of a user from a room and returns them.
func (r *Registry) EvictUser(roomID domain.RoomID, userID string) []contract.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []contract.Sink
	for sessionID := range r.roomSessions[roomID] {
		sink := r.sessions[sessionID]
		if sink == nil || sink.UserID() != userID {
			continue
		}
		r.detachLocked(sessionID, roomID)
		evicted = append(evicted, sink)
	}
	return evicted
}

// HasLiveSession tells whether the user follows the room from this node.
func (r *Registry) HasLiveSession(roomID domain.RoomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userInRoomLocked(roomID, userID)
}

// Rooms lists the rooms a session follows.
func (r *Registry) Rooms(sessionID string) []domain.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rooms := make([]domain.RoomID, 0, len(r.sessionRooms[sessionID]))
	for roomID := range r.sessionRooms[sessionID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (r *Registry) detachLocked(sessionID string, roomID domain.RoomID) bool {
	members, ok := r.roomSessions[roomID]
	if !ok {
		return false
	}
	if _, ok := members[sessionID]; !ok {
		return false
	}
	delete(members, sessionID)
	// If no one is left in the room, remove the room entry entirely
	if len(members) == 0 {
		delete(r.roomSessions, roomID)
	}
	if rooms, ok := r.sessionRooms[sessionID]; ok {
		delete(rooms, roomID)
	}
	return true
}

func (r *Registry) userInRoomLocked(roomID domain.RoomID, userID string) bool {
	for sessionID := range r.roomSessions[roomID] {
		if sink, ok := r.sessions[sessionID]; ok && sink.UserID() == userID {
			return true
		}
	}
	return false
}
