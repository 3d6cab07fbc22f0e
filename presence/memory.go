// Package presence tracks which users hold at least one live session.
// Presence is reference counted per session so a second device never
// flips its user offline while the first one is still connected.
package presence

import (
	"chat-core/domain"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps presence in process. It serves single-process deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*entry
}

type entry struct {
	sessions map[string]time.Time // session -> last heartbeat
	lastSeen time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*entry)}
}

func (s *MemoryStore) get(userID string) *entry {
	e, ok := s.users[userID]
	if !ok {
		e = &entry{sessions: make(map[string]time.Time)}
		s.users[userID] = e
	}
	return e
}

func (s *MemoryStore) MarkOnline(_ context.Context, userID, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(userID)
	wasOnline := len(e.sessions) > 0
	if beat, ok := e.sessions[sessionID]; !ok || at.After(beat) {
		e.sessions[sessionID] = at
	}
	return !wasOnline, nil
}

// Heartbeat refreshes a known session. Older beats arriving late are ignored.
func (s *MemoryStore) Heartbeat(_ context.Context, userID, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		return nil
	}
	if beat, ok := e.sessions[sessionID]; ok && at.After(beat) {
		e.sessions[sessionID] = at
	}
	return nil
}

func (s *MemoryStore) MarkOffline(_ context.Context, userID, sessionID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		return false, nil
	}
	if _, ok := e.sessions[sessionID]; !ok {
		return false, nil
	}
	delete(e.sessions, sessionID)
	if len(e.sessions) > 0 {
		return false, nil
	}
	if at.After(e.lastSeen) {
		e.lastSeen = at
	}
	return true, nil
}

func (s *MemoryStore) IsOnline(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	return ok && len(e.sessions) > 0, nil
}

func (s *MemoryStore) LastSeen(_ context.Context, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userID]; ok {
		return e.lastSeen, nil
	}
	return time.Time{}, nil
}

func (s *MemoryStore) Get(_ context.Context, userID string) (domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record := domain.PresenceRecord{UserID: userID}
	if e, ok := s.users[userID]; ok {
		record.Online = len(e.sessions) > 0
		record.LastSeen = e.lastSeen
		record.Sessions = len(e.sessions)
	}
	return record, nil
}

// Sweep drops sessions whose last heartbeat is older than grace.
// A user losing its last session is stamped with that session's last heartbeat.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, grace time.Duration) ([]domain.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-grace)
	var flipped []domain.PresenceRecord
	for userID, e := range s.users {
		if len(e.sessions) == 0 {
			continue
		}
		var newest time.Time
		for sessionID, beat := range e.sessions {
			if beat.Before(cutoff) {
				delete(e.sessions, sessionID)
				if beat.After(newest) {
					newest = beat
				}
			}
		}
		if len(e.sessions) > 0 || newest.IsZero() {
			continue
		}
		if newest.After(e.lastSeen) {
			e.lastSeen = newest
		}
		flipped = append(flipped, domain.PresenceRecord{UserID: userID, LastSeen: e.lastSeen})
	}
	return flipped, nil
}
