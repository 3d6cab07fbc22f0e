// Package domain contains core concepts of the chat system.
// This file defines Room, Membership and Mute with their invariants.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"sort"
	"time"
)

type RoomID string

type RoomKind string

const (
	RoomKindDirect    RoomKind = "direct"
	RoomKindGroup     RoomKind = "group"
	RoomKindChannel   RoomKind = "channel"
	RoomKindCommunity RoomKind = "community"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindDirect, RoomKindGroup, RoomKindChannel, RoomKindCommunity:
		return true
	}
	return false
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
	RoleGuest     Role = "guest"
)

// CanModerate reports whether the role may delete others' messages and pin.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleModerator
}

// rank orders roles for promotion, lower is preferred.
func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 0
	case RoleModerator:
		return 1
	case RoleMember:
		return 2
	default:
		return 3
	}
}

type Room struct {
	ID        RoomID     `json:"id"`
	Kind      RoomKind   `json:"kind"`
	Name      string     `json:"name,omitempty"`
	Private   bool       `json:"private"`
	CreatorID string     `json:"creator_id,omitempty"`
	TenantID  string     `json:"tenant_id,omitempty"`
	Archived  bool       `json:"archived"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (r Room) IsDeleted() bool {
	return r.DeletedAt != nil
}

// VisibleTo reports whether a caller scoped to tenantID may see the room.
// An empty tenant on either side disables the filter.
func (r Room) VisibleTo(tenantID string) bool {
	return r.TenantID == "" || tenantID == "" || r.TenantID == tenantID
}

type Membership struct {
	RoomID     RoomID     `json:"room_id"`
	UserID     string     `json:"user_id"`
	Role       Role       `json:"role"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
}

// NextAdmin picks who inherits administration when the last admin leaves:
// moderators first, then members, then guests, longest-standing first.
func NextAdmin(remaining []Membership) (Membership, bool) {
	if len(remaining) == 0 {
		return Membership{}, false
	}
	candidates := append([]Membership(nil), remaining...)
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Role.rank() != b.Role.rank() {
			return a.Role.rank() < b.Role.rank()
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return candidates[0], true
}

// DirectPair returns the two participants of a direct room in canonical order.
func DirectPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// Mute suppresses notifications for a user in a room. A nil MutedUntil mutes indefinitely.
type Mute struct {
	RoomID     RoomID     `json:"room_id"`
	UserID     string     `json:"user_id"`
	MutedUntil *time.Time `json:"muted_until,omitempty"`
}

func (m Mute) ActiveAt(at time.Time) bool {
	return m.MutedUntil == nil || at.Before(*m.MutedUntil)
}
