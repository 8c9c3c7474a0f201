package models

import (
	"time"

	"github.com/google/uuid"
)

// MemberRole is the role of a member inside a group.
type MemberRole string

const (
	MemberRoleMember MemberRole = "member"
	MemberRoleAdmin  MemberRole = "admin"
)

// Valid reports whether r is a known role.
func (r MemberRole) Valid() bool {
	return r == MemberRoleMember || r == MemberRoleAdmin
}

// Membership links a member identity to a group. A row with LeftAt set is sealed;
// re-joining creates a new row.
type Membership struct {
	ID       uuid.UUID  `json:"id"`
	GroupID  uuid.UUID  `json:"group_id"`
	MemberID string     `json:"user_id"`
	Role     MemberRole `json:"role"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the membership has not been sealed.
func (m *Membership) Active() bool { return m.LeftAt == nil }
