package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxMembers is the roster capacity of a group.
const MaxMembers = 30

// Group is a capacity-bounded roster. MemberCount always equals the number of
// active memberships.
type Group struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	CreatorID   string     `json:"creator_id"`
	MemberCount int        `json:"member_count"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the group was removed through the administrative path.
func (g *Group) Deleted() bool { return g.DeletedAt != nil }

// Full reports whether the roster is at capacity.
func (g *Group) Full() bool { return g.MemberCount >= MaxMembers }

// GroupView is a group with its roster snapshot and event history.
type GroupView struct {
	Group
	Members []Membership      `json:"members"`
	Events  []MembershipEvent `json:"events"`
}

// ActiveMembers counts memberships without a departure timestamp.
func (v *GroupView) ActiveMembers() int {
	n := 0
	for i := range v.Members {
		if v.Members[i].Active() {
			n++
		}
	}
	return n
}
