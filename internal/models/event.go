package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies a membership lifecycle transition.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventDeleted  EventKind = "deleted"
	EventJoined   EventKind = "joined"
	EventLeft     EventKind = "left"
	EventPromoted EventKind = "promoted"
	EventDemoted  EventKind = "demoted"
)

// Topic returns the bus topic an event of this kind is published to.
func (k EventKind) Topic() string {
	switch k {
	case EventCreated:
		return "group_created"
	case EventDeleted:
		return "group_deleted"
	case EventJoined:
		return "user_joined"
	case EventLeft:
		return "user_left"
	case EventPromoted:
		return "member_promoted"
	case EventDemoted:
		return "member_demoted"
	}
	return "group_events"
}

// MembershipEvent is an append-only audit fact. Seq is assigned while the group
// row is locked, so within one group Seq order is commit order.
type MembershipEvent struct {
	ID         uuid.UUID `json:"id"`
	Seq        int64     `json:"seq"`
	GroupID    uuid.UUID `json:"group_id"`
	SubjectID  *string   `json:"user_id,omitempty"`
	ActorID    *string   `json:"actor_id,omitempty"`
	Kind       EventKind `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
}
