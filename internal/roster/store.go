// Package roster persists groups, memberships, the membership event log and
// the outbound event staging table. It is the only place that knows SQL; the
// membership rules live in the groups package.
package roster

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist or is no longer in the expected state.
	ErrNotFound = errors.New("roster: not found")
	// ErrDuplicate is returned on a unique constraint violation (group name, active membership).
	ErrDuplicate = errors.New("roster: duplicate")
	// ErrCapacity is returned when a guarded member_count increment matches no row.
	ErrCapacity = errors.New("roster: capacity exceeded")
	// ErrRetryable marks failures that left no effect and may be retried (serialization, deadlock, timeout).
	ErrRetryable = errors.New("roster: retryable")
)

// Store is the authoritative roster and event log.
type Store interface {
	Reader
	Outbox
	// InTx runs fn in one transaction. fn's error rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Reader serves committed snapshots.
type Reader interface {
	GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	ListMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error)
	ListEvents(ctx context.Context, groupID uuid.UUID) ([]models.MembershipEvent, error)
	// Snapshot returns the group with all membership rows and events read consistently.
	Snapshot(ctx context.Context, groupID uuid.UUID) (*models.GroupView, error)
	// ListGroupIDsForMember returns groups where memberID has any membership row, active or sealed.
	ListGroupIDsForMember(ctx context.Context, memberID string) ([]uuid.UUID, error)
}

// Tx is the write surface available inside InTx.
type Tx interface {
	InsertGroup(ctx context.Context, g *models.Group) error
	// LockGroup reads the group and holds it exclusively until the transaction ends.
	LockGroup(ctx context.Context, id uuid.UUID) (*models.Group, error)
	ActiveMembership(ctx context.Context, groupID uuid.UUID, memberID string) (*models.Membership, error)
	ActiveMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error)
	InsertMembership(ctx context.Context, m *models.Membership) error
	// SealMembership sets left_at on an active membership; ErrNotFound if it is already sealed.
	SealMembership(ctx context.Context, id uuid.UUID, leftAt time.Time) error
	UpdateRole(ctx context.Context, id uuid.UUID, role models.MemberRole) error
	// IncrementMemberCount adds one only while member_count < limit and returns the new count.
	IncrementMemberCount(ctx context.Context, groupID uuid.UUID, limit int, at time.Time) (int, error)
	// DecrementMemberCount subtracts one, never going below zero, and returns the new count.
	DecrementMemberCount(ctx context.Context, groupID uuid.UUID, at time.Time) (int, error)
	MarkGroupDeleted(ctx context.Context, groupID uuid.UUID, at time.Time) error
	// AppendEvent stores e, assigns e.Seq, and stages msg for publication in the same transaction.
	AppendEvent(ctx context.Context, e *models.MembershipEvent, msg Staged) error
}

// Staged is an outbound message recorded alongside its event.
type Staged struct {
	Topic   string
	Payload []byte
}

// OutboxEntry is a staged message claimed for delivery.
type OutboxEntry struct {
	Seq       int64
	EventID   uuid.UUID
	GroupID   uuid.UUID
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// OutboxStats summarizes undelivered messages.
type OutboxStats struct {
	Pending         int        `json:"pending"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}

// Outbox is the delivery bookkeeping used by the publisher.
type Outbox interface {
	// ClaimOutbox leases up to limit due entries in seq order. An entry is skipped
	// while an earlier entry of the same group is leased or waiting for its retry.
	ClaimOutbox(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEntry, error)
	MarkPublished(ctx context.Context, seq int64, consumer string, at time.Time) error
	MarkRetry(ctx context.Context, seq int64, consumer string, nextAttemptAt time.Time, lastError string) error
	// ReleaseOutbox drops a lease without counting an attempt.
	ReleaseOutbox(ctx context.Context, seq int64, consumer string) error
	OutboxStats(ctx context.Context) (OutboxStats, error)
}
