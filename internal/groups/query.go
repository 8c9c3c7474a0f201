package groups

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/models"
	"github.com/thriftcircle/groups/internal/roster"
)

// Query is the read-only view over rosters and event history. It never writes,
// so a counter that disagrees with the roster is reported, not repaired.
type Query struct {
	store   roster.Reader
	logger  *zap.Logger
	timeout time.Duration
}

// NewQuery creates a query façade over store.
func NewQuery(store roster.Reader, timeout time.Duration, logger *zap.Logger) *Query {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &Query{store: store, logger: logger, timeout: timeout}
}

// GetDetail returns a group with its members and events.
func (q *Query) GetDetail(ctx context.Context, groupID uuid.UUID) (*models.GroupView, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	return q.view(ctx, groupID)
}

// ListForCaller returns every live group in which caller has or had a membership.
func (q *Query) ListForCaller(ctx context.Context, caller auth.Identity) ([]models.GroupView, error) {
	if caller.IsZero() {
		return nil, ErrUnknownCaller
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	ids, err := q.store.ListGroupIDsForMember(ctx, caller.Subject())
	if err != nil {
		return nil, q.storeErr("list groups for member", err)
	}
	views := make([]models.GroupView, 0, len(ids))
	for _, id := range ids {
		v, err := q.view(ctx, id)
		if errors.Is(err, ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (q *Query) view(ctx context.Context, groupID uuid.UUID) (*models.GroupView, error) {
	v, err := q.store.Snapshot(ctx, groupID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, q.storeErr("snapshot group", err)
	}
	if v.Deleted() {
		return nil, ErrGroupNotFound
	}
	if v.Members == nil {
		v.Members = []models.Membership{}
	}
	if v.Events == nil {
		v.Events = []models.MembershipEvent{}
	}
	if active := v.ActiveMembers(); active != v.MemberCount {
		q.logger.Error("invariant violation: member_count differs from active memberships",
			zap.String("group_id", groupID.String()),
			zap.Int("member_count", v.MemberCount),
			zap.Int("active", active))
	}
	return v, nil
}

func (q *Query) storeErr(op string, err error) error {
	q.logger.Error("roster read failed", zap.String("op", op), zap.Error(err))
	return transient(fmt.Errorf("%s: %w", op, err))
}
