// Package groups implements the group membership lifecycle: the engine that
// mutates rosters, the read-only query façade, and their HTTP handlers.
package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/bus"
	"github.com/thriftcircle/groups/internal/models"
	"github.com/thriftcircle/groups/internal/roster"
)

const (
	maxNameLen        = 255
	maxDescriptionLen = 4000

	defaultStoreTimeout = 5 * time.Second
	defaultMaxTries     = 3
)

// EngineConfig bounds each membership transaction.
type EngineConfig struct {
	StoreTimeout time.Duration
	MaxTries     uint
}

// Engine is the only writer of rosters and the event log. Every operation runs
// in one store transaction that also stages the outbound event, so a committed
// transition always has its event and nothing is published from here.
type Engine struct {
	store  roster.Store
	cfg    EngineConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a membership engine.
func NewEngine(store roster.Store, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = defaultStoreTimeout
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = defaultMaxTries
	}
	return &Engine{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGroup creates a group with the creator as its first, admin, member.
func (e *Engine) CreateGroup(ctx context.Context, name, description string, creator auth.Identity) (*models.Group, error) {
	if creator.IsZero() {
		return nil, ErrUnknownCaller
	}
	name = strings.TrimSpace(name)
	description = strings.TrimSpace(description)
	if name == "" || utf8.RuneCountInString(name) > maxNameLen {
		return nil, invalidArgument("invalid_name", "name must be 1-255 characters")
	}
	if utf8.RuneCountInString(description) > maxDescriptionLen {
		return nil, invalidArgument("invalid_description", "description must be at most 4000 characters")
	}

	var group *models.Group
	err := e.write(ctx, "create group", func(ctx context.Context, tx roster.Tx) error {
		now := e.now()
		g := &models.Group{
			ID:          uuid.New(),
			Name:        name,
			Description: description,
			CreatorID:   creator.Subject(),
			MemberCount: 1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertGroup(ctx, g); err != nil {
			if errors.Is(err, roster.ErrDuplicate) {
				return ErrNameTaken
			}
			return fmt.Errorf("insert group: %w", err)
		}
		m := &models.Membership{
			ID:       uuid.New(),
			GroupID:  g.ID,
			MemberID: creator.Subject(),
			Role:     models.MemberRoleAdmin,
			JoinedAt: now,
		}
		if err := tx.InsertMembership(ctx, m); err != nil {
			return fmt.Errorf("insert creator membership: %w", err)
		}
		ev := newEvent(g.ID, models.EventCreated, creator.Subject(), creator.Subject(), now)
		if err := appendEvent(ctx, tx, ev, func(env *bus.Envelope) {
			env.Name = g.Name
			env.CreatorID = g.CreatorID
			env.Role = m.Role
		}); err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("group created",
		zap.String("group_id", group.ID.String()),
		zap.String("creator_id", group.CreatorID))
	return group, nil
}

// Join adds member to the group. The group row is locked for the whole check
// and insert, so concurrent joins on a group at 29 members cannot both pass.
func (e *Engine) Join(ctx context.Context, groupID uuid.UUID, member auth.Identity) (*models.Membership, error) {
	if member.IsZero() {
		return nil, ErrUnknownCaller
	}
	var (
		joined *models.Membership
		count  int
	)
	err := e.write(ctx, "join", func(ctx context.Context, tx roster.Tx) error {
		g, err := lockLiveGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if _, err := tx.ActiveMembership(ctx, groupID, member.Subject()); err == nil {
			return ErrAlreadyMember
		} else if !errors.Is(err, roster.ErrNotFound) {
			return fmt.Errorf("find membership: %w", err)
		}
		if g.Full() {
			return ErrGroupFull
		}
		now := e.now()
		m := &models.Membership{
			ID:       uuid.New(),
			GroupID:  groupID,
			MemberID: member.Subject(),
			Role:     models.MemberRoleMember,
			JoinedAt: now,
		}
		if err := tx.InsertMembership(ctx, m); err != nil {
			if errors.Is(err, roster.ErrDuplicate) {
				return ErrAlreadyMember
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		n, err := tx.IncrementMemberCount(ctx, groupID, models.MaxMembers, now)
		if err != nil {
			if errors.Is(err, roster.ErrCapacity) {
				// The locked read said there was room.
				e.logger.Error("invariant violation: capacity guard rejected a join on a locked group",
					zap.String("group_id", groupID.String()),
					zap.Int("member_count", g.MemberCount))
				return invariant("member_count changed under the group lock")
			}
			return fmt.Errorf("increment member count: %w", err)
		}
		ev := newEvent(groupID, models.EventJoined, member.Subject(), member.Subject(), now)
		if err := appendEvent(ctx, tx, ev, func(env *bus.Envelope) { env.Role = m.Role }); err != nil {
			return err
		}
		joined, count = m, n
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("member joined",
		zap.String("group_id", groupID.String()),
		zap.String("member_id", member.Subject()),
		zap.Int("member_count", count))
	return joined, nil
}

// Leave seals the caller's active membership. A repeated leave finds no active
// membership and returns ErrNotMember instead of decrementing again.
func (e *Engine) Leave(ctx context.Context, groupID uuid.UUID, member auth.Identity) error {
	if member.IsZero() {
		return ErrUnknownCaller
	}
	var count int
	err := e.write(ctx, "leave", func(ctx context.Context, tx roster.Tx) error {
		g, err := lockLiveGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		m, err := tx.ActiveMembership(ctx, groupID, member.Subject())
		if err != nil {
			if errors.Is(err, roster.ErrNotFound) {
				return ErrNotMember
			}
			return fmt.Errorf("find membership: %w", err)
		}
		if g.MemberCount <= 0 {
			e.logger.Error("invariant violation: active membership in a group with member_count 0",
				zap.String("group_id", groupID.String()),
				zap.String("member_id", member.Subject()))
		}
		now := e.now()
		if err := tx.SealMembership(ctx, m.ID, now); err != nil {
			if errors.Is(err, roster.ErrNotFound) {
				return ErrNotMember
			}
			return fmt.Errorf("seal membership: %w", err)
		}
		if count, err = tx.DecrementMemberCount(ctx, groupID, now); err != nil {
			return fmt.Errorf("decrement member count: %w", err)
		}
		ev := newEvent(groupID, models.EventLeft, member.Subject(), member.Subject(), now)
		return appendEvent(ctx, tx, ev, func(env *bus.Envelope) { env.Role = m.Role })
	})
	if err != nil {
		return err
	}
	e.logger.Info("member left",
		zap.String("group_id", groupID.String()),
		zap.String("member_id", member.Subject()),
		zap.Int("member_count", count))
	return nil
}

// SetRole promotes or demotes an active member. Only an active admin of the
// group may change roles.
func (e *Engine) SetRole(ctx context.Context, groupID uuid.UUID, actor auth.Identity, subjectID string, role models.MemberRole) (*models.Membership, error) {
	if actor.IsZero() {
		return nil, ErrUnknownCaller
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, invalidArgument("invalid_member", "member id is required")
	}
	if !role.Valid() {
		return nil, invalidArgument("invalid_role", "role must be member or admin")
	}
	var updated *models.Membership
	err := e.write(ctx, "set role", func(ctx context.Context, tx roster.Tx) error {
		if _, err := lockLiveGroup(ctx, tx, groupID); err != nil {
			return err
		}
		if err := requireGroupAdmin(ctx, tx, groupID, actor); err != nil {
			return err
		}
		m, err := tx.ActiveMembership(ctx, groupID, subjectID)
		if err != nil {
			if errors.Is(err, roster.ErrNotFound) {
				return ErrNotMember
			}
			return fmt.Errorf("find membership: %w", err)
		}
		if m.Role == role {
			return ErrRoleUnchanged
		}
		if err := tx.UpdateRole(ctx, m.ID, role); err != nil {
			return fmt.Errorf("update role: %w", err)
		}
		kind := models.EventPromoted
		if role == models.MemberRoleMember {
			kind = models.EventDemoted
		}
		ev := newEvent(groupID, kind, subjectID, actor.Subject(), e.now())
		if err := appendEvent(ctx, tx, ev, func(env *bus.Envelope) { env.Role = role }); err != nil {
			return err
		}
		m.Role = role
		updated = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("member role changed",
		zap.String("group_id", groupID.String()),
		zap.String("member_id", subjectID),
		zap.String("role", string(role)),
		zap.String("actor_id", actor.Subject()))
	return updated, nil
}

// DeleteGroup is the administrative removal path: every active membership is
// sealed, the counter drops to zero and the group stops accepting requests.
// Group admins and platform admins may delete.
func (e *Engine) DeleteGroup(ctx context.Context, groupID uuid.UUID, actor auth.Identity) error {
	if actor.IsZero() {
		return ErrUnknownCaller
	}
	var sealed int
	err := e.write(ctx, "delete group", func(ctx context.Context, tx roster.Tx) error {
		g, err := lockLiveGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		if !actor.IsPlatformAdmin() {
			if err := requireGroupAdmin(ctx, tx, groupID, actor); err != nil {
				return err
			}
		}
		active, err := tx.ActiveMemberships(ctx, groupID)
		if err != nil {
			return fmt.Errorf("list active memberships: %w", err)
		}
		if len(active) != g.MemberCount {
			e.logger.Error("invariant violation: member_count differs from active memberships",
				zap.String("group_id", groupID.String()),
				zap.Int("member_count", g.MemberCount),
				zap.Int("active", len(active)))
		}
		now := e.now()
		for i := range active {
			if err := tx.SealMembership(ctx, active[i].ID, now); err != nil {
				return fmt.Errorf("seal membership: %w", err)
			}
		}
		if err := tx.MarkGroupDeleted(ctx, groupID, now); err != nil {
			return fmt.Errorf("mark group deleted: %w", err)
		}
		ev := newEvent(groupID, models.EventDeleted, "", actor.Subject(), now)
		if err := appendEvent(ctx, tx, ev, func(env *bus.Envelope) { env.Name = g.Name }); err != nil {
			return err
		}
		sealed = len(active)
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("group deleted",
		zap.String("group_id", groupID.String()),
		zap.String("actor_id", actor.Subject()),
		zap.Int("sealed_memberships", sealed))
	return nil
}

// write runs fn in a bounded transaction and retries it while the store reports
// a retryable failure. Domain errors end the attempt immediately.
func (e *Engine) write(ctx context.Context, op string, fn func(ctx context.Context, tx roster.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.store.InTx(ctx, fn)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, roster.ErrRetryable):
			e.logger.Warn("retrying membership transaction", zap.String("op", op), zap.Error(err))
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.cfg.MaxTries))
	return e.classify(op, err)
}

func (e *Engine) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr
	}
	e.logger.Error("membership transaction failed", zap.String("op", op), zap.Error(err))
	return transient(err)
}

func lockLiveGroup(ctx context.Context, tx roster.Tx, groupID uuid.UUID) (*models.Group, error) {
	g, err := tx.LockGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("lock group: %w", err)
	}
	if g.Deleted() {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

func requireGroupAdmin(ctx context.Context, tx roster.Tx, groupID uuid.UUID, actor auth.Identity) error {
	m, err := tx.ActiveMembership(ctx, groupID, actor.Subject())
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return ErrNotGroupAdmin
		}
		return fmt.Errorf("find actor membership: %w", err)
	}
	if m.Role != models.MemberRoleAdmin {
		return ErrNotGroupAdmin
	}
	return nil
}

func newEvent(groupID uuid.UUID, kind models.EventKind, subject, actor string, at time.Time) *models.MembershipEvent {
	ev := &models.MembershipEvent{
		ID:         uuid.New(),
		GroupID:    groupID,
		Kind:       kind,
		OccurredAt: at,
	}
	if subject != "" {
		ev.SubjectID = &subject
	}
	if actor != "" {
		ev.ActorID = &actor
	}
	return ev
}

// appendEvent writes the event and stages its bus message in the current transaction.
func appendEvent(ctx context.Context, tx roster.Tx, ev *models.MembershipEvent, decorate func(*bus.Envelope)) error {
	env := bus.NewEnvelope(ev)
	if decorate != nil {
		decorate(&env)
	}
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind, err)
	}
	if err := tx.AppendEvent(ctx, ev, roster.Staged{Topic: ev.Kind.Topic(), Payload: payload}); err != nil {
		return fmt.Errorf("append %s event: %w", ev.Kind, err)
	}
	return nil
}
