package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftcircle/groups/internal/models"
)

// outboxClaimLock serializes outbox claims across publisher instances.
const outboxClaimLock int64 = 0x67726f7570 // "group"

// Postgres is the production Store backed by a pgx pool. Membership writes take a
// row lock on the group (SELECT ... FOR UPDATE) so concurrent joins on one group
// are serialized while distinct groups proceed in parallel.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close is a no-op; the pool is owned by the caller.
func (s *Postgres) Close() error { return nil }

// InTx runs fn inside a read-committed transaction.
func (s *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPG(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPG(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// classifyPG maps driver errors onto the package sentinels.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %w", ErrDuplicate, err)
		case "40001", "40P01", "55P03", "57014": // serialization, deadlock, lock timeout, statement timeout
			return fmt.Errorf("%w: %w", ErrRetryable, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	return err
}

const groupColumns = `id, name, description, creator_id, member_count, created_at, updated_at, deleted_at`

func scanGroup(row pgx.Row) (*models.Group, error) {
	var g models.Group
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatorID, &g.MemberCount, &g.CreatedAt, &g.UpdatedAt, &g.DeletedAt); err != nil {
		return nil, classifyPG(err)
	}
	return &g, nil
}

const membershipColumns = `id, group_id, member_id, role, joined_at, left_at`

func scanMemberships(rows pgx.Rows) ([]models.Membership, error) {
	defer rows.Close()
	var list []models.Membership
	for rows.Next() {
		var m models.Membership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.MemberID, &m.Role, &m.JoinedAt, &m.LeftAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, classifyPG(rows.Err())
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetGroup returns a group by ID, including deleted ones.
func (s *Postgres) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return scanGroup(s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, id))
}

// ListMemberships returns every membership row of a group, oldest first.
func (s *Postgres) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error) {
	return listPGMemberships(ctx, s.pool, groupID)
}

// ListEvents returns the group's event log in seq order.
func (s *Postgres) ListEvents(ctx context.Context, groupID uuid.UUID) ([]models.MembershipEvent, error) {
	return listPGEvents(ctx, s.pool, groupID)
}

// Snapshot reads the group, its memberships and its events from one
// repeatable-read snapshot.
func (s *Postgres) Snapshot(ctx context.Context, groupID uuid.UUID) (*models.GroupView, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classifyPG(fmt.Errorf("begin snapshot: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	g, err := scanGroup(tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1`, groupID))
	if err != nil {
		return nil, err
	}
	members, err := listPGMemberships(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	events, err := listPGEvents(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	return &models.GroupView{Group: *g, Members: members, Events: events}, nil
}

func listPGMemberships(ctx context.Context, q pgQuerier, groupID uuid.UUID) ([]models.Membership, error) {
	rows, err := q.Query(ctx,
		`SELECT `+membershipColumns+` FROM group_memberships WHERE group_id = $1 ORDER BY joined_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, classifyPG(err)
	}
	return scanMemberships(rows)
}

func listPGEvents(ctx context.Context, q pgQuerier, groupID uuid.UUID) ([]models.MembershipEvent, error) {
	rows, err := q.Query(ctx,
		`SELECT id, seq, group_id, subject_id, actor_id, event_type, occurred_at
		 FROM membership_events WHERE group_id = $1 ORDER BY seq ASC`, groupID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()
	var list []models.MembershipEvent
	for rows.Next() {
		var e models.MembershipEvent
		if err := rows.Scan(&e.ID, &e.Seq, &e.GroupID, &e.SubjectID, &e.ActorID, &e.Kind, &e.OccurredAt); err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, classifyPG(rows.Err())
}

// ListGroupIDsForMember returns groups the member has ever belonged to, by name.
func (s *Postgres) ListGroupIDsForMember(ctx context.Context, memberID string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT g.id FROM groups g
		 WHERE EXISTS (SELECT 1 FROM group_memberships m WHERE m.group_id = g.id AND m.member_id = $1)
		 ORDER BY g.name`, memberID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, classifyPG(rows.Err())
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertGroup(ctx context.Context, g *models.Group) error {
	const q = `INSERT INTO groups (id, name, description, creator_id, member_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`
	_, err := t.tx.Exec(ctx, q, g.ID, g.Name, g.Description, g.CreatorID, g.MemberCount, g.CreatedAt)
	return classifyPG(err)
}

func (t *pgTx) LockGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return scanGroup(t.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) ActiveMembership(ctx context.Context, groupID uuid.UUID, memberID string) (*models.Membership, error) {
	var m models.Membership
	err := t.tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM group_memberships
		 WHERE group_id = $1 AND member_id = $2 AND left_at IS NULL`, groupID, memberID).
		Scan(&m.ID, &m.GroupID, &m.MemberID, &m.Role, &m.JoinedAt, &m.LeftAt)
	if err != nil {
		return nil, classifyPG(err)
	}
	return &m, nil
}

func (t *pgTx) ActiveMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+membershipColumns+` FROM group_memberships
		 WHERE group_id = $1 AND left_at IS NULL ORDER BY joined_at ASC, id ASC`, groupID)
	if err != nil {
		return nil, classifyPG(err)
	}
	return scanMemberships(rows)
}

func (t *pgTx) InsertMembership(ctx context.Context, m *models.Membership) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO group_memberships (id, group_id, member_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.GroupID, m.MemberID, m.Role, m.JoinedAt)
	return classifyPG(err)
}

func (t *pgTx) SealMembership(ctx context.Context, id uuid.UUID, leftAt time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE group_memberships SET left_at = $2 WHERE id = $1 AND left_at IS NULL`, id, leftAt)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateRole(ctx context.Context, id uuid.UUID, role models.MemberRole) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE group_memberships SET role = $2 WHERE id = $1 AND left_at IS NULL`, id, role)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) IncrementMemberCount(ctx context.Context, groupID uuid.UUID, limit int, at time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`UPDATE groups SET member_count = member_count + 1, updated_at = $3
		 WHERE id = $1 AND member_count < $2
		 RETURNING member_count`, groupID, limit, at).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrCapacity
	}
	return n, classifyPG(err)
}

func (t *pgTx) DecrementMemberCount(ctx context.Context, groupID uuid.UUID, at time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`UPDATE groups SET member_count = GREATEST(member_count - 1, 0), updated_at = $2
		 WHERE id = $1
		 RETURNING member_count`, groupID, at).Scan(&n)
	return n, classifyPG(err)
}

func (t *pgTx) MarkGroupDeleted(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE groups SET member_count = 0, deleted_at = $2, updated_at = $2
		 WHERE id = $1 AND deleted_at IS NULL`, groupID, at)
	if err != nil {
		return classifyPG(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *models.MembershipEvent, msg Staged) error {
	err := t.tx.QueryRow(ctx,
		`INSERT INTO membership_events (id, group_id, subject_id, actor_id, event_type, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`, e.ID, e.GroupID, e.SubjectID, e.ActorID, e.Kind, e.OccurredAt).Scan(&e.Seq)
	if err != nil {
		return classifyPG(fmt.Errorf("append event: %w", err))
	}
	_, err = t.tx.Exec(ctx,
		`INSERT INTO event_outbox (seq, event_id, group_id, topic, payload, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)`, e.Seq, e.ID, e.GroupID, msg.Topic, msg.Payload, e.OccurredAt)
	if err != nil {
		return classifyPG(fmt.Errorf("stage event: %w", err))
	}
	return nil
}

// ClaimOutbox leases due entries. Claims are serialized with a transaction-scoped
// advisory lock so two publishers never lease entries of one group out of order.
func (s *Postgres) ClaimOutbox(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEntry, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 || leaseTTL <= 0 {
		return nil, fmt.Errorf("limit and lease ttl must be positive")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("begin claim: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, outboxClaimLock); err != nil {
		return nil, classifyPG(fmt.Errorf("claim lock: %w", err))
	}

	rows, err := tx.Query(ctx, `
UPDATE event_outbox o
SET lease_owner = $1, lease_expires_at = $2
WHERE o.seq IN (
	SELECT c.seq FROM event_outbox c
	WHERE c.published_at IS NULL
	AND c.next_attempt_at <= $3
	AND (c.lease_expires_at IS NULL OR c.lease_expires_at <= $3)
	AND NOT EXISTS (
		SELECT 1 FROM event_outbox p
		WHERE p.group_id = c.group_id
		AND p.published_at IS NULL
		AND p.seq < c.seq
		AND (p.next_attempt_at > $3 OR (p.lease_expires_at IS NOT NULL AND p.lease_expires_at > $3))
	)
	ORDER BY c.seq ASC
	LIMIT $4
)
RETURNING o.seq, o.event_id, o.group_id, o.topic, o.payload, o.attempts, o.created_at`,
		consumer, now.Add(leaseTTL), now, limit)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("claim outbox: %w", err))
	}
	var claimed []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.Seq, &e.EventID, &e.GroupID, &e.Topic, &e.Payload, &e.Attempts, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed entry: %w", err)
		}
		claimed = append(claimed, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classifyPG(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPG(fmt.Errorf("commit claim: %w", err))
	}
	sortEntries(claimed)
	return claimed, nil
}

// MarkPublished records a successful delivery of a leased entry.
func (s *Postgres) MarkPublished(ctx context.Context, seq int64, consumer string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_outbox
		 SET published_at = $3, lease_owner = '', lease_expires_at = NULL, last_error = ''
		 WHERE seq = $1 AND lease_owner = $2 AND published_at IS NULL`, seq, consumer, at)
	if err != nil {
		return classifyPG(fmt.Errorf("mark published: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetry records a failed attempt and schedules the next one.
func (s *Postgres) MarkRetry(ctx context.Context, seq int64, consumer string, nextAttemptAt time.Time, lastError string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE event_outbox
		 SET attempts = attempts + 1, next_attempt_at = $3, last_error = $4, lease_owner = '', lease_expires_at = NULL
		 WHERE seq = $1 AND lease_owner = $2 AND published_at IS NULL`, seq, consumer, nextAttemptAt, lastError)
	if err != nil {
		return classifyPG(fmt.Errorf("mark retry: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOutbox drops this consumer's lease on an entry.
func (s *Postgres) ReleaseOutbox(ctx context.Context, seq int64, consumer string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE event_outbox SET lease_owner = '', lease_expires_at = NULL
		 WHERE seq = $1 AND lease_owner = $2 AND published_at IS NULL`, seq, consumer)
	return classifyPG(err)
}

// OutboxStats counts undelivered entries.
func (s *Postgres) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var st OutboxStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM event_outbox WHERE published_at IS NULL`).
		Scan(&st.Pending, &st.OldestPendingAt)
	return st, classifyPG(err)
}
