package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/models"
)

// SQLite is a single-file Store for local runs and tests. The database handle is
// expected to come from database.OpenSQLite: one connection and BEGIN IMMEDIATE
// transactions, which makes every InTx call an exclusive writer.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps an opened and migrated database.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Close closes the database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// classifySQLite maps SQLite errors onto the package sentinels.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %w", ErrDuplicate, err)
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "SQLITE_BUSY"):
		return fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	return err
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InTx runs fn in an immediate transaction.
func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func scanSQLiteGroup(row *sql.Row) (*models.Group, error) {
	var (
		g                    models.Group
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatorID, &g.MemberCount, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, classifySQLite(err)
	}
	g.CreatedAt = fromMillis(createdAt)
	g.UpdatedAt = fromMillis(updatedAt)
	g.DeletedAt = fromNullMillis(deletedAt)
	return &g, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMembership(row rowScanner) (models.Membership, error) {
	var (
		m        models.Membership
		role     string
		joinedAt int64
		leftAt   sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.GroupID, &m.MemberID, &role, &joinedAt, &leftAt); err != nil {
		return models.Membership{}, err
	}
	m.Role = models.MemberRole(role)
	m.JoinedAt = fromMillis(joinedAt)
	m.LeftAt = fromNullMillis(leftAt)
	return m, nil
}

func listSQLiteMemberships(ctx context.Context, q sqliteQuerier, query string, args ...any) ([]models.Membership, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	var list []models.Membership
	for rows.Next() {
		m, err := scanSQLiteMembership(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

// GetGroup returns a group by ID, including deleted ones.
func (s *SQLite) GetGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return scanSQLiteGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id.String()))
}

// ListMemberships returns every membership row of a group, oldest first.
func (s *SQLite) ListMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error) {
	return listSQLiteMemberships(ctx, s.db,
		`SELECT `+membershipColumns+` FROM group_memberships WHERE group_id = ? ORDER BY joined_at ASC, rowid ASC`, groupID.String())
}

// ListEvents returns the group's event log in seq order.
func (s *SQLite) ListEvents(ctx context.Context, groupID uuid.UUID) ([]models.MembershipEvent, error) {
	return listSQLiteEvents(ctx, s.db, groupID)
}

// Snapshot reads the group, its memberships and its events inside one transaction.
func (s *SQLite) Snapshot(ctx context.Context, groupID uuid.UUID) (*models.GroupView, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("begin snapshot: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	g, err := scanSQLiteGroup(tx.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, groupID.String()))
	if err != nil {
		return nil, err
	}
	members, err := listSQLiteMemberships(ctx, tx,
		`SELECT `+membershipColumns+` FROM group_memberships WHERE group_id = ? ORDER BY joined_at ASC, rowid ASC`, groupID.String())
	if err != nil {
		return nil, err
	}
	events, err := listSQLiteEvents(ctx, tx, groupID)
	if err != nil {
		return nil, err
	}
	return &models.GroupView{Group: *g, Members: members, Events: events}, nil
}

func listSQLiteEvents(ctx context.Context, q sqliteQuerier, groupID uuid.UUID) ([]models.MembershipEvent, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, seq, group_id, subject_id, actor_id, event_type, occurred_at
		 FROM membership_events WHERE group_id = ? ORDER BY seq ASC`, groupID.String())
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()
	var list []models.MembershipEvent
	for rows.Next() {
		var (
			e              models.MembershipEvent
			subject, actor sql.NullString
			kind           string
			occurredAt     int64
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.GroupID, &subject, &actor, &kind, &occurredAt); err != nil {
			return nil, err
		}
		e.SubjectID = fromNullString(subject)
		e.ActorID = fromNullString(actor)
		e.Kind = models.EventKind(kind)
		e.OccurredAt = fromMillis(occurredAt)
		list = append(list, e)
	}
	return list, rows.Err()
}

// ListGroupIDsForMember returns groups the member has ever belonged to, by name.
func (s *SQLite) ListGroupIDsForMember(ctx context.Context, memberID string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id FROM groups g
		 WHERE EXISTS (SELECT 1 FROM group_memberships m WHERE m.group_id = g.id AND m.member_id = ?)
		 ORDER BY g.name`, memberID)
	if err != nil {
		return nil, classifySQLite(err)
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
	return ids, rows.Err()
}

type sqliteTx struct {
	q *sql.Tx
}

func (t *sqliteTx) InsertGroup(ctx context.Context, g *models.Group) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO groups (id, name, description, creator_id, member_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.Name, g.Description, g.CreatorID, g.MemberCount, toMillis(g.CreatedAt), toMillis(g.CreatedAt))
	return classifySQLite(err)
}

// LockGroup is a plain read: the surrounding BEGIN IMMEDIATE already holds the write lock.
func (t *sqliteTx) LockGroup(ctx context.Context, id uuid.UUID) (*models.Group, error) {
	return scanSQLiteGroup(t.q.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, id.String()))
}

func (t *sqliteTx) ActiveMembership(ctx context.Context, groupID uuid.UUID, memberID string) (*models.Membership, error) {
	m, err := scanSQLiteMembership(t.q.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM group_memberships
		 WHERE group_id = ? AND member_id = ? AND left_at IS NULL`, groupID.String(), memberID))
	if err != nil {
		return nil, classifySQLite(err)
	}
	return &m, nil
}

func (t *sqliteTx) ActiveMemberships(ctx context.Context, groupID uuid.UUID) ([]models.Membership, error) {
	return listSQLiteMemberships(ctx, t.q,
		`SELECT `+membershipColumns+` FROM group_memberships
		 WHERE group_id = ? AND left_at IS NULL ORDER BY joined_at ASC, rowid ASC`, groupID.String())
}

func (t *sqliteTx) InsertMembership(ctx context.Context, m *models.Membership) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO group_memberships (id, group_id, member_id, role, joined_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID.String(), m.GroupID.String(), m.MemberID, string(m.Role), toMillis(m.JoinedAt))
	return classifySQLite(err)
}

func (t *sqliteTx) SealMembership(ctx context.Context, id uuid.UUID, leftAt time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE group_memberships SET left_at = ? WHERE id = ? AND left_at IS NULL`, toMillis(leftAt), id.String())
	return affectedOne(res, err)
}

func (t *sqliteTx) UpdateRole(ctx context.Context, id uuid.UUID, role models.MemberRole) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE group_memberships SET role = ? WHERE id = ? AND left_at IS NULL`, string(role), id.String())
	return affectedOne(res, err)
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return classifySQLite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) IncrementMemberCount(ctx context.Context, groupID uuid.UUID, limit int, at time.Time) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE groups SET member_count = member_count + 1, updated_at = ?
		 WHERE id = ? AND member_count < ?`, toMillis(at), groupID.String(), limit)
	if err := affectedOne(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrCapacity
		}
		return 0, err
	}
	return t.memberCount(ctx, groupID)
}

func (t *sqliteTx) DecrementMemberCount(ctx context.Context, groupID uuid.UUID, at time.Time) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE groups SET member_count = MAX(member_count - 1, 0), updated_at = ? WHERE id = ?`,
		toMillis(at), groupID.String())
	if err := affectedOne(res, err); err != nil {
		return 0, err
	}
	return t.memberCount(ctx, groupID)
}

func (t *sqliteTx) memberCount(ctx context.Context, groupID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `SELECT member_count FROM groups WHERE id = ?`, groupID.String()).Scan(&n)
	return n, classifySQLite(err)
}

func (t *sqliteTx) MarkGroupDeleted(ctx context.Context, groupID uuid.UUID, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE groups SET member_count = 0, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		toMillis(at), toMillis(at), groupID.String())
	return affectedOne(res, err)
}

func (t *sqliteTx) AppendEvent(ctx context.Context, e *models.MembershipEvent, msg Staged) error {
	res, err := t.q.ExecContext(ctx,
		`INSERT INTO membership_events (id, group_id, subject_id, actor_id, event_type, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.GroupID.String(), nullString(e.SubjectID), nullString(e.ActorID), string(e.Kind), toMillis(e.OccurredAt))
	if err != nil {
		return classifySQLite(fmt.Errorf("append event: %w", err))
	}
	if e.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("append event seq: %w", err)
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO event_outbox (seq, event_id, group_id, topic, payload, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID.String(), e.GroupID.String(), msg.Topic, msg.Payload, toMillis(e.OccurredAt), toMillis(e.OccurredAt))
	if err != nil {
		return classifySQLite(fmt.Errorf("stage event: %w", err))
	}
	return nil
}

// ClaimOutbox leases due entries; the immediate transaction serializes claimers.
func (s *SQLite) ClaimOutbox(ctx context.Context, consumer string, limit int, now time.Time, leaseTTL time.Duration) ([]OutboxEntry, error) {
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 || leaseTTL <= 0 {
		return nil, fmt.Errorf("limit and lease ttl must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("begin claim: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	nowMs := toMillis(now)
	rows, err := tx.QueryContext(ctx, `
SELECT c.seq, c.event_id, c.group_id, c.topic, c.payload, c.attempts, c.created_at
FROM event_outbox c
WHERE c.published_at IS NULL
AND c.next_attempt_at <= ?1
AND (c.lease_expires_at IS NULL OR c.lease_expires_at <= ?1)
AND NOT EXISTS (
	SELECT 1 FROM event_outbox p
	WHERE p.group_id = c.group_id
	AND p.published_at IS NULL
	AND p.seq < c.seq
	AND (p.next_attempt_at > ?1 OR (p.lease_expires_at IS NOT NULL AND p.lease_expires_at > ?1))
)
ORDER BY c.seq ASC
LIMIT ?2`, nowMs, limit)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("select claim candidates: %w", err))
	}
	var claimed []OutboxEntry
	for rows.Next() {
		var (
			e         OutboxEntry
			createdAt int64
		)
		if err := rows.Scan(&e.Seq, &e.EventID, &e.GroupID, &e.Topic, &e.Payload, &e.Attempts, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan claim candidate: %w", err)
		}
		e.CreatedAt = fromMillis(createdAt)
		claimed = append(claimed, e)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	expires := toMillis(now.Add(leaseTTL))
	for _, e := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_outbox SET lease_owner = ?, lease_expires_at = ? WHERE seq = ?`, consumer, expires, e.Seq); err != nil {
			return nil, classifySQLite(fmt.Errorf("lease entry %d: %w", e.Seq, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, classifySQLite(fmt.Errorf("commit claim: %w", err))
	}
	sortEntries(claimed)
	return claimed, nil
}

// MarkPublished records a successful delivery of a leased entry.
func (s *SQLite) MarkPublished(ctx context.Context, seq int64, consumer string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_outbox
		 SET published_at = ?, lease_owner = '', lease_expires_at = NULL, last_error = ''
		 WHERE seq = ? AND lease_owner = ? AND published_at IS NULL`, toMillis(at), seq, consumer)
	return affectedOne(res, err)
}

// MarkRetry records a failed attempt and schedules the next one.
func (s *SQLite) MarkRetry(ctx context.Context, seq int64, consumer string, nextAttemptAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE event_outbox
		 SET attempts = attempts + 1, next_attempt_at = ?, last_error = ?, lease_owner = '', lease_expires_at = NULL
		 WHERE seq = ? AND lease_owner = ? AND published_at IS NULL`, toMillis(nextAttemptAt), lastError, seq, consumer)
	return affectedOne(res, err)
}

// ReleaseOutbox drops this consumer's lease on an entry.
func (s *SQLite) ReleaseOutbox(ctx context.Context, seq int64, consumer string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE event_outbox SET lease_owner = '', lease_expires_at = NULL
		 WHERE seq = ? AND lease_owner = ? AND published_at IS NULL`, seq, consumer)
	return classifySQLite(err)
}

// OutboxStats counts undelivered entries.
func (s *SQLite) OutboxStats(ctx context.Context) (OutboxStats, error) {
	var (
		st     OutboxStats
		oldest sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM event_outbox WHERE published_at IS NULL`).Scan(&st.Pending, &oldest)
	if err != nil {
		return OutboxStats{}, classifySQLite(err)
	}
	st.OldestPendingAt = fromNullMillis(oldest)
	return st, nil
}
