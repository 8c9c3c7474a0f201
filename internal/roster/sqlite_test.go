package roster

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/thriftcircle/groups/internal/models"
	"github.com/thriftcircle/groups/pkg/database"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.db")
	db, err := database.OpenSQLite(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := NewSQLite(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedGroup(t *testing.T, s *SQLite, name string, count int, at time.Time) uuid.UUID {
	t.Helper()
	g := &models.Group{ID: uuid.New(), Name: name, CreatorID: "owner", MemberCount: count, CreatedAt: at, UpdatedAt: at}
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertGroup(ctx, g)
	})
	if err != nil {
		t.Fatalf("InsertGroup: %v", err)
	}
	return g.ID
}

func appendEvent(t *testing.T, s *SQLite, groupID uuid.UUID, kind models.EventKind, at time.Time) int64 {
	t.Helper()
	ev := &models.MembershipEvent{ID: uuid.New(), GroupID: groupID, Kind: kind, OccurredAt: at}
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.AppendEvent(ctx, ev, Staged{Topic: kind.Topic(), Payload: []byte(`{}`)})
	})
	if err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	return ev.Seq
}

func TestMigrationsAreRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	for i := 0; i < 2; i++ {
		db, err := database.OpenSQLite(context.Background(), path, nil)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = db.Close()
	}
}

func TestGroupNameIsUnique(t *testing.T) {
	s := openTestSQLite(t)
	now := time.Now().UTC()
	seedGroup(t, s, "Unique", 0, now)
	err := s.InTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.InsertGroup(ctx, &models.Group{ID: uuid.New(), Name: "Unique", CreatorID: "x", CreatedAt: now, UpdatedAt: now})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}
}

func TestOneActiveMembershipPerMember(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	gid := seedGroup(t, s, "G", 0, now)

	first := &models.Membership{ID: uuid.New(), GroupID: gid, MemberID: "u1", Role: models.MemberRoleMember, JoinedAt: now}
	if err := s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertMembership(ctx, first) }); err != nil {
		t.Fatalf("InsertMembership: %v", err)
	}
	dup := &models.Membership{ID: uuid.New(), GroupID: gid, MemberID: "u1", Role: models.MemberRoleMember, JoinedAt: now}
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertMembership(ctx, dup) })
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("err = %v, want ErrDuplicate", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.SealMembership(ctx, first.ID, now); err != nil {
			return err
		}
		if err := tx.SealMembership(ctx, first.ID, now); !errors.Is(err, ErrNotFound) {
			t.Errorf("second seal err = %v, want ErrNotFound", err)
		}
		return tx.InsertMembership(ctx, dup)
	})
	if err != nil {
		t.Fatalf("rejoin after seal: %v", err)
	}
}

func TestMemberCountGuards(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	full := seedGroup(t, s, "Full", models.MaxMembers, now)
	empty := seedGroup(t, s, "Empty", 0, now)

	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.IncrementMemberCount(ctx, full, models.MaxMembers, now)
		return err
	})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("increment at capacity err = %v, want ErrCapacity", err)
	}

	var n int
	err = s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.DecrementMemberCount(ctx, empty, now)
		return err
	})
	if err != nil || n != 0 {
		t.Fatalf("decrement at zero = %d, %v; want 0", n, err)
	}
}

func TestRollbackDiscardsEventAndOutbox(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	gid := seedGroup(t, s, "G", 0, now)

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context, tx Tx) error {
		ev := &models.MembershipEvent{ID: uuid.New(), GroupID: gid, Kind: models.EventJoined, OccurredAt: now}
		if err := tx.AppendEvent(ctx, ev, Staged{Topic: "user_joined", Payload: []byte(`{}`)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	events, err := s.ListEvents(ctx, gid)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	stats, err := s.OutboxStats(ctx)
	if err != nil {
		t.Fatalf("OutboxStats: %v", err)
	}
	if len(events) != 0 || stats.Pending != 0 {
		t.Fatalf("events=%d pending=%d after rollback", len(events), stats.Pending)
	}
}

func TestClaimOutboxHeadOfLine(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a := seedGroup(t, s, "A", 0, now)
	b := seedGroup(t, s, "B", 0, now)
	a1 := appendEvent(t, s, a, models.EventCreated, now)
	a2 := appendEvent(t, s, a, models.EventJoined, now)
	b1 := appendEvent(t, s, b, models.EventCreated, now)

	later := now.Add(time.Second)
	claimed, err := s.ClaimOutbox(ctx, "c1", 10, later, time.Minute)
	if err != nil {
		t.Fatalf("ClaimOutbox: %v", err)
	}
	if len(claimed) != 3 || claimed[0].Seq != a1 || claimed[1].Seq != a2 || claimed[2].Seq != b1 {
		t.Fatalf("claimed = %+v", claimed)
	}

	// Nothing is claimable while leased.
	if again, err := s.ClaimOutbox(ctx, "c2", 10, later, time.Minute); err != nil || len(again) != 0 {
		t.Fatalf("second claim = %v, %v", again, err)
	}

	if err := s.MarkRetry(ctx, a1, "c1", later.Add(time.Hour), "down"); err != nil {
		t.Fatalf("MarkRetry: %v", err)
	}
	if err := s.ReleaseOutbox(ctx, a2, "c1"); err != nil {
		t.Fatalf("ReleaseOutbox: %v", err)
	}
	if err := s.MarkPublished(ctx, b1, "c1", later); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	if err := s.MarkPublished(ctx, b1, "c1", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second MarkPublished err = %v, want ErrNotFound", err)
	}
	if err := s.MarkPublished(ctx, a2, "someone-else", later); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign MarkPublished err = %v, want ErrNotFound", err)
	}

	// a2 is released but sits behind a1, which is backing off.
	if got, err := s.ClaimOutbox(ctx, "c1", 10, later, time.Minute); err != nil || len(got) != 0 {
		t.Fatalf("claim during backoff = %+v, %v", got, err)
	}

	got, err := s.ClaimOutbox(ctx, "c1", 10, later.Add(2*time.Hour), time.Minute)
	if err != nil {
		t.Fatalf("ClaimOutbox after backoff: %v", err)
	}
	if len(got) != 2 || got[0].Seq != a1 || got[0].Attempts != 1 || got[1].Seq != a2 {
		t.Fatalf("claimed after backoff = %+v", got)
	}

	stats, err := s.OutboxStats(ctx)
	if err != nil {
		t.Fatalf("OutboxStats: %v", err)
	}
	if stats.Pending != 2 || stats.OldestPendingAt == nil {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSnapshotReadsGroupRosterAndEvents(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()
	gid := seedGroup(t, s, "Snap", 1, now)
	m := &models.Membership{ID: uuid.New(), GroupID: gid, MemberID: "owner", Role: models.MemberRoleAdmin, JoinedAt: now}
	if err := s.InTx(ctx, func(ctx context.Context, tx Tx) error { return tx.InsertMembership(ctx, m) }); err != nil {
		t.Fatalf("InsertMembership: %v", err)
	}
	appendEvent(t, s, gid, models.EventCreated, now)

	v, err := s.Snapshot(ctx, gid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if v.Name != "Snap" || len(v.Members) != 1 || len(v.Events) != 1 || v.ActiveMembers() != v.MemberCount {
		t.Fatalf("snapshot = %+v", v)
	}
	if v.Members[0].Role != models.MemberRoleAdmin || v.Events[0].Kind != models.EventCreated {
		t.Fatalf("snapshot rows = %+v %+v", v.Members[0], v.Events[0])
	}
	if _, err := s.Snapshot(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing group err = %v, want ErrNotFound", err)
	}
}
