// Package audit exports a group's membership event history to object storage.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thriftcircle/groups/internal/auth"
	"github.com/thriftcircle/groups/internal/groups"
	"github.com/thriftcircle/groups/internal/models"
	"github.com/thriftcircle/groups/internal/roster"
	"github.com/thriftcircle/groups/pkg/storage"
)

// ErrDisabled is returned when no object store is configured.
var ErrDisabled = errors.New("audit export is not configured")

// ObjectStore is the subset of storage.S3 used for exports.
type ObjectStore interface {
	AuditBucket() string
	PresignExpire() time.Duration
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader) error
	GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Export describes an uploaded audit file.
type Export struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	Events    int       `json:"events"`
}

// Exporter writes event histories as JSON lines.
type Exporter struct {
	store   roster.Reader
	objects ObjectStore
	logger  *zap.Logger
	now     func() time.Time
}

// NewExporter creates an exporter. objects may be nil, which disables exports.
func NewExporter(store roster.Reader, objects ObjectStore, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		store:   store,
		objects: objects,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enabled reports whether an object store is configured.
func (x *Exporter) Enabled() bool { return x.objects != nil }

// Export uploads the group's full event log and returns a presigned download URL.
// Only admins of the group and platform admins may export.
func (x *Exporter) Export(ctx context.Context, groupID uuid.UUID, actor auth.Identity) (*Export, error) {
	if !x.Enabled() {
		return nil, ErrDisabled
	}
	if actor.IsZero() {
		return nil, groups.ErrUnknownCaller
	}
	v, err := x.store.Snapshot(ctx, groupID)
	if err != nil {
		if errors.Is(err, roster.ErrNotFound) {
			return nil, groups.ErrGroupNotFound
		}
		return nil, storeUnavailable(err)
	}
	if v.Deleted() {
		return nil, groups.ErrGroupNotFound
	}
	if !actor.IsPlatformAdmin() && !isActiveAdmin(v, actor.Subject()) {
		return nil, groups.ErrNotGroupAdmin
	}

	body, err := encodeEvents(v.Events)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	now := x.now()
	key := storage.AuditKey(groupID.String(), now)
	bucket := x.objects.AuditBucket()
	if err := x.objects.Upload(ctx, bucket, key, "application/x-ndjson", bytes.NewReader(body)); err != nil {
		x.logger.Error("audit upload failed", zap.String("group_id", groupID.String()), zap.String("key", key), zap.Error(err))
		return nil, exportFailed(err)
	}
	expires := x.objects.PresignExpire()
	url, err := x.objects.GeneratePresignedDownloadURL(ctx, bucket, key, expires)
	if err != nil {
		x.logger.Error("audit presign failed", zap.String("key", key), zap.Error(err))
		return nil, exportFailed(err)
	}
	x.logger.Info("audit exported",
		zap.String("group_id", groupID.String()),
		zap.String("actor_id", actor.Subject()),
		zap.String("key", key),
		zap.Int("events", len(v.Events)))
	return &Export{Key: key, URL: url, ExpiresAt: now.Add(expires), Events: len(v.Events)}, nil
}

func isActiveAdmin(v *models.GroupView, subject string) bool {
	for i := range v.Members {
		m := &v.Members[i]
		if m.Active() && m.MemberID == subject && m.Role == models.MemberRoleAdmin {
			return true
		}
	}
	return false
}

func encodeEvents(events []models.MembershipEvent) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func storeUnavailable(err error) error {
	return &groups.Error{Kind: groups.KindTransient, Code: groups.ErrStoreTransient.Code, Reason: groups.ErrStoreTransient.Reason, Err: err}
}

func exportFailed(err error) error {
	return &groups.Error{Kind: groups.KindTransient, Code: "export_failed", Reason: "audit export failed, retry", Err: err}
}
