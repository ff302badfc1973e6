package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAuditLimit = 20
	maxAuditLimit     = 100
)

// AuditFilter narrows an audit query. Zero values mean "no filter".
type AuditFilter struct {
	UserID string
	RoleID *int64
	Action AuditAction
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// AuditStore persists audit entries.
type AuditStore interface {
	// InsertAudit writes the entry once per idempotency key. A retried
	// write with a key that was already persisted returns the existing
	// entry's id without inserting a second row.
	InsertAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error)
	QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// AuditLog is the append-only record of privilege mutations. Entries are
// never updated or deleted by the engine.
type AuditLog struct {
	store AuditStore
	now   func() time.Time
}

// NewAuditLog constructs the audit log service.
func NewAuditLog(store AuditStore) *AuditLog {
	return &AuditLog{store: store, now: time.Now}
}

// Append persists one entry. The caller-supplied key makes retries after a
// transient failure safe: at-least-once delivery without duplicates.
func (l *AuditLog) Append(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = l.now()
	}
	return l.store.InsertAudit(ctx, entry, key)
}

// Query returns entries ordered by performed_at descending. Limit is
// clamped to keep pagination windows bounded.
func (l *AuditLog) Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return l.store.QueryAudit(ctx, filter)
}
