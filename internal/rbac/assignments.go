package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AssignmentTx exposes the operations available inside an assignment
// transaction. The mutation and its audit entry commit together: a failed
// audit append rolls the mutation back.
type AssignmentTx interface {
	// InsertAssignment creates the assignment, failing with ErrConflict when
	// an active, unexpired assignment for the same (user, role) exists.
	InsertAssignment(ctx context.Context, a Assignment) (int64, error)
	// DeactivateAssignment flips is_active on the matching active
	// assignment, returning the prior row and whether one existed.
	DeactivateAssignment(ctx context.Context, userID string, roleID int64) (Assignment, bool, error)
	AppendAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error)
}

// AssignmentStore persists user-role assignments.
type AssignmentStore interface {
	InAssignmentTx(ctx context.Context, fn func(AssignmentTx) error) error
	ListAssignments(ctx context.Context, userID string) ([]Assignment, error)
}

// Invalidator evicts cached permission snapshots.
type Invalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// AssignmentManager creates and revokes time-bounded role assignments,
// writing one audit entry per mutation in the same transaction and
// invalidating the affected user's cache after commit.
type AssignmentManager struct {
	store  AssignmentStore
	cache  Invalidator
	logger *slog.Logger
	now    func() time.Time
}

// NewAssignmentManager constructs a manager.
func NewAssignmentManager(store AssignmentStore, cache Invalidator, logger *slog.Logger) *AssignmentManager {
	return &AssignmentManager{store: store, cache: cache, logger: logger, now: time.Now}
}

// Assign grants a role to a user. An already-expired ExpiresAt is accepted
// but grants nothing; the resolver evaluates expiry at read time.
func (m *AssignmentManager) Assign(ctx context.Context, cmd AssignCommand) (int64, error) {
	assignment := Assignment{
		UserID:     cmd.UserID,
		RoleID:     cmd.RoleID,
		Scope:      cmd.Scope,
		IsActive:   true,
		AssignedAt: m.now(),
		AssignedBy: cmd.AssignedBy,
		ExpiresAt:  cmd.ExpiresAt,
		Notes:      cmd.Notes,
	}
	var id int64
	err := m.store.InAssignmentTx(ctx, func(tx AssignmentTx) error {
		var err error
		id, err = tx.InsertAssignment(ctx, assignment)
		if err != nil {
			return err
		}
		entry := AuditEntry{
			UserID:      cmd.UserID,
			RoleID:      &cmd.RoleID,
			Action:      AuditAssigned,
			NewValues:   assignmentValues(assignment),
			PerformedBy: cmd.AssignedBy,
			PerformedAt: m.now(),
			IPAddress:   cmd.Meta.IPAddress,
			UserAgent:   cmd.Meta.UserAgent,
		}
		_, err = tx.AppendAudit(ctx, entry, uuid.New())
		return err
	})
	if err != nil {
		return 0, err
	}
	m.invalidate(ctx, cmd.UserID)
	return id, nil
}

// Revoke deactivates the matching active assignment. Revoking when no
// active assignment exists is a no-op returning false, not an error, and
// produces no audit entry.
func (m *AssignmentManager) Revoke(ctx context.Context, cmd RevokeCommand) (bool, error) {
	var revoked bool
	err := m.store.InAssignmentTx(ctx, func(tx AssignmentTx) error {
		prior, found, err := tx.DeactivateAssignment(ctx, cmd.UserID, cmd.RoleID)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		after := prior
		after.IsActive = false
		entry := AuditEntry{
			UserID:      cmd.UserID,
			RoleID:      &cmd.RoleID,
			Action:      AuditRevoked,
			OldValues:   assignmentValues(prior),
			NewValues:   assignmentValues(after),
			PerformedBy: cmd.RevokedBy,
			PerformedAt: m.now(),
			IPAddress:   cmd.Meta.IPAddress,
			UserAgent:   cmd.Meta.UserAgent,
		}
		if _, err := tx.AppendAudit(ctx, entry, uuid.New()); err != nil {
			return err
		}
		revoked = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if revoked {
		m.invalidate(ctx, cmd.UserID)
	}
	return revoked, nil
}

// ListUserRoles returns the user's assignments with the effective-activity
// predicate evaluated at the current instant.
func (m *AssignmentManager) ListUserRoles(ctx context.Context, userID string) ([]Assignment, error) {
	assignments, err := m.store.ListAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	result := make([]Assignment, 0, len(assignments))
	for _, a := range assignments {
		if a.EffectivelyActive(now) {
			result = append(result, a)
		}
	}
	return result, nil
}

func (m *AssignmentManager) invalidate(ctx context.Context, userID string) {
	if err := m.cache.Invalidate(ctx, userID); err != nil && m.logger != nil {
		m.logger.Warn("invalidate permission cache", slog.String("user", userID), slog.Any("error", err))
	}
}

func assignmentValues(a Assignment) map[string]any {
	values := map[string]any{
		"user_id":     a.UserID,
		"role_id":     a.RoleID,
		"is_active":   a.IsActive,
		"assigned_by": a.AssignedBy,
	}
	if a.Scope != "" {
		values["scope"] = a.Scope
	}
	if a.ExpiresAt != nil {
		values["expires_at"] = a.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if a.Notes != "" {
		values["notes"] = a.Notes
	}
	return values
}
