package rbac

import "time"

// Role represents a named bundle of permissions assignable to users.
type Role struct {
	ID          int64
	Name        string
	Description string
	IsSystem    bool
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Permission represents an atomic (resource, action) capability.
// Name is a display alias; identity is the (Resource, Action) pair.
type Permission struct {
	ID       int64
	Name     string
	Resource string
	Action   string
	IsSystem bool
}

// Key returns the canonical "resource:action" identifier.
func (p Permission) Key() string {
	return p.Resource + ":" + p.Action
}

// HierarchyEdge links a parent role to a child role. The parent inherits
// all permissions of the child. The edge set must stay acyclic.
type HierarchyEdge struct {
	ParentID  int64
	ChildID   int64
	CreatedAt time.Time
}

// Assignment grants a role to a user, optionally bounded in time.
type Assignment struct {
	ID         int64
	UserID     string
	RoleID     int64
	Scope      string
	IsActive   bool
	AssignedAt time.Time
	AssignedBy string
	ExpiresAt  *time.Time
	Notes      string
}

// EffectivelyActive reports whether the assignment grants anything at the
// given instant. Expiry is evaluated here, at read time, never by relying
// on a background sweep.
func (a Assignment) EffectivelyActive(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && !a.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AuditAction classifies a privilege mutation.
type AuditAction string

const (
	AuditAssigned AuditAction = "assigned"
	AuditRevoked  AuditAction = "revoked"
	AuditModified AuditAction = "modified"
)

// AuditEntry records a single privilege change. Entries are append-only.
type AuditEntry struct {
	ID          int64
	UserID      string
	RoleID      *int64
	Action      AuditAction
	OldValues   map[string]any
	NewValues   map[string]any
	PerformedBy string
	PerformedAt time.Time
	IPAddress   string
	UserAgent   string
}

// RequestMeta carries caller context captured into audit entries.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

// AssignCommand describes a role assignment request. Maps to AuditAssigned.
type AssignCommand struct {
	UserID     string
	RoleID     int64
	AssignedBy string
	Scope      string
	ExpiresAt  *time.Time
	Notes      string
	Meta       RequestMeta
}

// RevokeCommand describes a role revocation request. Maps to AuditRevoked.
type RevokeCommand struct {
	UserID    string
	RoleID    int64
	RevokedBy string
	Meta      RequestMeta
}

// GrantPermissionCommand attaches a permission to a role. Maps to AuditModified.
type GrantPermissionCommand struct {
	RoleID       int64
	PermissionID int64
	PerformedBy  string
	Meta         RequestMeta
}

// RevokePermissionCommand detaches a permission from a role. Maps to AuditModified.
type RevokePermissionCommand struct {
	RoleID       int64
	PermissionID int64
	PerformedBy  string
	Meta         RequestMeta
}

// EdgeCommand adds or removes a hierarchy edge. Maps to AuditModified.
type EdgeCommand struct {
	ParentID    int64
	ChildID     int64
	PerformedBy string
	Meta        RequestMeta
}
