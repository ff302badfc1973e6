package rbac

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// RoleStore persists roles.
type RoleStore interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, role Role) (Role, error)
	DeleteRole(ctx context.Context, id int64) error
}

// PermissionStore persists permissions.
type PermissionStore interface {
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpdatePermission(ctx context.Context, perm Permission) (Permission, error)
	DeletePermission(ctx context.Context, id int64) error
}

// GrantStore persists role-permission links.
type GrantStore interface {
	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	RevokePermission(ctx context.Context, roleID, permissionID int64) error
}

// Store aggregates every persistence capability the engine composes.
// *Repository satisfies it.
type Store interface {
	RoleStore
	PermissionStore
	GrantStore
	HierarchyStore
	ResolverStore
	AssignmentStore
	AuditStore
}

// EngineMetrics receives decision and cache instrumentation. Optional.
type EngineMetrics interface {
	RecordDecision(allowed bool)
	RecordCacheLookup(hit bool)
	ObserveResolution(d time.Duration)
}

// EngineConfig collects the engine's dependencies.
type EngineConfig struct {
	Store   Store
	Cache   *PermissionCache
	Logger  *slog.Logger
	Metrics EngineMetrics
}

// Engine is the authorization facade. It composes the hierarchy resolver,
// permission resolver, assignment manager, permission cache and audit log
// behind the decision and administration APIs. Safe for concurrent use.
type Engine struct {
	store       Store
	hierarchy   *HierarchyResolver
	resolver    *PermissionResolver
	assignments *AssignmentManager
	cache       *PermissionCache
	audit       *AuditLog
	logger      *slog.Logger
	metrics     EngineMetrics
	group       singleflight.Group
}

// NewEngine wires the engine from its injected dependencies.
func NewEngine(cfg EngineConfig) *Engine {
	hierarchy := NewHierarchyResolver(cfg.Store)
	audit := NewAuditLog(cfg.Store)
	return &Engine{
		store:       cfg.Store,
		hierarchy:   hierarchy,
		resolver:    NewPermissionResolver(cfg.Store, hierarchy),
		assignments: NewAssignmentManager(cfg.Store, cfg.Cache, cfg.Logger),
		cache:       cfg.Cache,
		audit:       audit,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// CheckPermission reports whether the user holds the (resource, action)
// capability. An unknown capability fails closed.
func (e *Engine) CheckPermission(ctx context.Context, userID, resource, action string) (bool, error) {
	perm, err := e.store.GetPermissionByKey(ctx, resource, action)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.recordDecision(false)
			return false, nil
		}
		return false, err
	}
	perms, err := e.effectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	allowed := false
	for _, p := range perms {
		if p.ID == perm.ID {
			allowed = true
			break
		}
	}
	e.recordDecision(allowed)
	return allowed, nil
}

// GetUserPermissions returns the user's effective permission set.
func (e *Engine) GetUserPermissions(ctx context.Context, userID string) ([]Permission, error) {
	return e.effectivePermissions(ctx, userID)
}

// effectivePermissions consults the cache first and deduplicates concurrent
// recomputation per user with singleflight. Cache write failures are logged
// and ignored: the freshly resolved set is still correct.
func (e *Engine) effectivePermissions(ctx context.Context, userID string) ([]Permission, error) {
	if perms, hit := e.cache.Get(ctx, userID); hit {
		e.recordCacheLookup(true)
		return perms, nil
	}
	e.recordCacheLookup(false)
	value, err, _ := e.group.Do(userID, func() (any, error) {
		start := time.Now()
		perms, validUntil, err := e.resolver.Resolve(ctx, userID)
		if err != nil {
			return nil, err
		}
		if e.metrics != nil {
			e.metrics.ObserveResolution(time.Since(start))
		}
		if err := e.cache.Put(ctx, userID, perms, validUntil); err != nil && e.logger != nil {
			e.logger.Warn("cache permission set", slog.String("user", userID), slog.Any("error", err))
		}
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]Permission), nil
}

// CreateRole inserts a new role and audits the change.
func (e *Engine) CreateRole(ctx context.Context, name, description, createdBy string, meta RequestMeta) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	role, err := e.store.CreateRole(ctx, Role{
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   createdBy,
	})
	if err != nil {
		return Role{}, err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &role.ID,
		NewValues:   roleValues(role),
		PerformedBy: createdBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return Role{}, err
	}
	return role, nil
}

// UpdateRole changes a role's name or description. System roles keep their
// name: renaming one is forbidden.
func (e *Engine) UpdateRole(ctx context.Context, id int64, name, description, performedBy string, meta RequestMeta) (Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Role{}, errors.New("rbac: role name required")
	}
	existing, err := e.store.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if existing.IsSystem && name != existing.Name {
		return Role{}, ErrForbidden
	}
	updated := existing
	updated.Name = name
	updated.Description = strings.TrimSpace(description)
	updated, err = e.store.UpdateRole(ctx, updated)
	if err != nil {
		return Role{}, err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &id,
		OldValues:   roleValues(existing),
		NewValues:   roleValues(updated),
		PerformedBy: performedBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return Role{}, err
	}
	return updated, nil
}

// DeleteRole removes a non-system role and conservatively invalidates all
// cached snapshots, since its grants disappear with it.
func (e *Engine) DeleteRole(ctx context.Context, id int64, performedBy string, meta RequestMeta) error {
	existing, err := e.store.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrForbidden
	}
	if err := e.store.DeleteRole(ctx, id); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &id,
		OldValues:   roleValues(existing),
		PerformedBy: performedBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// GetRole fetches a role by id.
func (e *Engine) GetRole(ctx context.Context, id int64) (Role, error) {
	return e.store.GetRole(ctx, id)
}

// ListRoles returns all roles.
func (e *Engine) ListRoles(ctx context.Context) ([]Role, error) {
	return e.store.ListRoles(ctx)
}

// CreatePermission inserts a new permission.
func (e *Engine) CreatePermission(ctx context.Context, perm Permission, performedBy string, meta RequestMeta) (Permission, error) {
	perm.Name = strings.TrimSpace(perm.Name)
	perm.Resource = strings.TrimSpace(perm.Resource)
	perm.Action = strings.TrimSpace(perm.Action)
	if perm.Resource == "" || perm.Action == "" {
		return Permission{}, errors.New("rbac: permission resource and action required")
	}
	if perm.Name == "" {
		perm.Name = perm.Key()
	}
	created, err := e.store.CreatePermission(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	if err := e.auditModified(ctx, AuditEntry{
		NewValues:   permissionValues(created),
		PerformedBy: performedBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return Permission{}, err
	}
	return created, nil
}

// UpdatePermission changes a non-system permission.
func (e *Engine) UpdatePermission(ctx context.Context, perm Permission, performedBy string, meta RequestMeta) (Permission, error) {
	existing, err := e.store.GetPermission(ctx, perm.ID)
	if err != nil {
		return Permission{}, err
	}
	if existing.IsSystem {
		return Permission{}, ErrForbidden
	}
	perm.IsSystem = existing.IsSystem
	updated, err := e.store.UpdatePermission(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	if err := e.auditModified(ctx, AuditEntry{
		OldValues:   permissionValues(existing),
		NewValues:   permissionValues(updated),
		PerformedBy: performedBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return Permission{}, err
	}
	e.invalidateAll(ctx)
	return updated, nil
}

// DeletePermission removes a non-system permission.
func (e *Engine) DeletePermission(ctx context.Context, id int64, performedBy string, meta RequestMeta) error {
	existing, err := e.store.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsSystem {
		return ErrForbidden
	}
	if err := e.store.DeletePermission(ctx, id); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		OldValues:   permissionValues(existing),
		PerformedBy: performedBy,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// ListPermissions returns all permissions.
func (e *Engine) ListPermissions(ctx context.Context) ([]Permission, error) {
	return e.store.ListPermissions(ctx)
}

// GrantPermissionToRole attaches a direct permission to a role.
func (e *Engine) GrantPermissionToRole(ctx context.Context, cmd GrantPermissionCommand) error {
	if err := e.store.GrantPermission(ctx, cmd.RoleID, cmd.PermissionID); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &cmd.RoleID,
		NewValues:   map[string]any{"permission_id": cmd.PermissionID, "granted": true},
		PerformedBy: cmd.PerformedBy,
		IPAddress:   cmd.Meta.IPAddress,
		UserAgent:   cmd.Meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// RevokePermissionFromRole detaches a direct permission from a role.
func (e *Engine) RevokePermissionFromRole(ctx context.Context, cmd RevokePermissionCommand) error {
	if err := e.store.RevokePermission(ctx, cmd.RoleID, cmd.PermissionID); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &cmd.RoleID,
		OldValues:   map[string]any{"permission_id": cmd.PermissionID, "granted": true},
		NewValues:   map[string]any{"permission_id": cmd.PermissionID, "granted": false},
		PerformedBy: cmd.PerformedBy,
		IPAddress:   cmd.Meta.IPAddress,
		UserAgent:   cmd.Meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// AddHierarchyEdge inserts a parent→child inheritance edge, rejecting any
// edge that would create a cycle.
func (e *Engine) AddHierarchyEdge(ctx context.Context, cmd EdgeCommand) error {
	if err := e.hierarchy.AddEdge(ctx, cmd.ParentID, cmd.ChildID); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &cmd.ParentID,
		NewValues:   map[string]any{"parent_role_id": cmd.ParentID, "child_role_id": cmd.ChildID},
		PerformedBy: cmd.PerformedBy,
		IPAddress:   cmd.Meta.IPAddress,
		UserAgent:   cmd.Meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// RemoveHierarchyEdge deletes an inheritance edge.
func (e *Engine) RemoveHierarchyEdge(ctx context.Context, cmd EdgeCommand) error {
	if err := e.hierarchy.RemoveEdge(ctx, cmd.ParentID, cmd.ChildID); err != nil {
		return err
	}
	if err := e.auditModified(ctx, AuditEntry{
		RoleID:      &cmd.ParentID,
		OldValues:   map[string]any{"parent_role_id": cmd.ParentID, "child_role_id": cmd.ChildID},
		PerformedBy: cmd.PerformedBy,
		IPAddress:   cmd.Meta.IPAddress,
		UserAgent:   cmd.Meta.UserAgent,
	}); err != nil {
		return err
	}
	e.invalidateAll(ctx)
	return nil
}

// AssignRoleToUser grants a role to a user.
func (e *Engine) AssignRoleToUser(ctx context.Context, cmd AssignCommand) (int64, error) {
	return e.assignments.Assign(ctx, cmd)
}

// RevokeRoleFromUser revokes a role from a user. Returns false when no
// active assignment existed.
func (e *Engine) RevokeRoleFromUser(ctx context.Context, cmd RevokeCommand) (bool, error) {
	return e.assignments.Revoke(ctx, cmd)
}

// ListUserRoles returns the user's effectively active assignments.
func (e *Engine) ListUserRoles(ctx context.Context, userID string) ([]Assignment, error) {
	return e.assignments.ListUserRoles(ctx, userID)
}

// QueryAuditLog returns audit entries matching the filter, newest first.
func (e *Engine) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	return e.audit.Query(ctx, filter)
}

func (e *Engine) auditModified(ctx context.Context, entry AuditEntry) error {
	entry.Action = AuditModified
	if _, err := e.audit.Append(ctx, entry, uuid.New()); err != nil {
		if e.logger != nil {
			e.logger.Error("append audit entry", slog.Any("error", err))
		}
		return err
	}
	return nil
}

func (e *Engine) invalidateAll(ctx context.Context) {
	if err := e.cache.InvalidateAll(ctx); err != nil && e.logger != nil {
		e.logger.Warn("invalidate permission cache", slog.Any("error", err))
	}
}

func (e *Engine) recordDecision(allowed bool) {
	if e.metrics != nil {
		e.metrics.RecordDecision(allowed)
	}
}

func (e *Engine) recordCacheLookup(hit bool) {
	if e.metrics != nil {
		e.metrics.RecordCacheLookup(hit)
	}
}

func roleValues(r Role) map[string]any {
	return map[string]any{
		"name":        r.Name,
		"description": r.Description,
		"is_system":   r.IsSystem,
	}
}

func permissionValues(p Permission) map[string]any {
	return map[string]any{
		"name":      p.Name,
		"resource":  p.Resource,
		"action":    p.Action,
		"is_system": p.IsSystem,
	}
}
