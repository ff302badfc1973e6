package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/authensi/authz/internal/platform/db"
)

// hierarchyLockKey serializes hierarchy mutations via a transaction-scoped
// advisory lock, so two concurrent edge additions cannot jointly commit a
// cycle that neither sees.
const hierarchyLockKey = 0x52424143 // "RBAC"

// Repository provides PostgreSQL backed persistence for the engine.
// It satisfies the Store interface.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const roleColumns = `id, name, description, is_system, created_by, created_at, updated_at`

// CreateRole inserts a new role.
func (r *Repository) CreateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO roles (name, description, is_system, created_by) VALUES ($1, $2, $3, $4) RETURNING `+roleColumns,
		role.Name, role.Description, role.IsSystem, role.CreatedBy)
	return scanRole(row)
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	return scanRole(row)
}

// ListRoles returns all roles ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole updates name and description of an existing role.
func (r *Repository) UpdateRole(ctx context.Context, role Role) (Role, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE roles SET name = $2, description = $3, updated_at = NOW() WHERE id = $1 RETURNING `+roleColumns,
		role.ID, role.Name, role.Description)
	return scanRole(row)
}

// DeleteRole removes a role. Grants, edges and assignments cascade.
func (r *Repository) DeleteRole(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const permissionColumns = `id, name, resource, action, is_system`

// CreatePermission inserts a new permission.
func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO permissions (name, resource, action, is_system) VALUES ($1, $2, $3, $4) RETURNING `+permissionColumns,
		perm.Name, perm.Resource, perm.Action, perm.IsSystem)
	return scanPermission(row)
}

// GetPermission fetches a permission by id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	return scanPermission(row)
}

// GetPermissionByKey fetches a permission by its (resource, action) identity.
func (r *Repository) GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+permissionColumns+` FROM permissions WHERE resource = $1 AND action = $2`,
		resource, action)
	return scanPermission(row)
}

// ListPermissions returns all permissions ordered by resource then action.
func (r *Repository) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+permissionColumns+` FROM permissions ORDER BY resource, action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// UpdatePermission updates an existing permission.
func (r *Repository) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE permissions SET name = $2, resource = $3, action = $4 WHERE id = $1 RETURNING `+permissionColumns,
		perm.ID, perm.Name, perm.Resource, perm.Action)
	return scanPermission(row)
}

// DeletePermission removes a permission.
func (r *Repository) DeletePermission(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GrantPermission attaches a permission to a role.
func (r *Repository) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`,
		roleID, permissionID)
	return mapPgError(err)
}

// RevokePermission detaches a permission from a role.
func (r *Repository) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`,
		roleID, permissionID)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RolePermissions returns the direct permissions of the given roles.
func (r *Repository) RolePermissions(ctx context.Context, roleIDs []int64) ([]Permission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT p.id, p.name, p.resource, p.action, p.is_system
		 FROM permissions p
		 JOIN role_permissions rp ON rp.permission_id = p.id
		 WHERE rp.role_id = ANY($1)
		 ORDER BY p.resource, p.action`, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPermissions(rows)
}

// ListEdges returns the full hierarchy edge set.
func (r *Repository) ListEdges(ctx context.Context) ([]HierarchyEdge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT parent_role_id, child_role_id, created_at FROM role_hierarchy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

// InEdgeTx runs fn inside a transaction holding the hierarchy advisory
// lock, giving the cycle check and the edge write a consistent view.
func (r *Repository) InEdgeTx(ctx context.Context, fn func(EdgeTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, hierarchyLockKey); err != nil {
			return err
		}
		return fn(&edgeTx{tx: tx})
	})
}

type edgeTx struct {
	tx pgx.Tx
}

func (t *edgeTx) Edges(ctx context.Context) ([]HierarchyEdge, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT parent_role_id, child_role_id, created_at FROM role_hierarchy`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEdges(rows)
}

func (t *edgeTx) Insert(ctx context.Context, parentID, childID int64) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO role_hierarchy (parent_role_id, child_role_id) VALUES ($1, $2)`,
		parentID, childID)
	return mapPgError(err)
}

func (t *edgeTx) Delete(ctx context.Context, parentID, childID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM role_hierarchy WHERE parent_role_id = $1 AND child_role_id = $2`,
		parentID, childID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const assignmentColumns = `id, user_id, role_id, scope, is_active, assigned_at, assigned_by, expires_at, notes`

// InAssignmentTx runs fn inside one transaction, so an assignment mutation
// and its audit entry commit or roll back together.
func (r *Repository) InAssignmentTx(ctx context.Context, fn func(AssignmentTx) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(&assignmentTx{tx: tx})
	})
}

type assignmentTx struct {
	tx pgx.Tx
}

// InsertAssignment creates an assignment. A lingering active-but-expired
// row for the same (user, role) is deactivated first; a genuinely active,
// unexpired duplicate trips the partial unique index and maps to
// ErrConflict.
func (t *assignmentTx) InsertAssignment(ctx context.Context, a Assignment) (int64, error) {
	_, err := t.tx.Exec(ctx,
		`UPDATE user_role_assignments SET is_active = FALSE
		 WHERE user_id = $1 AND role_id = $2 AND is_active AND expires_at IS NOT NULL AND expires_at <= NOW()`,
		a.UserID, a.RoleID)
	if err != nil {
		return 0, err
	}
	row := t.tx.QueryRow(ctx,
		`INSERT INTO user_role_assignments (user_id, role_id, scope, is_active, assigned_at, assigned_by, expires_at, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		a.UserID, a.RoleID, a.Scope, a.IsActive, a.AssignedAt, a.AssignedBy, a.ExpiresAt, a.Notes)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

// DeactivateAssignment flips is_active on the matching active assignment
// and returns the row as it was before the update. The ux_active_assignment
// index guarantees at most one active row per (user, role), and is_active in
// the qual is re-evaluated after a lock conflict, so of two concurrent
// revokes exactly one matches; the loser reports not-found.
func (t *assignmentTx) DeactivateAssignment(ctx context.Context, userID string, roleID int64) (Assignment, bool, error) {
	row := t.tx.QueryRow(ctx,
		`UPDATE user_role_assignments SET is_active = FALSE
		 WHERE user_id = $1 AND role_id = $2 AND is_active
		 RETURNING id, user_id, role_id, scope, assigned_at, assigned_by, expires_at, notes`,
		userID, roleID)
	var a Assignment
	err := row.Scan(&a.ID, &a.UserID, &a.RoleID, &a.Scope, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return Assignment{}, false, nil
	}
	if err != nil {
		return Assignment{}, false, err
	}
	a.IsActive = true // state prior to the update
	return a, true, nil
}

// AppendAudit writes the audit entry inside the assignment transaction.
func (t *assignmentTx) AppendAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	return insertAudit(ctx, t.tx, entry, key)
}

// ActiveAssignments returns the user's active, non-expired assignments as
// of the given instant.
func (r *Repository) ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM user_role_assignments
		 WHERE user_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)`,
		userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// ListAssignments returns every assignment for the user, newest first.
func (r *Repository) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+assignmentColumns+` FROM user_role_assignments WHERE user_id = $1 ORDER BY assigned_at DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// SweepExpiredAssignments flips is_active on assignments whose expiry has
// passed. Hygiene only: the resolver never trusts is_active alone.
func (r *Repository) SweepExpiredAssignments(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_role_assignments SET is_active = FALSE
		 WHERE is_active AND expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ActiveUserIDs returns users currently holding at least one active
// assignment. Used by the cache warmup job.
func (r *Repository) ActiveUserIDs(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM user_role_assignments WHERE is_active LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// InsertAudit writes an audit entry once per idempotency key.
func (r *Repository) InsertAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	return insertAudit(ctx, r.pool, entry, key)
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting the
// audit insert run standalone or inside an assignment transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertAudit(ctx context.Context, q rowQuerier, entry AuditEntry, key uuid.UUID) (int64, error) {
	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return 0, err
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return 0, err
	}
	row := q.QueryRow(ctx,
		`INSERT INTO audit_log (user_id, role_id, action, old_values, new_values, performed_by, performed_at, ip_address, user_agent, idempotency_key)
		 VALUES (NULLIF($1, ''), $2, $3, $4, $5, NULLIF($6, ''), $7, NULLIF($8, ''), NULLIF($9, ''), $10)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING id`,
		entry.UserID, entry.RoleID, string(entry.Action), oldJSON, newJSON,
		entry.PerformedBy, entry.PerformedAt, entry.IPAddress, entry.UserAgent, key)
	var id int64
	err = row.Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		// Retried write: resolve to the entry the first attempt persisted.
		row = q.QueryRow(ctx, `SELECT id FROM audit_log WHERE idempotency_key = $1`, key)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	if err != nil {
		return 0, mapPgError(err)
	}
	return id, nil
}

// QueryAudit returns audit entries matching the filter, newest first.
func (r *Repository) QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 7)
	appendCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		appendCondition("user_id = $%d", filter.UserID)
	}
	if filter.RoleID != nil {
		appendCondition("role_id = $%d", *filter.RoleID)
	}
	if filter.Action != "" {
		appendCondition("action = $%d", string(filter.Action))
	}
	if !filter.From.IsZero() {
		appendCondition("performed_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		appendCondition("performed_at <= $%d", filter.To)
	}
	query := `SELECT id, COALESCE(user_id, ''), role_id, action, old_values, new_values, COALESCE(performed_by, ''), performed_at, COALESCE(ip_address, ''), COALESCE(user_agent, '') FROM audit_log`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(` ORDER BY performed_at DESC, id DESC LIMIT $%d`, len(args))
	args = append(args, filter.Offset)
	query += fmt.Sprintf(` OFFSET $%d`, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var action string
		var oldJSON, newJSON []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.RoleID, &action, &oldJSON, &newJSON,
			&entry.PerformedBy, &entry.PerformedAt, &entry.IPAddress, &entry.UserAgent); err != nil {
			return nil, err
		}
		entry.Action = AuditAction(action)
		if entry.OldValues, err = unmarshalValues(oldJSON); err != nil {
			return nil, err
		}
		if entry.NewValues, err = unmarshalValues(newJSON); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedBy, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, mapPgError(err)
	}
	return role, nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	err := row.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.IsSystem)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, mapPgError(err)
	}
	return perm, nil
}

func collectPermissions(rows pgx.Rows) ([]Permission, error) {
	var perms []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.IsSystem); err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func collectEdges(rows pgx.Rows) ([]HierarchyEdge, error) {
	var edges []HierarchyEdge
	for rows.Next() {
		var edge HierarchyEdge
		if err := rows.Scan(&edge.ParentID, &edge.ChildID, &edge.CreatedAt); err != nil {
			return nil, err
		}
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func collectAssignments(rows pgx.Rows) ([]Assignment, error) {
	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.Scope, &a.IsActive, &a.AssignedAt, &a.AssignedBy, &a.ExpiresAt, &a.Notes); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func marshalValues(values map[string]any) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return json.Marshal(values)
}

func unmarshalValues(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// mapPgError converts constraint violations into the engine's typed errors.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrConflict
		case "23503":
			return ErrNotFound
		}
	}
	return err
}
