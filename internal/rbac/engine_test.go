package rbac

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// memStore is a full in-memory Store, enough to drive the engine end to end
// without Postgres.
type memStore struct {
	nextRoleID int64
	nextPermID int64
	nextAssign int64
	roles      map[int64]Role
	perms      map[int64]Permission
	grants     map[int64][]int64
	edges      []HierarchyEdge
	assigned   []Assignment
	audit      *memAuditStore
}

func newMemStore() *memStore {
	return &memStore{
		roles:  make(map[int64]Role),
		perms:  make(map[int64]Permission),
		grants: make(map[int64][]int64),
		audit:  newMemAuditStore(),
	}
}

func (s *memStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	for _, r := range s.roles {
		if r.Name == role.Name {
			return Role{}, ErrConflict
		}
	}
	s.nextRoleID++
	role.ID = s.nextRoleID
	s.roles[role.ID] = role
	return role, nil
}

func (s *memStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *memStore) ListRoles(ctx context.Context) ([]Role, error) {
	result := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		result = append(result, r)
	}
	return result, nil
}

func (s *memStore) UpdateRole(ctx context.Context, role Role) (Role, error) {
	if _, ok := s.roles[role.ID]; !ok {
		return Role{}, ErrNotFound
	}
	s.roles[role.ID] = role
	return role, nil
}

func (s *memStore) DeleteRole(ctx context.Context, id int64) error {
	if _, ok := s.roles[id]; !ok {
		return ErrNotFound
	}
	delete(s.roles, id)
	delete(s.grants, id)
	return nil
}

func (s *memStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	for _, p := range s.perms {
		if p.Resource == perm.Resource && p.Action == perm.Action {
			return Permission{}, ErrConflict
		}
	}
	s.nextPermID++
	perm.ID = s.nextPermID
	s.perms[perm.ID] = perm
	return perm, nil
}

func (s *memStore) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, ok := s.perms[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (s *memStore) GetPermissionByKey(ctx context.Context, resource, action string) (Permission, error) {
	for _, p := range s.perms {
		if p.Resource == resource && p.Action == action {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (s *memStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	result := make([]Permission, 0, len(s.perms))
	for _, p := range s.perms {
		result = append(result, p)
	}
	return result, nil
}

func (s *memStore) UpdatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if _, ok := s.perms[perm.ID]; !ok {
		return Permission{}, ErrNotFound
	}
	s.perms[perm.ID] = perm
	return perm, nil
}

func (s *memStore) DeletePermission(ctx context.Context, id int64) error {
	if _, ok := s.perms[id]; !ok {
		return ErrNotFound
	}
	delete(s.perms, id)
	return nil
}

func (s *memStore) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	for _, id := range s.grants[roleID] {
		if id == permissionID {
			return ErrConflict
		}
	}
	s.grants[roleID] = append(s.grants[roleID], permissionID)
	return nil
}

func (s *memStore) RevokePermission(ctx context.Context, roleID, permissionID int64) error {
	ids := s.grants[roleID]
	for i, id := range ids {
		if id == permissionID {
			s.grants[roleID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memStore) ListEdges(ctx context.Context) ([]HierarchyEdge, error) {
	return append([]HierarchyEdge(nil), s.edges...), nil
}

func (s *memStore) InEdgeTx(ctx context.Context, fn func(EdgeTx) error) error {
	return fn(s)
}

func (s *memStore) Edges(ctx context.Context) ([]HierarchyEdge, error) {
	return s.ListEdges(ctx)
}

func (s *memStore) Insert(ctx context.Context, parentID, childID int64) error {
	s.edges = append(s.edges, HierarchyEdge{ParentID: parentID, ChildID: childID})
	return nil
}

func (s *memStore) Delete(ctx context.Context, parentID, childID int64) (bool, error) {
	for i, e := range s.edges {
		if e.ParentID == parentID && e.ChildID == childID {
			s.edges = append(s.edges[:i], s.edges[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) InAssignmentTx(ctx context.Context, fn func(AssignmentTx) error) error {
	return fn(s)
}

func (s *memStore) AppendAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	return s.audit.InsertAudit(ctx, entry, key)
}

func (s *memStore) InsertAssignment(ctx context.Context, a Assignment) (int64, error) {
	for _, existing := range s.assigned {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.EffectivelyActive(time.Now()) {
			return 0, ErrConflict
		}
	}
	s.nextAssign++
	a.ID = s.nextAssign
	s.assigned = append(s.assigned, a)
	return a.ID, nil
}

func (s *memStore) DeactivateAssignment(ctx context.Context, userID string, roleID int64) (Assignment, bool, error) {
	for i, a := range s.assigned {
		if a.UserID == userID && a.RoleID == roleID && a.IsActive {
			s.assigned[i].IsActive = false
			return a, true, nil
		}
	}
	return Assignment{}, false, nil
}

func (s *memStore) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	var result []Assignment
	for _, a := range s.assigned {
		if a.UserID == userID {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *memStore) ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]Assignment, error) {
	var result []Assignment
	for _, a := range s.assigned {
		if a.UserID == userID && a.EffectivelyActive(now) {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *memStore) RolePermissions(ctx context.Context, roleIDs []int64) ([]Permission, error) {
	var result []Permission
	for _, roleID := range roleIDs {
		for _, permID := range s.grants[roleID] {
			if p, ok := s.perms[permID]; ok {
				result = append(result, p)
			}
		}
	}
	return result, nil
}

func (s *memStore) InsertAudit(ctx context.Context, entry AuditEntry, key uuid.UUID) (int64, error) {
	return s.audit.InsertAudit(ctx, entry, key)
}

func (s *memStore) QueryAudit(ctx context.Context, filter AuditFilter) ([]AuditEntry, error) {
	var result []AuditEntry
	for i := len(s.audit.entries) - 1; i >= 0; i-- {
		entry := s.audit.entries[i]
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		result = append(result, entry)
		if len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

type engineFixture struct {
	engine *Engine
	store  *memStore
	mr     *miniredis.Miniredis
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := newMemStore()
	engine := NewEngine(EngineConfig{
		Store:  store,
		Cache:  NewPermissionCache(client, time.Minute),
		Logger: slog.Default(),
	})
	return engineFixture{engine: engine, store: store, mr: mr}
}

func TestCheckPermissionThroughInheritance(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{IPAddress: "127.0.0.1", UserAgent: "test"}

	admin, err := fx.engine.CreateRole(ctx, "admin", "Administrators", "root", meta)
	require.NoError(t, err)
	superAdmin, err := fx.engine.CreateRole(ctx, "super_admin", "Super administrators", "root", meta)
	require.NoError(t, err)

	perm, err := fx.engine.CreatePermission(ctx, Permission{Resource: "project", Action: "delete"}, "root", meta)
	require.NoError(t, err)
	require.NoError(t, fx.engine.GrantPermissionToRole(ctx, GrantPermissionCommand{
		RoleID: admin.ID, PermissionID: perm.ID, PerformedBy: "root", Meta: meta,
	}))
	require.NoError(t, fx.engine.AddHierarchyEdge(ctx, EdgeCommand{
		ParentID: superAdmin.ID, ChildID: admin.ID, PerformedBy: "root", Meta: meta,
	}))

	_, err = fx.engine.AssignRoleToUser(ctx, AssignCommand{UserID: "u1", RoleID: superAdmin.ID, AssignedBy: "root", Meta: meta})
	require.NoError(t, err)

	allowed, err := fx.engine.CheckPermission(ctx, "u1", "project", "delete")
	require.NoError(t, err)
	require.True(t, allowed, "super_admin must inherit admin's project:delete")

	revoked, err := fx.engine.RevokeRoleFromUser(ctx, RevokeCommand{UserID: "u1", RoleID: superAdmin.ID, RevokedBy: "root", Meta: meta})
	require.NoError(t, err)
	require.True(t, revoked)

	allowed, err = fx.engine.CheckPermission(ctx, "u1", "project", "delete")
	require.NoError(t, err)
	require.False(t, allowed, "revocation must take effect immediately")
}

func TestCheckPermissionUnknownCapabilityFailsClosed(t *testing.T) {
	fx := newEngineFixture(t)

	allowed, err := fx.engine.CheckPermission(context.Background(), "u1", "nonexistent", "anything")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestGrantInvalidatesCachedDecisions(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{}

	role, err := fx.engine.CreateRole(ctx, "editor", "", "root", meta)
	require.NoError(t, err)
	perm, err := fx.engine.CreatePermission(ctx, Permission{Resource: "doc", Action: "edit"}, "root", meta)
	require.NoError(t, err)
	_, err = fx.engine.AssignRoleToUser(ctx, AssignCommand{UserID: "u1", RoleID: role.ID, AssignedBy: "root", Meta: meta})
	require.NoError(t, err)

	// Prime the cache with an empty set for u1.
	allowed, err := fx.engine.CheckPermission(ctx, "u1", "doc", "edit")
	require.NoError(t, err)
	require.False(t, allowed)

	require.NoError(t, fx.engine.GrantPermissionToRole(ctx, GrantPermissionCommand{
		RoleID: role.ID, PermissionID: perm.ID, PerformedBy: "root", Meta: meta,
	}))

	allowed, err = fx.engine.CheckPermission(ctx, "u1", "doc", "edit")
	require.NoError(t, err)
	require.True(t, allowed, "grant must not be masked by a stale cache entry")
}

func TestSystemEntitiesAreProtected(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{}

	fx.store.nextRoleID++
	fx.store.roles[fx.store.nextRoleID] = Role{ID: fx.store.nextRoleID, Name: "admin", IsSystem: true}
	roleID := fx.store.nextRoleID

	fx.store.nextPermID++
	fx.store.perms[fx.store.nextPermID] = Permission{ID: fx.store.nextPermID, Resource: "roles", Action: "edit", IsSystem: true}
	permID := fx.store.nextPermID

	_, err := fx.engine.UpdateRole(ctx, roleID, "renamed", "", "root", meta)
	require.ErrorIs(t, err, ErrForbidden)

	// Updating a system role's description without renaming is allowed.
	updated, err := fx.engine.UpdateRole(ctx, roleID, "admin", "Built-in administrators", "root", meta)
	require.NoError(t, err)
	require.Equal(t, "Built-in administrators", updated.Description)

	require.ErrorIs(t, fx.engine.DeleteRole(ctx, roleID, "root", meta), ErrForbidden)

	_, err = fx.engine.UpdatePermission(ctx, Permission{ID: permID, Resource: "roles", Action: "edit"}, "root", meta)
	require.ErrorIs(t, err, ErrForbidden)
	require.ErrorIs(t, fx.engine.DeletePermission(ctx, permID, "root", meta), ErrForbidden)
}

func TestEveryMutationIsAudited(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{}

	role, err := fx.engine.CreateRole(ctx, "ops", "", "root", meta)
	require.NoError(t, err)
	perm, err := fx.engine.CreatePermission(ctx, Permission{Resource: "deploy", Action: "run"}, "root", meta)
	require.NoError(t, err)
	require.NoError(t, fx.engine.GrantPermissionToRole(ctx, GrantPermissionCommand{RoleID: role.ID, PermissionID: perm.ID, PerformedBy: "root", Meta: meta}))
	_, err = fx.engine.AssignRoleToUser(ctx, AssignCommand{UserID: "u1", RoleID: role.ID, AssignedBy: "root", Meta: meta})
	require.NoError(t, err)
	_, err = fx.engine.RevokeRoleFromUser(ctx, RevokeCommand{UserID: "u1", RoleID: role.ID, RevokedBy: "root", Meta: meta})
	require.NoError(t, err)

	// create role + create permission + grant + assign + revoke = 5 entries.
	require.Len(t, fx.store.audit.entries, 5)

	entries, err := fx.engine.QueryAuditLog(ctx, AuditFilter{UserID: "u1", Action: AuditRevoked})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, AuditRevoked, entries[0].Action)
}

func TestCachedDecisionRespectsAssignmentExpiry(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{}

	role, err := fx.engine.CreateRole(ctx, "contractor", "", "root", meta)
	require.NoError(t, err)
	perm, err := fx.engine.CreatePermission(ctx, Permission{Resource: "project", Action: "delete"}, "root", meta)
	require.NoError(t, err)
	require.NoError(t, fx.engine.GrantPermissionToRole(ctx, GrantPermissionCommand{
		RoleID: role.ID, PermissionID: perm.ID, PerformedBy: "root", Meta: meta,
	}))

	// Time-bounded grant: expires one second out, well inside the cache TTL.
	expires := time.Now().Add(time.Second)
	_, err = fx.engine.AssignRoleToUser(ctx, AssignCommand{
		UserID: "u1", RoleID: role.ID, AssignedBy: "root", ExpiresAt: &expires, Meta: meta,
	})
	require.NoError(t, err)

	clock := time.Now()
	fx.engine.resolver.now = func() time.Time { return clock }

	allowed, err := fx.engine.CheckPermission(ctx, "u1", "project", "delete")
	require.NoError(t, err)
	require.True(t, allowed)

	// Expiry happens without any mutation, so nothing calls Invalidate; the
	// snapshot TTL is capped at the expiry and must lapse with it.
	clock = clock.Add(2 * time.Second)
	fx.mr.FastForward(2 * time.Second)

	allowed, err = fx.engine.CheckPermission(ctx, "u1", "project", "delete")
	require.NoError(t, err)
	require.False(t, allowed, "an expired assignment must grant nothing, cached or not")
}

// countingStore tallies resolutions; the sleep widens the window so every
// concurrent caller sees a cache miss before the first resolution lands.
type countingStore struct {
	*memStore
	resolves int32
}

func (s *countingStore) ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]Assignment, error) {
	atomic.AddInt32(&s.resolves, 1)
	time.Sleep(50 * time.Millisecond)
	return s.memStore.ActiveAssignments(ctx, userID, now)
}

func TestConcurrentResolutionIsShared(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{memStore: newMemStore()}
	store.roles[1] = Role{ID: 1, Name: "editor"}
	store.perms[1] = Permission{ID: 1, Resource: "doc", Action: "edit"}
	store.grants[1] = []int64{1}
	store.assigned = []Assignment{{ID: 1, UserID: "u1", RoleID: 1, IsActive: true}}

	engine := NewEngine(EngineConfig{
		Store:  store,
		Cache:  NewPermissionCache(client, time.Minute),
		Logger: slog.Default(),
	})

	const callers = 8
	start := make(chan struct{})
	sizes := make(chan int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			perms, err := engine.GetUserPermissions(context.Background(), "u1")
			if err != nil {
				t.Errorf("get permissions: %v", err)
				return
			}
			sizes <- len(perms)
		}()
	}
	close(start)
	wg.Wait()
	close(sizes)

	for size := range sizes {
		require.Equal(t, 1, size)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&store.resolves),
		"concurrent misses for one user must share a single resolution")
}

func TestAddHierarchyEdgeRejectsCycleAtEngineLevel(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	meta := RequestMeta{}

	a, err := fx.engine.CreateRole(ctx, "a", "", "root", meta)
	require.NoError(t, err)
	b, err := fx.engine.CreateRole(ctx, "b", "", "root", meta)
	require.NoError(t, err)

	require.NoError(t, fx.engine.AddHierarchyEdge(ctx, EdgeCommand{ParentID: a.ID, ChildID: b.ID, PerformedBy: "root", Meta: meta}))
	err = fx.engine.AddHierarchyEdge(ctx, EdgeCommand{ParentID: b.ID, ChildID: a.ID, PerformedBy: "root", Meta: meta})
	require.ErrorIs(t, err, ErrCycleDetected)
}
