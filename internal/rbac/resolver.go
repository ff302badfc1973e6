package rbac

import (
	"context"
	"sort"
	"time"
)

// ResolverStore provides the reads needed to compute effective permissions.
type ResolverStore interface {
	ActiveAssignments(ctx context.Context, userID string, now time.Time) ([]Assignment, error)
	RolePermissions(ctx context.Context, roleIDs []int64) ([]Permission, error)
}

// PermissionResolver computes a user's effective permission set: the direct
// permissions of every role held via an active, non-expired assignment,
// unioned with the direct permissions of every role transitively reachable
// through hierarchy edges from those roles.
type PermissionResolver struct {
	store     ResolverStore
	hierarchy *HierarchyResolver
	now       func() time.Time
}

// NewPermissionResolver constructs a resolver.
func NewPermissionResolver(store ResolverStore, hierarchy *HierarchyResolver) *PermissionResolver {
	return &PermissionResolver{store: store, hierarchy: hierarchy, now: time.Now}
}

// Resolve returns the effective permission set for a user, deduplicated and
// ordered by (resource, action) so identical state always yields an
// identical result. The returned instant is the earliest ExpiresAt among the
// assignments that contributed to the set (zero when none expires): the set
// is only valid until then, and cached copies must not outlive it.
func (r *PermissionResolver) Resolve(ctx context.Context, userID string) ([]Permission, time.Time, error) {
	now := r.now()
	assignments, err := r.store.ActiveAssignments(ctx, userID, now)
	if err != nil {
		return nil, time.Time{}, err
	}
	roots := make([]int64, 0, len(assignments))
	var validUntil time.Time
	for _, a := range assignments {
		// The store already filters on is_active and expiry, but the
		// predicate is cheap and this path is the security boundary.
		if !a.EffectivelyActive(now) {
			continue
		}
		roots = append(roots, a.RoleID)
		if a.ExpiresAt != nil && (validUntil.IsZero() || a.ExpiresAt.Before(validUntil)) {
			validUntil = *a.ExpiresAt
		}
	}
	if len(roots) == 0 {
		return []Permission{}, time.Time{}, nil
	}
	closure, err := r.hierarchy.Closure(ctx, roots)
	if err != nil {
		return nil, time.Time{}, err
	}
	perms, err := r.store.RolePermissions(ctx, closure)
	if err != nil {
		return nil, time.Time{}, err
	}
	return dedupePermissions(perms), validUntil, nil
}

func dedupePermissions(perms []Permission) []Permission {
	seen := make(map[int64]struct{}, len(perms))
	result := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Resource != result[j].Resource {
			return result[i].Resource < result[j].Resource
		}
		return result[i].Action < result[j].Action
	})
	return result
}
