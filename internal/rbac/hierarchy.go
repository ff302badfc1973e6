package rbac

import "context"

// EdgeTx exposes the edge operations available inside a hierarchy
// transaction. Edges returns the rows locked for the duration of the
// transaction so concurrent edits cannot jointly commit a cycle.
type EdgeTx interface {
	Edges(ctx context.Context) ([]HierarchyEdge, error)
	Insert(ctx context.Context, parentID, childID int64) error
	Delete(ctx context.Context, parentID, childID int64) (bool, error)
}

// HierarchyStore provides persistence for the role inheritance graph.
type HierarchyStore interface {
	ListEdges(ctx context.Context) ([]HierarchyEdge, error)
	InEdgeTx(ctx context.Context, fn func(EdgeTx) error) error
}

// HierarchyResolver maintains the role inheritance DAG.
type HierarchyResolver struct {
	store HierarchyStore
}

// NewHierarchyResolver constructs a resolver over the given store.
func NewHierarchyResolver(store HierarchyStore) *HierarchyResolver {
	return &HierarchyResolver{store: store}
}

// AddEdge inserts a parent→child edge. The cycle check walks existing
// edges from child inside the same transaction as the insert: if parent is
// reachable, committing the edge would close a cycle and the call fails
// with ErrCycleDetected.
func (h *HierarchyResolver) AddEdge(ctx context.Context, parentID, childID int64) error {
	if parentID == childID {
		return ErrCycleDetected
	}
	return h.store.InEdgeTx(ctx, func(tx EdgeTx) error {
		edges, err := tx.Edges(ctx)
		if err != nil {
			return err
		}
		adjacency := buildAdjacency(edges, false)
		for _, existing := range edges {
			if existing.ParentID == parentID && existing.ChildID == childID {
				return ErrConflict
			}
		}
		if reachable(adjacency, childID, parentID) {
			return ErrCycleDetected
		}
		return tx.Insert(ctx, parentID, childID)
	})
}

// RemoveEdge deletes a parent→child edge, failing with ErrNotFound when
// the edge does not exist.
func (h *HierarchyResolver) RemoveEdge(ctx context.Context, parentID, childID int64) error {
	return h.store.InEdgeTx(ctx, func(tx EdgeTx) error {
		deleted, err := tx.Delete(ctx, parentID, childID)
		if err != nil {
			return err
		}
		if !deleted {
			return ErrNotFound
		}
		return nil
	})
}

// Closure returns the given roles plus every role transitively reachable
// by following parent→child edges, i.e. all roles whose permissions the
// roots inherit. The edge set is loaded once per call; nothing is memoized
// across calls because the graph can change between them.
func (h *HierarchyResolver) Closure(ctx context.Context, roots []int64) ([]int64, error) {
	edges, err := h.store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	return walk(buildAdjacency(edges, false), roots), nil
}

// Ancestors returns every role that directly or transitively inherits the
// given role's permissions.
func (h *HierarchyResolver) Ancestors(ctx context.Context, roleID int64) ([]int64, error) {
	edges, err := h.store.ListEdges(ctx)
	if err != nil {
		return nil, err
	}
	result := walk(buildAdjacency(edges, true), []int64{roleID})
	return withoutRoot(result, roleID), nil
}

// Descendants returns every role whose permissions the given role inherits.
func (h *HierarchyResolver) Descendants(ctx context.Context, roleID int64) ([]int64, error) {
	result, err := h.Closure(ctx, []int64{roleID})
	if err != nil {
		return nil, err
	}
	return withoutRoot(result, roleID), nil
}

func buildAdjacency(edges []HierarchyEdge, reverse bool) map[int64][]int64 {
	adjacency := make(map[int64][]int64, len(edges))
	for _, e := range edges {
		if reverse {
			adjacency[e.ChildID] = append(adjacency[e.ChildID], e.ParentID)
		} else {
			adjacency[e.ParentID] = append(adjacency[e.ParentID], e.ChildID)
		}
	}
	return adjacency
}

// reachable reports whether target can be reached from start by depth-first
// traversal over the adjacency list.
func reachable(adjacency map[int64][]int64, start, target int64) bool {
	if start == target {
		return true
	}
	visited := map[int64]struct{}{start: {}}
	stack := []int64{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adjacency[current] {
			if next == target {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return false
}

func walk(adjacency map[int64][]int64, roots []int64) []int64 {
	visited := make(map[int64]struct{}, len(roots))
	order := make([]int64, 0, len(roots))
	stack := append([]int64(nil), roots...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		order = append(order, current)
		stack = append(stack, adjacency[current]...)
	}
	return order
}

func withoutRoot(ids []int64, root int64) []int64 {
	result := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != root {
			result = append(result, id)
		}
	}
	return result
}
