package rbac

import "errors"

var (
	// ErrNotFound indicates the referenced role, permission, assignment or
	// edge does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrConflict indicates a duplicate active assignment or a duplicate
	// role/permission name.
	ErrConflict = errors.New("rbac: conflict")
	// ErrCycleDetected indicates a hierarchy edge would create a cycle.
	ErrCycleDetected = errors.New("rbac: hierarchy cycle detected")
	// ErrForbidden indicates an attempt to mutate a system role or permission.
	ErrForbidden = errors.New("rbac: forbidden")
)
