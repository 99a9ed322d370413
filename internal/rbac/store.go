package rbac

import "context"

// Store describes persistence operations required by the authorization
// engine. Uniqueness constraints at the storage layer are the authoritative
// guard for every Ensure/Grant/Assign operation; any in-process existence
// check is a fast path only.
type Store interface {
	// EnsurePermission inserts the permission unless its key already exists
	// and returns the persisted row either way.
	EnsurePermission(ctx context.Context, key, description string) (Permission, error)
	// FindPermission returns ErrNotFound for an unknown key.
	FindPermission(ctx context.Context, key string) (Permission, error)

	// EnsureRole inserts the role unless (tenantID, key) already exists and
	// returns the persisted row either way.
	EnsureRole(ctx context.Context, tenantID, key, displayName string) (Role, error)
	// FindRole returns ErrNotFound for an unknown (tenantID, key).
	FindRole(ctx context.Context, tenantID, key string) (Role, error)
	// GetRole returns ErrNotFound for an unknown id.
	GetRole(ctx context.Context, roleID string) (Role, error)

	// GrantPermission links role and permission; duplicates are silent.
	// Returns ErrNotFound when either side does not exist.
	GrantPermission(ctx context.Context, roleID, permissionID string) error
	// AssignRole links user and role; duplicates are silent. Returns
	// ErrNotFound when the role does not exist.
	AssignRole(ctx context.Context, userID, roleID string) error

	// UserPermissions returns the union of permission keys across all roles
	// assigned to the user within the tenant.
	UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error)
	// UserRoleKeys returns the keys of the tenant's roles assigned to the user.
	UserRoleKeys(ctx context.Context, tenantID, userID string) ([]string, error)
}
