package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"approvia.org/internal/obs"
)

// Service provides tenant-scoped role/permission resolution. All identity
// parameters are explicit; the service has no notion of a current request
// or session.
type Service struct {
	store Store
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &Service{store: store}, nil
}

// EnsureBuiltins ensures the platform permission catalog exists.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	for _, p := range BuiltinPermissions {
		if _, err := s.EnsurePermission(ctx, p.Key, p.Description); err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Key, err)
		}
	}
	return nil
}

// EnsurePermission is an idempotent upsert keyed by the global permission
// key. Concurrent calls with the same key yield the same row.
func (s *Service) EnsurePermission(ctx context.Context, key, description string) (Permission, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Permission{}, fmt.Errorf("%w: permission key is required", ErrInvalidInput)
	}
	return s.store.EnsurePermission(ctx, key, strings.TrimSpace(description))
}

// EnsureRole is an idempotent upsert keyed by (tenantID, key).
func (s *Service) EnsureRole(ctx context.Context, tenantID, key, displayName string) (Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" {
		return Role{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if key == "" {
		return Role{}, fmt.Errorf("%w: role key is required", ErrInvalidInput)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = key
	}
	return s.store.EnsureRole(ctx, tenantID, key, displayName)
}

// FindRole resolves a role by its natural key within one tenant.
func (s *Service) FindRole(ctx context.Context, tenantID, key string) (Role, error) {
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	if tenantID == "" || key == "" {
		return Role{}, fmt.Errorf("%w: tenant_id and role key are required", ErrInvalidInput)
	}
	return s.store.FindRole(ctx, tenantID, key)
}

// GrantPermissionToRole links a permission to a role. Granting an already
// granted pair is a silent no-op, never an error.
func (s *Service) GrantPermissionToRole(ctx context.Context, roleID, permissionID string) error {
	roleID = strings.TrimSpace(roleID)
	permissionID = strings.TrimSpace(permissionID)
	if roleID == "" || permissionID == "" {
		return fmt.Errorf("%w: role_id and permission_id are required", ErrInvalidInput)
	}
	return s.store.GrantPermission(ctx, roleID, permissionID)
}

// AssignRoleToUser links a role to a user. Assigning twice is a no-op.
func (s *Service) AssignRoleToUser(ctx context.Context, userID, roleID string) error {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" || roleID == "" {
		return fmt.Errorf("%w: user_id and role_id are required", ErrInvalidInput)
	}
	return s.store.AssignRole(ctx, userID, roleID)
}

// HasAnyPermission reports whether the user holds at least one of the
// required keys within the tenant. An empty required set means no
// restriction was declared and always passes. A user with no assignments,
// or keys that reference no existing permission, resolve to a plain deny,
// never an error.
func (s *Service) HasAnyPermission(ctx context.Context, tenantID, userID string, requiredKeys []string) (bool, error) {
	if len(requiredKeys) == 0 {
		return true, nil
	}
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return false, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	held, err := s.store.UserPermissions(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	heldSet := make(map[string]struct{}, len(held))
	for _, k := range held {
		heldSet[k] = struct{}{}
	}
	allowed := false
	for _, k := range requiredKeys {
		if _, ok := heldSet[strings.TrimSpace(k)]; ok {
			allowed = true
			break
		}
	}
	obs.ObserveAuthzCheck(allowed)
	return allowed, nil
}

// UserPermissions returns the resolved permission key union for the user
// within the tenant.
func (s *Service) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.UserPermissions(ctx, tenantID, userID)
}

// UserRoleKeys returns the tenant role keys assigned to the user.
func (s *Service) UserRoleKeys(ctx context.Context, tenantID, userID string) ([]string, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if tenantID == "" || userID == "" {
		return nil, fmt.Errorf("%w: tenant_id and user_id are required", ErrInvalidInput)
	}
	return s.store.UserRoleKeys(ctx, tenantID, userID)
}
