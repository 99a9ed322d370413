package rbac

import (
	"context"
	"sync"
	"time"

	"approvia.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store with in-process concurrency safety. The natural
// key maps play the role the uniqueness constraints play in PostgreSQL.
type InMemory struct {
	mu          sync.RWMutex
	permsByKey  map[string]Permission
	rolesByID   map[string]Role
	roleKeys    map[[2]string]string    // (tenantID, key) -> roleID
	grants      map[[2]string]struct{}  // (roleID, permissionID)
	assignments map[[2]string]time.Time // (userID, roleID) -> assigned at
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		permsByKey:  make(map[string]Permission),
		rolesByID:   make(map[string]Role),
		roleKeys:    make(map[[2]string]string),
		grants:      make(map[[2]string]struct{}),
		assignments: make(map[[2]string]time.Time),
	}
}

func (s *InMemory) EnsurePermission(ctx context.Context, key, description string) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.permsByKey[key]; ok {
		return p, nil
	}
	p := Permission{ID: ids.New(), Key: key, Description: description, CreatedAt: time.Now().UTC()}
	s.permsByKey[key] = p
	return p, nil
}

func (s *InMemory) FindPermission(ctx context.Context, key string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.permsByKey[key]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemory) EnsureRole(ctx context.Context, tenantID, key, displayName string) (Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nk := [2]string{tenantID, key}
	if id, ok := s.roleKeys[nk]; ok {
		return s.rolesByID[id], nil
	}
	now := time.Now().UTC()
	role := Role{ID: ids.New(), TenantID: tenantID, Key: key, DisplayName: displayName, CreatedAt: now, UpdatedAt: now}
	s.rolesByID[role.ID] = role
	s.roleKeys[nk] = role.ID
	return role, nil
}

func (s *InMemory) FindRole(ctx context.Context, tenantID, key string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.roleKeys[[2]string{tenantID, key}]
	if !ok {
		return Role{}, ErrNotFound
	}
	return s.rolesByID[id], nil
}

func (s *InMemory) GetRole(ctx context.Context, roleID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.rolesByID[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (s *InMemory) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByID[roleID]; !ok {
		return ErrNotFound
	}
	found := false
	for _, p := range s.permsByKey {
		if p.ID == permissionID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	s.grants[[2]string{roleID, permissionID}] = struct{}{}
	return nil
}

func (s *InMemory) AssignRole(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByID[roleID]; !ok {
		return ErrNotFound
	}
	key := [2]string{userID, roleID}
	if _, ok := s.assignments[key]; !ok {
		s.assignments[key] = time.Now().UTC()
	}
	return nil
}

func (s *InMemory) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	permIDs := make(map[string]struct{})
	for key := range s.assignments {
		if key[0] != userID {
			continue
		}
		role, ok := s.rolesByID[key[1]]
		if !ok || role.TenantID != tenantID {
			continue
		}
		for grant := range s.grants {
			if grant[0] == role.ID {
				permIDs[grant[1]] = struct{}{}
			}
		}
	}
	var keys []string
	for _, p := range s.permsByKey {
		if _, ok := permIDs[p.ID]; ok {
			keys = append(keys, p.Key)
		}
	}
	return keys, nil
}

func (s *InMemory) UserRoleKeys(ctx context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.assignments {
		if key[0] != userID {
			continue
		}
		role, ok := s.rolesByID[key[1]]
		if !ok || role.TenantID != tenantID {
			continue
		}
		keys = append(keys, role.Key)
	}
	return keys, nil
}

// GrantCount reports the number of grant records for a role. Test helper;
// the idempotency property is "granting twice yields exactly one record".
func (s *InMemory) GrantCount(roleID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for grant := range s.grants {
		if grant[0] == roleID {
			n++
		}
	}
	return n
}

// AssignmentCount reports the number of assignment records for a user.
func (s *InMemory) AssignmentCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.assignments {
		if key[0] == userID {
			n++
		}
	}
	return n
}
