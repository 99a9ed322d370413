package rbac

import (
	"context"
	"errors"
	"testing"
)

func newTestService(t *testing.T) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory()
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, store
}

func TestEnsureRoleIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.EnsureRole(ctx, "t1", "REVIEWER", "Reviewer")
	if err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	second, err := svc.EnsureRole(ctx, "t1", "REVIEWER", "Reviewer Renamed")
	if err != nil {
		t.Fatalf("ensure role again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeated ensure returned a different role: %s vs %s", first.ID, second.ID)
	}

	// Same key in another tenant is a distinct role.
	other, err := svc.EnsureRole(ctx, "t2", "REVIEWER", "Reviewer")
	if err != nil {
		t.Fatalf("ensure role in second tenant: %v", err)
	}
	if other.ID == first.ID {
		t.Fatalf("role leaked across tenants")
	}
}

func TestGrantAndAssignAreIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	role, err := svc.EnsureRole(ctx, "t1", "REVIEWER", "")
	if err != nil {
		t.Fatalf("ensure role: %v", err)
	}
	perm, err := svc.EnsurePermission(ctx, "expense.review", "review expenses")
	if err != nil {
		t.Fatalf("ensure permission: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := svc.GrantPermissionToRole(ctx, role.ID, perm.ID); err != nil {
			t.Fatalf("grant #%d: %v", i, err)
		}
	}
	if n := store.GrantCount(role.ID); n != 1 {
		t.Fatalf("expected exactly one grant record, got %d", n)
	}

	for i := 0; i < 3; i++ {
		if err := svc.AssignRoleToUser(ctx, "bob", role.ID); err != nil {
			t.Fatalf("assign #%d: %v", i, err)
		}
	}
	if n := store.AssignmentCount("bob"); n != 1 {
		t.Fatalf("expected exactly one assignment record, got %d", n)
	}
}

func TestGrantToMissingRole(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	perm, err := svc.EnsurePermission(ctx, "expense.review", "")
	if err != nil {
		t.Fatalf("ensure permission: %v", err)
	}
	if err := svc.GrantPermissionToRole(ctx, "no-such-role", perm.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.AssignRoleToUser(ctx, "bob", "no-such-role"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasAnyPermission(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	role, _ := svc.EnsureRole(ctx, "t1", "REVIEWER", "")
	perm, _ := svc.EnsurePermission(ctx, "expense.review", "")
	if err := svc.GrantPermissionToRole(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := svc.AssignRoleToUser(ctx, "bob", role.ID); err != nil {
		t.Fatalf("assign: %v", err)
	}

	cases := []struct {
		name   string
		tenant string
		user   string
		keys   []string
		want   bool
	}{
		{"held key", "t1", "bob", []string{"expense.review"}, true},
		{"any-of with one held", "t1", "bob", []string{"expense.submit", "expense.review"}, true},
		{"missing key", "t1", "bob", []string{"expense.submit"}, false},
		{"nonexistent key is a plain deny", "t1", "bob", []string{"no.such.key"}, false},
		{"empty required set passes", "t1", "bob", nil, true},
		{"user with no assignments", "t1", "nobody", []string{"expense.review"}, false},
		{"role does not apply in other tenant", "t2", "bob", []string{"expense.review"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := svc.HasAnyPermission(ctx, tc.tenant, tc.user, tc.keys)
			if err != nil {
				t.Fatalf("HasAnyPermission: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEnsureBuiltins(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if err := svc.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins: %v", err)
	}
	// Running again must not fail.
	if err := svc.EnsureBuiltins(ctx); err != nil {
		t.Fatalf("EnsureBuiltins rerun: %v", err)
	}
}
