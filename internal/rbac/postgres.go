package rbac

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"approvia.org/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Idempotent ensure/grant/assign
// paths lean on the schema's uniqueness constraints: insert with
// "on conflict do nothing", then fetch whatever row won.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) EnsurePermission(ctx context.Context, key, description string) (Permission, error) {
	if _, err := s.db.ExecContext(ctx, `
		insert into rbac_permissions (id, key, description)
		values ($1, $2, nullif($3,''))
		on conflict (key) do nothing
	`, ids.New(), key, description); err != nil {
		return Permission{}, err
	}
	return s.FindPermission(ctx, key)
}

func (s *PGStore) FindPermission(ctx context.Context, key string) (Permission, error) {
	var (
		p    Permission
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, key, description, created_at
		from rbac_permissions
		where key = $1
	`, key).Scan(&p.ID, &p.Key, &desc, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	if err != nil {
		return Permission{}, err
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

func (s *PGStore) EnsureRole(ctx context.Context, tenantID, key, displayName string) (Role, error) {
	if _, err := s.db.ExecContext(ctx, `
		insert into rbac_roles (id, tenant_id, key, display_name)
		values ($1, $2, $3, $4)
		on conflict (tenant_id, key) do nothing
	`, ids.New(), tenantID, key, displayName); err != nil {
		return Role{}, err
	}
	return s.FindRole(ctx, tenantID, key)
}

func (s *PGStore) FindRole(ctx context.Context, tenantID, key string) (Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, tenant_id, key, display_name, description, created_at, updated_at
		from rbac_roles
		where tenant_id = $1 and key = $2
	`, tenantID, key))
}

func (s *PGStore) GetRole(ctx context.Context, roleID string) (Role, error) {
	return s.scanRole(s.db.QueryRowContext(ctx, `
		select id, tenant_id, key, display_name, description, created_at, updated_at
		from rbac_roles
		where id = $1
	`, roleID))
}

func (s *PGStore) scanRole(row *sql.Row) (Role, error) {
	var (
		role Role
		desc sql.NullString
	)
	err := row.Scan(&role.ID, &role.TenantID, &role.Key, &role.DisplayName, &desc, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func (s *PGStore) GrantPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rbac_role_permissions (role_id, permission_id)
		values ($1, $2)
		on conflict (role_id, permission_id) do nothing
	`, roleID, permissionID)
	return mapConstraintErr(err)
}

func (s *PGStore) AssignRole(ctx context.Context, userID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into rbac_user_roles (user_id, role_id)
		values ($1, $2)
		on conflict (user_id, role_id) do nothing
	`, userID, roleID)
	return mapConstraintErr(err)
}

func (s *PGStore) UserPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from rbac_user_roles ur
		join rbac_roles r on r.id = ur.role_id and r.tenant_id = $1
		join rbac_role_permissions rp on rp.role_id = ur.role_id
		join rbac_permissions p on p.id = rp.permission_id
		where ur.user_id = $2
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

func (s *PGStore) UserRoleKeys(ctx context.Context, tenantID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.key
		from rbac_user_roles ur
		join rbac_roles r on r.id = ur.role_id and r.tenant_id = $1
		where ur.user_id = $2
		order by r.key
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanKeys(rows)
}

func scanKeys(rows *sql.Rows) ([]string, error) {
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// mapConstraintErr turns storage constraint failures into domain errors.
// A unique violation on an idempotent path means the pair already exists,
// which callers treat as success.
func mapConstraintErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return nil
		case pgErrForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}
