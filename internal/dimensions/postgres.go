package dimensions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"approvia.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Required/optional key lists are
// stored as jsonb arrays; the (tenant_id, gl_code) uniqueness constraint
// keeps the "at most one rule" invariant.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) UpsertRule(ctx context.Context, rule Rule) (Rule, error) {
	required, err := json.Marshal(keysOrEmpty(rule.RequiredDimensionKeys))
	if err != nil {
		return Rule{}, fmt.Errorf("marshal required keys: %w", err)
	}
	optional, err := json.Marshal(keysOrEmpty(rule.OptionalDimensionKeys))
	if err != nil {
		return Rule{}, fmt.Errorf("marshal optional keys: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into gl_dimension_rules (id, tenant_id, gl_code, required_dimension_keys, optional_dimension_keys)
		values ($1, $2, $3, $4, $5)
		on conflict (tenant_id, gl_code) do update
		set required_dimension_keys = excluded.required_dimension_keys,
		    optional_dimension_keys = excluded.optional_dimension_keys,
		    updated_at = now()
		returning id, tenant_id, gl_code, required_dimension_keys, optional_dimension_keys, created_at, updated_at
	`, ids.New(), rule.TenantID, rule.GLCode, required, optional)
	return scanRule(row)
}

func (s *PGStore) RuleForGL(ctx context.Context, tenantID, glCode string) (Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, tenant_id, gl_code, required_dimension_keys, optional_dimension_keys, created_at, updated_at
		from gl_dimension_rules
		where tenant_id = $1 and gl_code = $2
	`, tenantID, glCode)
	return scanRule(row)
}

func scanRule(row *sql.Row) (Rule, error) {
	var (
		rule               Rule
		required, optional []byte
	)
	err := row.Scan(&rule.ID, &rule.TenantID, &rule.GLCode, &required, &optional, &rule.CreatedAt, &rule.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Rule{}, ErrNotFound
	}
	if err != nil {
		return Rule{}, err
	}
	if len(required) > 0 {
		if err := json.Unmarshal(required, &rule.RequiredDimensionKeys); err != nil {
			return Rule{}, err
		}
	}
	if len(optional) > 0 {
		if err := json.Unmarshal(optional, &rule.OptionalDimensionKeys); err != nil {
			return Rule{}, err
		}
	}
	return rule, nil
}

func keysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
