package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"approvia.org/internal/audit"
)

const (
	pgErrUniqueViolation = "23505"

	// Partial unique index guarding one IN_PROGRESS instance per owner.
	activeOwnerIndex = "workflow_instances_active_owner_idx"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store on PostgreSQL. Every mutating method runs one
// transaction that locks the instance row, applies the change and appends
// the audit entry, so concurrent transitions on the same instance serialize
// and at most one of them commits.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateDefinition(ctx context.Context, def Definition, entry *audit.Entry) (Definition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Definition{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		insert into workflow_definitions (id, tenant_id, key, module, created_at)
		values ($1,$2,$3,$4,$5)
	`, def.ID, def.TenantID, def.Key, def.Module, def.CreatedAt); err != nil {
		if isUniqueViolation(err, "") {
			return Definition{}, fmt.Errorf("%w: definition key %q already exists", ErrInvalidInput, def.Key)
		}
		return Definition{}, err
	}
	for _, tpl := range def.Steps {
		if _, err := tx.ExecContext(ctx, `
			insert into workflow_definition_steps (definition_id, step_order, required_role_key)
			values ($1,$2,$3)
		`, def.ID, tpl.Order, tpl.RequiredRoleKey); err != nil {
			return Definition{}, err
		}
	}
	if err := audit.AppendTx(ctx, tx, entry); err != nil {
		return Definition{}, err
	}
	if err := tx.Commit(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (s *PGStore) Definition(ctx context.Context, tenantID, definitionID string) (Definition, error) {
	return s.loadDefinition(ctx, `
		select id, tenant_id, key, module, created_at
		from workflow_definitions
		where tenant_id = $1 and id = $2
	`, tenantID, definitionID)
}

func (s *PGStore) DefinitionByKey(ctx context.Context, tenantID, key string) (Definition, error) {
	return s.loadDefinition(ctx, `
		select id, tenant_id, key, module, created_at
		from workflow_definitions
		where tenant_id = $1 and key = $2
	`, tenantID, key)
}

func (s *PGStore) loadDefinition(ctx context.Context, query, tenantID, arg string) (Definition, error) {
	var def Definition
	err := s.db.QueryRowContext(ctx, query, tenantID, arg).
		Scan(&def.ID, &def.TenantID, &def.Key, &def.Module, &def.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Definition{}, ErrNotFound
	}
	if err != nil {
		return Definition{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select step_order, required_role_key
		from workflow_definition_steps
		where definition_id = $1
		order by step_order
	`, def.ID)
	if err != nil {
		return Definition{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tpl StepTemplate
		if err := rows.Scan(&tpl.Order, &tpl.RequiredRoleKey); err != nil {
			return Definition{}, err
		}
		def.Steps = append(def.Steps, tpl)
	}
	return def, rows.Err()
}

func (s *PGStore) CreateInstance(ctx context.Context, inst Instance, steps []Step, entry *audit.Entry) (Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		insert into workflow_instances (id, tenant_id, definition_id, owner_type, owner_id, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, inst.ID, inst.TenantID, inst.DefinitionID, inst.OwnerType, inst.OwnerID,
		inst.Status, inst.CreatedAt, inst.UpdatedAt); err != nil {
		if isUniqueViolation(err, activeOwnerIndex) {
			return Instance{}, ErrDuplicateActiveInstance
		}
		return Instance{}, err
	}
	for _, st := range steps {
		if _, err := tx.ExecContext(ctx, `
			insert into workflow_steps (id, instance_id, step_order, role_key, status)
			values ($1,$2,$3,$4,$5)
		`, st.ID, st.InstanceID, st.StepOrder, st.RoleKey, st.Status); err != nil {
			return Instance{}, err
		}
	}
	if err := audit.AppendTx(ctx, tx, entry); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return Instance{}, err
	}
	return inst, nil
}

func (s *PGStore) Instance(ctx context.Context, tenantID, instanceID string) (Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx, `
		select id, tenant_id, definition_id, owner_type, owner_id, status, created_at, updated_at
		from workflow_instances
		where tenant_id = $1 and id = $2
	`, tenantID, instanceID))
}

func (s *PGStore) ActiveInstanceForOwner(ctx context.Context, tenantID, ownerType, ownerID string) (Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx, `
		select id, tenant_id, definition_id, owner_type, owner_id, status, created_at, updated_at
		from workflow_instances
		where tenant_id = $1 and owner_type = $2 and owner_id = $3 and status = 'IN_PROGRESS'
	`, tenantID, ownerType, ownerID))
}

func (s *PGStore) Steps(ctx context.Context, tenantID, instanceID string) ([]Step, error) {
	if _, err := s.Instance(ctx, tenantID, instanceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, instance_id, step_order, role_key, status, coalesce(acted_by_user_id,''), acted_at, coalesce(comment,'')
		from workflow_steps
		where instance_id = $1
		order by step_order
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (s *PGStore) ResolveStep(ctx context.Context, res Resolution) (Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback()

	inst, err := lockInstance(ctx, tx, res.TenantID, res.InstanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}

	var (
		stepOrder  int
		stepStatus StepStatus
	)
	err = tx.QueryRowContext(ctx, `
		select step_order, status
		from workflow_steps
		where id = $1 and instance_id = $2
	`, res.StepID, res.InstanceID).Scan(&stepOrder, &stepStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, err
	}
	if stepStatus != StepPending {
		return Instance{}, fmt.Errorf("%w: step already handled", ErrInvalidTransition)
	}
	var earlier int
	if err := tx.QueryRowContext(ctx, `
		select count(*)
		from workflow_steps
		where instance_id = $1 and status = 'PENDING' and step_order < $2
	`, res.InstanceID, stepOrder).Scan(&earlier); err != nil {
		return Instance{}, err
	}
	if earlier > 0 {
		return Instance{}, fmt.Errorf("%w: earlier step is still pending", ErrInvalidTransition)
	}

	out, err := tx.ExecContext(ctx, `
		update workflow_steps
		set status = $1, acted_by_user_id = $2, acted_at = $3, comment = nullif($4,'')
		where id = $5 and status = 'PENDING'
	`, res.StepStatus, res.ActorUserID, res.ActedAt, res.Comment, res.StepID)
	if err != nil {
		return Instance{}, err
	}
	if n, err := out.RowsAffected(); err != nil {
		return Instance{}, err
	} else if n == 0 {
		return Instance{}, fmt.Errorf("%w: step already handled", ErrInvalidTransition)
	}

	next := StatusInProgress
	switch res.StepStatus {
	case StepApproved:
		var pending int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from workflow_steps
			where instance_id = $1 and status = 'PENDING'
		`, res.InstanceID).Scan(&pending); err != nil {
			return Instance{}, err
		}
		if pending == 0 {
			next = StatusCompleted
		}
	case StepRejected:
		if _, err := tx.ExecContext(ctx, `
			update workflow_steps set status = 'SKIPPED'
			where instance_id = $1 and status = 'PENDING'
		`, res.InstanceID); err != nil {
			return Instance{}, err
		}
		next = StatusRejected
	default:
		return Instance{}, fmt.Errorf("%w: resolution status %q", ErrInvalidInput, res.StepStatus)
	}

	if _, err := tx.ExecContext(ctx, `
		update workflow_instances set status = $1, updated_at = $2
		where id = $3
	`, next, res.ActedAt, res.InstanceID); err != nil {
		return Instance{}, err
	}
	if err := audit.AppendTx(ctx, tx, res.Audit); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return Instance{}, err
	}
	inst.Status = next
	inst.UpdatedAt = res.ActedAt
	return inst, nil
}

func (s *PGStore) CancelInstance(ctx context.Context, tenantID, instanceID, actorUserID string, actedAt time.Time, reason string, entry *audit.Entry) (Instance, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback()

	inst, err := lockInstance(ctx, tx, tenantID, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	var resolved int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from workflow_steps
		where instance_id = $1 and status <> 'PENDING'
	`, instanceID).Scan(&resolved); err != nil {
		return Instance{}, err
	}
	if resolved > 0 {
		return Instance{}, fmt.Errorf("%w: a step has already been resolved", ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		update workflow_steps set status = 'SKIPPED'
		where instance_id = $1 and status = 'PENDING'
	`, instanceID); err != nil {
		return Instance{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update workflow_instances set status = $1, updated_at = $2
		where id = $3
	`, StatusCancelled, actedAt, instanceID); err != nil {
		return Instance{}, err
	}
	if err := audit.AppendTx(ctx, tx, entry); err != nil {
		return Instance{}, err
	}
	if err := tx.Commit(); err != nil {
		return Instance{}, err
	}
	inst.Status = StatusCancelled
	inst.UpdatedAt = actedAt
	return inst, nil
}

func lockInstance(ctx context.Context, tx *sql.Tx, tenantID, instanceID string) (Instance, error) {
	return scanInstance(tx.QueryRowContext(ctx, `
		select id, tenant_id, definition_id, owner_type, owner_id, status, created_at, updated_at
		from workflow_instances
		where tenant_id = $1 and id = $2
		for update
	`, tenantID, instanceID))
}

func scanInstance(row *sql.Row) (Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.TenantID, &inst.DefinitionID, &inst.OwnerType,
		&inst.OwnerID, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, err
	}
	return inst, nil
}

func scanSteps(rows *sql.Rows) ([]Step, error) {
	var steps []Step
	for rows.Next() {
		var (
			st      Step
			actedAt sql.NullTime
		)
		if err := rows.Scan(&st.ID, &st.InstanceID, &st.StepOrder, &st.RoleKey,
			&st.Status, &st.ActedByUserID, &actedAt, &st.Comment); err != nil {
			return nil, err
		}
		if actedAt.Valid {
			t := actedAt.Time
			st.ActedAt = &t
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// isUniqueViolation reports a 23505 error, optionally limited to one named
// constraint. An empty name matches any unique violation.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgErrUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
