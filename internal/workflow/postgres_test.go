package workflow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"approvia.org/internal/audit"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestPGCreateInstanceDuplicateActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("insert into workflow_instances").
		WithArgs("inst-1", "t1", "def-1", "EXPENSE", "exp-1", "IN_PROGRESS",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "workflow_instances_active_owner_idx"})
	mock.ExpectRollback()

	now := time.Now().UTC()
	inst := Instance{
		ID: "inst-1", TenantID: "t1", DefinitionID: "def-1",
		OwnerType: "EXPENSE", OwnerID: "exp-1", Status: StatusInProgress,
		CreatedAt: now, UpdatedAt: now,
	}
	_, err := store.CreateInstance(context.Background(), inst, nil, &audit.Entry{
		TenantID: "t1", EntityType: "WorkflowInstance", EntityID: "inst-1", Action: "STARTED",
	})
	if !errors.Is(err, ErrDuplicateActiveInstance) {
		t.Fatalf("expected ErrDuplicateActiveInstance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGInstanceNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, tenant_id, definition_id, owner_type, owner_id, status, created_at, updated_at").
		WithArgs("t1", "missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Instance(context.Background(), "t1", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGResolveStepCommitsAtomically(t *testing.T) {
	store, mock := newMockStore(t)
	actedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)from workflow_instances.*for update").
		WithArgs("t1", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "definition_id", "owner_type", "owner_id", "status", "created_at", "updated_at",
		}).AddRow("inst-1", "t1", "def-1", "EXPENSE", "exp-1", "IN_PROGRESS", actedAt, actedAt))
	mock.ExpectQuery("select step_order, status").
		WithArgs("step-1", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"step_order", "status"}).AddRow(0, "PENDING"))
	mock.ExpectQuery("select count").
		WithArgs("inst-1", 0).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("update workflow_steps").
		WithArgs("APPROVED", "bob", actedAt, "ok", "step-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select count").
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("update workflow_instances").
		WithArgs("COMPLETED", actedAt, "inst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into audit_logs").
		WithArgs(sqlmock.AnyArg(), "t1", "WorkflowInstance", "inst-1", "APPROVED",
			"bob", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	inst, err := store.ResolveStep(context.Background(), Resolution{
		TenantID:    "t1",
		InstanceID:  "inst-1",
		StepID:      "step-1",
		StepStatus:  StepApproved,
		ActorUserID: "bob",
		ActedAt:     actedAt,
		Comment:     "ok",
		Audit: &audit.Entry{
			TenantID: "t1", EntityType: "WorkflowInstance", EntityID: "inst-1",
			Action: "APPROVED", ActorUserID: "bob",
		},
	})
	if err != nil {
		t.Fatalf("ResolveStep: %v", err)
	}
	if inst.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPGResolveStepAlreadyHandled(t *testing.T) {
	store, mock := newMockStore(t)
	actedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("(?s)from workflow_instances.*for update").
		WithArgs("t1", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "definition_id", "owner_type", "owner_id", "status", "created_at", "updated_at",
		}).AddRow("inst-1", "t1", "def-1", "EXPENSE", "exp-1", "IN_PROGRESS", actedAt, actedAt))
	mock.ExpectQuery("select step_order, status").
		WithArgs("step-1", "inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"step_order", "status"}).AddRow(0, "APPROVED"))
	mock.ExpectRollback()

	_, err := store.ResolveStep(context.Background(), Resolution{
		TenantID: "t1", InstanceID: "inst-1", StepID: "step-1",
		StepStatus: StepApproved, ActorUserID: "bob", ActedAt: actedAt,
		Audit: &audit.Entry{TenantID: "t1", EntityType: "WorkflowInstance", EntityID: "inst-1", Action: "APPROVED"},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
