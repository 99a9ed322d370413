package workflow

import (
	"context"
	"time"

	"approvia.org/internal/audit"
)

// Resolution carries everything a store needs to resolve the current step
// and the audit entry that must commit with it.
type Resolution struct {
	TenantID    string
	InstanceID  string
	StepID      string
	StepStatus  StepStatus // APPROVED or REJECTED
	ActorUserID string
	ActedAt     time.Time
	Comment     string
	Audit       *audit.Entry
}

// Store persists definitions, instances and steps. Methods that change
// state are atomic: the state change and the supplied audit entry commit in
// one transaction, and a concurrent transition on the same instance makes
// exactly one caller win while the other fails ErrInvalidTransition.
type Store interface {
	CreateDefinition(ctx context.Context, def Definition, entry *audit.Entry) (Definition, error)
	Definition(ctx context.Context, tenantID, definitionID string) (Definition, error)
	DefinitionByKey(ctx context.Context, tenantID, key string) (Definition, error)

	// CreateInstance persists the instance with its materialized steps.
	// Returns ErrDuplicateActiveInstance when the owner already has an
	// IN_PROGRESS instance.
	CreateInstance(ctx context.Context, inst Instance, steps []Step, entry *audit.Entry) (Instance, error)
	Instance(ctx context.Context, tenantID, instanceID string) (Instance, error)
	// ActiveInstanceForOwner returns ErrNotFound when no IN_PROGRESS
	// instance exists for the owner.
	ActiveInstanceForOwner(ctx context.Context, tenantID, ownerType, ownerID string) (Instance, error)
	// Steps returns the instance's steps ordered by step_order.
	Steps(ctx context.Context, tenantID, instanceID string) ([]Step, error)

	// ResolveStep marks the identified step APPROVED or REJECTED if and only
	// if it is still PENDING, updates the instance (COMPLETED after the last
	// approval, REJECTED plus SKIPPED remainder on rejection) and appends
	// the audit entry, all in one transaction.
	ResolveStep(ctx context.Context, res Resolution) (Instance, error)
	// CancelInstance sets the instance CANCELLED and SKIPs remaining PENDING
	// steps, in the same transaction as the audit entry. Fails
	// ErrInvalidTransition when the instance is terminal or any step has
	// already been resolved.
	CancelInstance(ctx context.Context, tenantID, instanceID, actorUserID string, actedAt time.Time, reason string, entry *audit.Entry) (Instance, error)
}
