package workflow

import "time"

// InstanceStatus is the overall state of a running workflow.
type InstanceStatus string

const (
	StatusInProgress InstanceStatus = "IN_PROGRESS"
	StatusCompleted  InstanceStatus = "COMPLETED"
	StatusRejected   InstanceStatus = "REJECTED"
	StatusCancelled  InstanceStatus = "CANCELLED"
)

// Terminal reports whether no further transition is permitted.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	}
	return false
}

// StepStatus is the state of one approval step.
type StepStatus string

const (
	StepPending  StepStatus = "PENDING"
	StepApproved StepStatus = "APPROVED"
	StepRejected StepStatus = "REJECTED"
	StepSkipped  StepStatus = "SKIPPED"
)

// Decision is the verb an actor applies to the current step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// StepTemplate is one typed step descriptor inside a definition. Templates
// are validated once at definition creation, not trusted at every start.
type StepTemplate struct {
	Order           int    `json:"order"`
	RequiredRoleKey string `json:"required_role_key"`
}

// Definition is a named, tenant-scoped approval template. Once instances
// reference it, edits happen by creating a new key, not by mutating it.
type Definition struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Key       string         `json:"key"`
	Module    string         `json:"module"`
	Steps     []StepTemplate `json:"steps"`
	CreatedAt time.Time      `json:"created_at"`
}

// Instance is one live execution of a definition, bound to a single
// business record through (OwnerType, OwnerID). At most one instance per
// owner is IN_PROGRESS at a time.
type Instance struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	DefinitionID string         `json:"definition_id"`
	OwnerType    string         `json:"owner_type"`
	OwnerID      string         `json:"owner_id"`
	Status       InstanceStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Step is one materialized approval step of an instance. Steps are strictly
// ordered; the current step is the lowest-order step still PENDING.
type Step struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	StepOrder     int        `json:"step_order"`
	RoleKey       string     `json:"role_key"`
	Status        StepStatus `json:"status"`
	ActedByUserID string     `json:"acted_by_user_id,omitempty"`
	ActedAt       *time.Time `json:"acted_at,omitempty"`
	Comment       string     `json:"comment,omitempty"`
}

// StepCapability returns the permission key tied to a step's role. Advancing
// a step requires this capability; granting it to the tenant role of the
// same name is part of definition bootstrap.
func StepCapability(roleKey string) string {
	return "workflow.act." + roleKey
}

// Audit actions recorded by the engine, one per transition.
const (
	auditEntityType    = "WorkflowInstance"
	actionStarted      = "STARTED"
	actionStepApproved = "APPROVED"
	actionStepRejected = "REJECTED"
	actionCancelled    = "CANCELLED"
	actionDefCreated   = "DEFINITION_CREATED"
	defEntityType      = "WorkflowDefinition"
)
