package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"approvia.org/internal/audit"
	"approvia.org/internal/ids"
	"approvia.org/internal/obs"
)

// Authorizer decides whether an actor may exercise a capability within a
// tenant. Satisfied by *rbac.Service.
type Authorizer interface {
	HasAnyPermission(ctx context.Context, tenantID, userID string, requiredKeys []string) (bool, error)
}

// Engine drives the per-record approval state machine. It owns all step and
// instance mutation; business modules only ever hold the returned ids.
type Engine struct {
	store Store
	authz Authorizer
	now   func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewEngine(store Store, authz Authorizer, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("workflow store is required")
	}
	if authz == nil {
		return nil, errors.New("authorizer is required")
	}
	e := &Engine{store: store, authz: authz, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateDefinition validates and persists an approval template. Step orders
// must be contiguous from zero with a non-empty role key at every position,
// so instance starts can trust the template unconditionally.
func (e *Engine) CreateDefinition(ctx context.Context, tenantID, key, module string, steps []StepTemplate) (Definition, error) {
	tenantID = strings.TrimSpace(tenantID)
	key = strings.TrimSpace(key)
	module = strings.TrimSpace(module)
	if tenantID == "" {
		return Definition{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if key == "" || module == "" {
		return Definition{}, fmt.Errorf("%w: definition key and module are required", ErrInvalidInput)
	}
	normalized, err := normalizeSteps(steps)
	if err != nil {
		return Definition{}, err
	}
	def := Definition{
		ID:        ids.New(),
		TenantID:  tenantID,
		Key:       key,
		Module:    module,
		Steps:     normalized,
		CreatedAt: e.now().UTC(),
	}
	entry := &audit.Entry{
		TenantID:   tenantID,
		EntityType: defEntityType,
		EntityID:   def.ID,
		Action:     actionDefCreated,
		AfterData: map[string]any{
			"key":    def.Key,
			"module": def.Module,
			"steps":  len(def.Steps),
		},
	}
	return e.store.CreateDefinition(ctx, def, entry)
}

// Definition loads a definition within the tenant.
func (e *Engine) Definition(ctx context.Context, tenantID, definitionID string) (Definition, error) {
	return e.store.Definition(ctx, tenantID, definitionID)
}

// DefinitionByKey loads a definition by its natural key within the tenant.
func (e *Engine) DefinitionByKey(ctx context.Context, tenantID, key string) (Definition, error) {
	return e.store.DefinitionByKey(ctx, tenantID, key)
}

// Start creates an instance bound to one business record, materializing
// every step of the definition in PENDING state. The lowest-order step is
// current from the outset; no separate activation event exists.
func (e *Engine) Start(ctx context.Context, tenantID, definitionID, ownerType, ownerID, actorUserID string) (Instance, error) {
	tenantID = strings.TrimSpace(tenantID)
	ownerType = strings.TrimSpace(ownerType)
	ownerID = strings.TrimSpace(ownerID)
	if tenantID == "" {
		return Instance{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if ownerType == "" || ownerID == "" {
		return Instance{}, fmt.Errorf("%w: owner_type and owner_id are required", ErrInvalidInput)
	}
	def, err := e.store.Definition(ctx, tenantID, definitionID)
	if err != nil {
		return Instance{}, err
	}
	now := e.now().UTC()
	inst := Instance{
		ID:           ids.New(),
		TenantID:     tenantID,
		DefinitionID: def.ID,
		OwnerType:    ownerType,
		OwnerID:      ownerID,
		Status:       StatusInProgress,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	steps := make([]Step, len(def.Steps))
	for i, tpl := range def.Steps {
		steps[i] = Step{
			ID:         ids.New(),
			InstanceID: inst.ID,
			StepOrder:  tpl.Order,
			RoleKey:    tpl.RequiredRoleKey,
			Status:     StepPending,
		}
	}
	entry := &audit.Entry{
		TenantID:    tenantID,
		EntityType:  auditEntityType,
		EntityID:    inst.ID,
		Action:      actionStarted,
		ActorUserID: actorUserID,
		AfterData: map[string]any{
			"status":        string(StatusInProgress),
			"definition_id": def.ID,
			"owner_type":    ownerType,
			"owner_id":      ownerID,
		},
		Metadata: map[string]any{"steps": len(steps)},
	}
	created, err := e.store.CreateInstance(ctx, inst, steps, entry)
	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	obs.ObserveWorkflowTransition("start", outcome)
	return created, err
}

// Advance applies the actor's decision to the current step. Approving the
// final step completes the instance; rejecting any step terminates it and
// skips the remainder. Exactly one audit entry commits with the change.
func (e *Engine) Advance(ctx context.Context, tenantID, instanceID, actorUserID string, decision Decision, comment string) (Instance, error) {
	tenantID = strings.TrimSpace(tenantID)
	instanceID = strings.TrimSpace(instanceID)
	actorUserID = strings.TrimSpace(actorUserID)
	comment = strings.TrimSpace(comment)
	if tenantID == "" || instanceID == "" || actorUserID == "" {
		return Instance{}, fmt.Errorf("%w: tenant_id, instance_id and actor are required", ErrInvalidInput)
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return Instance{}, fmt.Errorf("%w: unsupported decision %q", ErrInvalidInput, decision)
	}
	if decision == DecisionReject && comment == "" {
		return Instance{}, fmt.Errorf("%w: rejection requires a reason", ErrInvalidInput)
	}

	inst, err := e.store.Instance(ctx, tenantID, instanceID)
	if err != nil {
		return Instance{}, err
	}
	if inst.Status.Terminal() {
		obs.ObserveWorkflowTransition("advance", "invalid_transition")
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	steps, err := e.store.Steps(ctx, tenantID, instanceID)
	if err != nil {
		return Instance{}, err
	}
	current, remaining := currentStep(steps)
	if current == nil {
		obs.ObserveWorkflowTransition("advance", "invalid_transition")
		return Instance{}, fmt.Errorf("%w: no pending step", ErrInvalidTransition)
	}

	allowed, err := e.authz.HasAnyPermission(ctx, tenantID, actorUserID, []string{StepCapability(current.RoleKey)})
	if err != nil {
		return Instance{}, err
	}
	if !allowed {
		obs.ObserveWorkflowTransition("advance", "forbidden")
		return Instance{}, ErrForbidden
	}

	actedAt := e.now().UTC()
	res := Resolution{
		TenantID:    tenantID,
		InstanceID:  instanceID,
		StepID:      current.ID,
		ActorUserID: actorUserID,
		ActedAt:     actedAt,
		Comment:     comment,
	}
	// The resulting instance status is computed against the snapshot read
	// above. A concurrent transition invalidates the snapshot, but then the
	// conditional PENDING update inside ResolveStep fails and nothing from
	// this call becomes visible.
	resulting := StatusInProgress
	switch decision {
	case DecisionApprove:
		res.StepStatus = StepApproved
		if remaining == 1 {
			resulting = StatusCompleted
		}
	case DecisionReject:
		res.StepStatus = StepRejected
		resulting = StatusRejected
	}
	metadata := map[string]any{
		"step_order": current.StepOrder,
		"role_key":   current.RoleKey,
	}
	if comment != "" {
		metadata["comment"] = comment
	}
	res.Audit = &audit.Entry{
		TenantID:    tenantID,
		EntityType:  auditEntityType,
		EntityID:    instanceID,
		Action:      advanceAction(decision),
		ActorUserID: actorUserID,
		BeforeData:  map[string]any{"status": string(inst.Status)},
		AfterData:   map[string]any{"status": string(resulting)},
		Metadata:    metadata,
	}

	updated, err := e.store.ResolveStep(ctx, res)
	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	obs.ObserveWorkflowTransition("advance", outcome)
	return updated, err
}

// Cancel abandons an instance on behalf of its owning record. It is only
// permitted while the record is still early in its lifecycle, which the
// engine models as "no step has been resolved yet".
func (e *Engine) Cancel(ctx context.Context, tenantID, instanceID, actorUserID, reason string) (Instance, error) {
	tenantID = strings.TrimSpace(tenantID)
	instanceID = strings.TrimSpace(instanceID)
	if tenantID == "" || instanceID == "" {
		return Instance{}, fmt.Errorf("%w: tenant_id and instance_id are required", ErrInvalidInput)
	}
	reason = strings.TrimSpace(reason)
	entry := &audit.Entry{
		TenantID:    tenantID,
		EntityType:  auditEntityType,
		EntityID:    instanceID,
		Action:      actionCancelled,
		ActorUserID: actorUserID,
		AfterData:   map[string]any{"status": string(StatusCancelled)},
	}
	if reason != "" {
		entry.Metadata = map[string]any{"reason": reason}
	}
	updated, err := e.store.CancelInstance(ctx, tenantID, instanceID, actorUserID, e.now().UTC(), reason, entry)
	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	obs.ObserveWorkflowTransition("cancel", outcome)
	return updated, err
}

// Instance loads an instance within the tenant.
func (e *Engine) Instance(ctx context.Context, tenantID, instanceID string) (Instance, error) {
	return e.store.Instance(ctx, tenantID, instanceID)
}

// Steps returns the instance's steps in order.
func (e *Engine) Steps(ctx context.Context, tenantID, instanceID string) ([]Step, error) {
	return e.store.Steps(ctx, tenantID, instanceID)
}

// ActiveInstanceForOwner returns the in-progress instance attached to a
// business record, if any.
func (e *Engine) ActiveInstanceForOwner(ctx context.Context, tenantID, ownerType, ownerID string) (Instance, error) {
	return e.store.ActiveInstanceForOwner(ctx, tenantID, ownerType, ownerID)
}

// currentStep returns the lowest-order PENDING step and the count of
// unresolved steps.
func currentStep(steps []Step) (*Step, int) {
	var current *Step
	pending := 0
	for i := range steps {
		if steps[i].Status != StepPending {
			continue
		}
		pending++
		if current == nil || steps[i].StepOrder < current.StepOrder {
			current = &steps[i]
		}
	}
	return current, pending
}

func advanceAction(d Decision) string {
	if d == DecisionReject {
		return actionStepRejected
	}
	return actionStepApproved
}

func normalizeSteps(steps []StepTemplate) ([]StepTemplate, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: definition requires at least one step", ErrInvalidInput)
	}
	out := make([]StepTemplate, len(steps))
	copy(out, steps)
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	for i, tpl := range out {
		if tpl.Order != i {
			return nil, fmt.Errorf("%w: step orders must be contiguous from 0, got %d at position %d", ErrInvalidInput, tpl.Order, i)
		}
		if strings.TrimSpace(tpl.RequiredRoleKey) == "" {
			return nil, fmt.Errorf("%w: step %d is missing a required role key", ErrInvalidInput, tpl.Order)
		}
		out[i].RequiredRoleKey = strings.TrimSpace(tpl.RequiredRoleKey)
	}
	return out, nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrDuplicateActiveInstance):
		return "duplicate_active"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
