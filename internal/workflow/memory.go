package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"approvia.org/internal/audit"
	"approvia.org/internal/ids"
)

// InMemory is a mutex-guarded Store for tests and local development. All
// mutations and their audit entries happen under one lock, which gives the
// same atomicity the SQL store gets from transactions.
type InMemory struct {
	mu          sync.Mutex
	ledger      audit.Ledger
	definitions map[string]Definition
	defByKey    map[[2]string]string
	instances   map[string]Instance
	steps       map[string][]Step
}

func NewInMemory(ledger audit.Ledger) *InMemory {
	return &InMemory{
		ledger:      ledger,
		definitions: make(map[string]Definition),
		defByKey:    make(map[[2]string]string),
		instances:   make(map[string]Instance),
		steps:       make(map[string][]Step),
	}
}

func (s *InMemory) CreateDefinition(ctx context.Context, def Definition, entry *audit.Entry) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{def.TenantID, def.Key}
	if _, ok := s.defByKey[key]; ok {
		return Definition{}, fmt.Errorf("%w: definition key %q already exists", ErrInvalidInput, def.Key)
	}
	s.definitions[def.ID] = cloneDefinition(def)
	s.defByKey[key] = def.ID
	if err := s.appendLocked(ctx, entry); err != nil {
		delete(s.definitions, def.ID)
		delete(s.defByKey, key)
		return Definition{}, err
	}
	return def, nil
}

func (s *InMemory) Definition(ctx context.Context, tenantID, definitionID string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[definitionID]
	if !ok || def.TenantID != tenantID {
		return Definition{}, ErrNotFound
	}
	return cloneDefinition(def), nil
}

func (s *InMemory) DefinitionByKey(ctx context.Context, tenantID, key string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.defByKey[[2]string{tenantID, key}]
	if !ok {
		return Definition{}, ErrNotFound
	}
	return cloneDefinition(s.definitions[id]), nil
}

func (s *InMemory) CreateInstance(ctx context.Context, inst Instance, steps []Step, entry *audit.Entry) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.TenantID == inst.TenantID &&
			existing.OwnerType == inst.OwnerType &&
			existing.OwnerID == inst.OwnerID &&
			existing.Status == StatusInProgress {
			return Instance{}, ErrDuplicateActiveInstance
		}
	}
	s.instances[inst.ID] = inst
	stored := make([]Step, len(steps))
	copy(stored, steps)
	sort.Slice(stored, func(i, j int) bool { return stored[i].StepOrder < stored[j].StepOrder })
	s.steps[inst.ID] = stored
	if err := s.appendLocked(ctx, entry); err != nil {
		delete(s.instances, inst.ID)
		delete(s.steps, inst.ID)
		return Instance{}, err
	}
	return inst, nil
}

func (s *InMemory) Instance(ctx context.Context, tenantID, instanceID string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return Instance{}, ErrNotFound
	}
	return inst, nil
}

func (s *InMemory) ActiveInstanceForOwner(ctx context.Context, tenantID, ownerType, ownerID string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.instances {
		if inst.TenantID == tenantID && inst.OwnerType == ownerType && inst.OwnerID == ownerID && inst.Status == StatusInProgress {
			return inst, nil
		}
	}
	return Instance{}, ErrNotFound
}

func (s *InMemory) Steps(ctx context.Context, tenantID, instanceID string) ([]Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return nil, ErrNotFound
	}
	steps := s.steps[instanceID]
	out := make([]Step, len(steps))
	copy(out, steps)
	return out, nil
}

func (s *InMemory) ResolveStep(ctx context.Context, res Resolution) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[res.InstanceID]
	if !ok || inst.TenantID != res.TenantID {
		return Instance{}, ErrNotFound
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	steps := s.steps[res.InstanceID]
	idx := -1
	for i := range steps {
		if steps[i].ID == res.StepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Instance{}, ErrNotFound
	}
	if steps[idx].Status != StepPending {
		return Instance{}, fmt.Errorf("%w: step already handled", ErrInvalidTransition)
	}
	// The step must still be the lowest-order pending one.
	for i := range steps {
		if steps[i].Status == StepPending && steps[i].StepOrder < steps[idx].StepOrder {
			return Instance{}, fmt.Errorf("%w: earlier step is still pending", ErrInvalidTransition)
		}
	}

	prevSteps := make([]Step, len(steps))
	copy(prevSteps, steps)
	prevInst := inst

	actedAt := res.ActedAt
	steps[idx].Status = res.StepStatus
	steps[idx].ActedByUserID = res.ActorUserID
	steps[idx].ActedAt = &actedAt
	steps[idx].Comment = res.Comment

	switch res.StepStatus {
	case StepApproved:
		pending := 0
		for i := range steps {
			if steps[i].Status == StepPending {
				pending++
			}
		}
		if pending == 0 {
			inst.Status = StatusCompleted
		}
	case StepRejected:
		for i := range steps {
			if steps[i].Status == StepPending {
				steps[i].Status = StepSkipped
			}
		}
		inst.Status = StatusRejected
	default:
		return Instance{}, fmt.Errorf("%w: resolution status %q", ErrInvalidInput, res.StepStatus)
	}
	inst.UpdatedAt = actedAt
	s.instances[res.InstanceID] = inst
	s.steps[res.InstanceID] = steps

	if err := s.appendLocked(ctx, res.Audit); err != nil {
		s.instances[res.InstanceID] = prevInst
		s.steps[res.InstanceID] = prevSteps
		return Instance{}, err
	}
	return inst, nil
}

func (s *InMemory) CancelInstance(ctx context.Context, tenantID, instanceID, actorUserID string, actedAt time.Time, reason string, entry *audit.Entry) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok || inst.TenantID != tenantID {
		return Instance{}, ErrNotFound
	}
	if inst.Status.Terminal() {
		return Instance{}, fmt.Errorf("%w: instance is %s", ErrInvalidTransition, inst.Status)
	}
	steps := s.steps[instanceID]
	for i := range steps {
		if steps[i].Status != StepPending {
			return Instance{}, fmt.Errorf("%w: a step has already been resolved", ErrInvalidTransition)
		}
	}

	prevSteps := make([]Step, len(steps))
	copy(prevSteps, steps)
	prevInst := inst

	for i := range steps {
		steps[i].Status = StepSkipped
	}
	inst.Status = StatusCancelled
	inst.UpdatedAt = actedAt
	s.instances[instanceID] = inst
	s.steps[instanceID] = steps

	if err := s.appendLocked(ctx, entry); err != nil {
		s.instances[instanceID] = prevInst
		s.steps[instanceID] = prevSteps
		return Instance{}, err
	}
	return inst, nil
}

func (s *InMemory) appendLocked(ctx context.Context, entry *audit.Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: audit entry is required", ErrInvalidInput)
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	return s.ledger.Append(ctx, entry)
}

func cloneDefinition(def Definition) Definition {
	out := def
	out.Steps = make([]StepTemplate, len(def.Steps))
	copy(out.Steps, def.Steps)
	return out
}
