package dimensions

import (
	"context"
	"sync"
	"time"

	"approvia.org/internal/ids"
)

var _ Store = (*InMemory)(nil)

// InMemory implements Store for tests and local development.
type InMemory struct {
	mu    sync.RWMutex
	rules map[[2]string]Rule // (tenantID, glCode)
}

func NewInMemory() *InMemory {
	return &InMemory{rules: make(map[[2]string]Rule)}
}

func (s *InMemory) UpsertRule(ctx context.Context, rule Rule) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]string{rule.TenantID, rule.GLCode}
	now := time.Now().UTC()
	if existing, ok := s.rules[key]; ok {
		rule.ID = existing.ID
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.ID = ids.New()
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	s.rules[key] = rule
	return rule, nil
}

func (s *InMemory) RuleForGL(ctx context.Context, tenantID, glCode string) (Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[[2]string{tenantID, glCode}]
	if !ok {
		return Rule{}, ErrNotFound
	}
	return rule, nil
}
