package dimensions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("dimensions: not found")
	ErrInvalidInput = errors.New("dimensions: invalid input")
)

// Rule declares which accounting dimensions are mandatory or allowed for a
// GL code. At most one rule exists per (tenant, GL code).
type Rule struct {
	ID                    string    `json:"id"`
	TenantID              string    `json:"tenant_id"`
	GLCode                string    `json:"gl_code"`
	RequiredDimensionKeys []string  `json:"required_dimension_keys"`
	OptionalDimensionKeys []string  `json:"optional_dimension_keys,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Result is the outcome of a structural validation.
type Result struct {
	OK              bool     `json:"ok"`
	MissingRequired []string `json:"missing_required"`
}

// Store persists dimension rules.
type Store interface {
	// UpsertRule creates or replaces the rule for (tenantID, glCode).
	UpsertRule(ctx context.Context, rule Rule) (Rule, error)
	// RuleForGL returns ErrNotFound when no rule is configured.
	RuleForGL(ctx context.Context, tenantID, glCode string) (Rule, error)
}

// Service validates proposed dimension sets against the tenant's rules.
// Validation is a pure read; it never writes.
type Service struct {
	store Store
}

func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, errors.New("dimensions store is required")
	}
	return &Service{store: store}, nil
}

// UpsertRule normalizes and stores a rule.
func (s *Service) UpsertRule(ctx context.Context, rule Rule) (Rule, error) {
	rule.TenantID = strings.TrimSpace(rule.TenantID)
	rule.GLCode = strings.TrimSpace(rule.GLCode)
	if rule.TenantID == "" {
		return Rule{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if rule.GLCode == "" {
		return Rule{}, fmt.Errorf("%w: gl_code is required", ErrInvalidInput)
	}
	rule.RequiredDimensionKeys = dedupeKeys(rule.RequiredDimensionKeys)
	rule.OptionalDimensionKeys = dedupeKeys(rule.OptionalDimensionKeys)
	return s.store.UpsertRule(ctx, rule)
}

// Validate checks that every required dimension for the GL code is present.
// No rule, or a rule with no required keys, passes trivially.
func (s *Service) Validate(ctx context.Context, tenantID, glCode string, presentKeys []string) (Result, error) {
	tenantID = strings.TrimSpace(tenantID)
	glCode = strings.TrimSpace(glCode)
	if tenantID == "" || glCode == "" {
		return Result{}, fmt.Errorf("%w: tenant_id and gl_code are required", ErrInvalidInput)
	}
	rule, err := s.store.RuleForGL(ctx, tenantID, glCode)
	if errors.Is(err, ErrNotFound) {
		return Result{OK: true, MissingRequired: []string{}}, nil
	}
	if err != nil {
		return Result{}, err
	}
	present := make(map[string]struct{}, len(presentKeys))
	for _, k := range presentKeys {
		present[strings.TrimSpace(k)] = struct{}{}
	}
	missing := []string{}
	for _, k := range rule.RequiredDimensionKeys {
		if _, ok := present[k]; !ok {
			missing = append(missing, k)
		}
	}
	return Result{OK: len(missing) == 0, MissingRequired: missing}, nil
}

func dedupeKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	var out []string
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
