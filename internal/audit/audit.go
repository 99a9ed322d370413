package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput = errors.New("audit: invalid input")
)

// Entry is one immutable audit trail record. Entries are snapshots, not
// diffs: BeforeData and AfterData carry whole-value captures and are never
// replayed against the entity.
type Entry struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Action      string         `json:"action"`
	ActorUserID string         `json:"actor_user_id,omitempty"`
	BeforeData  map[string]any `json:"before_data,omitempty"`
	AfterData   map[string]any `json:"after_data,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Ledger is the append-only event store. There is no update or delete;
// mutating an existing entry is not expressible through this interface.
type Ledger interface {
	// Append persists the entry, filling in ID and CreatedAt when unset.
	Append(ctx context.Context, entry *Entry) error
	// ListByEntity returns entries for one entity in creation order.
	ListByEntity(ctx context.Context, tenantID, entityType, entityID string, limit int) ([]Entry, error)
	// ListByActor returns entries recorded against one actor, newest last.
	ListByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]Entry, error)
}

func validate(entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("%w: entry is required", ErrInvalidInput)
	}
	if strings.TrimSpace(entry.TenantID) == "" {
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(entry.EntityType) == "" || strings.TrimSpace(entry.EntityID) == "" {
		return fmt.Errorf("%w: entity reference is required", ErrInvalidInput)
	}
	if strings.TrimSpace(entry.Action) == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}
