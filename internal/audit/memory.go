package audit

import (
	"context"
	"sync"
	"time"

	"approvia.org/internal/ids"
)

// InMemory implements Ledger with in-process concurrency safety. Used by
// engine tests and local development; production uses the PostgreSQL ledger.
type InMemory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (l *InMemory) Append(ctx context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	l.entries = append(l.entries, cloneEntry(*entry))
	return nil
}

func (l *InMemory) ListByEntity(ctx context.Context, tenantID, entityType, entityID string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Entry
	for _, e := range l.entries {
		if e.TenantID != tenantID || e.EntityType != entityType || e.EntityID != entityID {
			continue
		}
		res = append(res, cloneEntry(e))
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (l *InMemory) ListByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Entry
	for _, e := range l.entries {
		if e.TenantID != tenantID || e.ActorUserID != actorUserID {
			continue
		}
		res = append(res, cloneEntry(e))
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

// cloneEntry copies the entry so callers cannot mutate stored state.
func cloneEntry(e Entry) Entry {
	e.BeforeData = cloneMap(e.BeforeData)
	e.AfterData = cloneMap(e.AfterData)
	e.Metadata = cloneMap(e.Metadata)
	return e
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
