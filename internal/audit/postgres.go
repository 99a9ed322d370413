package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"approvia.org/internal/ids"
)

var _ Ledger = (*PGLedger)(nil)

// PGLedger implements Ledger on PostgreSQL. The audit_logs table carries no
// update or delete path; the only statement this type ever issues against it
// besides selects is a plain insert.
type PGLedger struct {
	db *sql.DB
}

func NewPGLedger(db *sql.DB) *PGLedger {
	return &PGLedger{db: db}
}

// Execer is the subset of database/sql needed to append an entry. Both
// *sql.DB and *sql.Tx satisfy it, so callers that must commit an audited
// mutation and its entry atomically can append inside their own transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *PGLedger) Append(ctx context.Context, entry *Entry) error {
	return AppendTx(ctx, l.db, entry)
}

// AppendTx writes the entry using the caller's transaction (or connection).
// The workflow engine relies on this for same-or-fail semantics: the state
// change and the entry describing it commit together or not at all.
func AppendTx(ctx context.Context, ex Execer, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	before, err := marshalNullable(entry.BeforeData)
	if err != nil {
		return fmt.Errorf("marshal before_data: %w", err)
	}
	after, err := marshalNullable(entry.AfterData)
	if err != nil {
		return fmt.Errorf("marshal after_data: %w", err)
	}
	meta, err := marshalNullable(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		insert into audit_logs (id, tenant_id, entity_type, entity_id, action, actor_user_id, before_data, after_data, metadata, created_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7,$8,$9,$10)
	`, entry.ID, entry.TenantID, entry.EntityType, entry.EntityID, entry.Action,
		entry.ActorUserID, before, after, meta, entry.CreatedAt)
	return err
}

func (l *PGLedger) ListByEntity(ctx context.Context, tenantID, entityType, entityID string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		select id, tenant_id, entity_type, entity_id, action, coalesce(actor_user_id,''), before_data, after_data, metadata, created_at
		from audit_logs
		where tenant_id = $1 and entity_type = $2 and entity_id = $3
		order by created_at asc, id asc
		limit $4
	`, tenantID, entityType, entityID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (l *PGLedger) ListByActor(ctx context.Context, tenantID, actorUserID string, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		select id, tenant_id, entity_type, entity_id, action, coalesce(actor_user_id,''), before_data, after_data, metadata, created_at
		from audit_logs
		where tenant_id = $1 and actor_user_id = $2
		order by created_at asc, id asc
		limit $3
	`, tenantID, actorUserID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var res []Entry
	for rows.Next() {
		var (
			e                   Entry
			before, after, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action,
			&e.ActorUserID, &before, &after, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if e.BeforeData, err = unmarshalNullable(before); err != nil {
			return nil, err
		}
		if e.AfterData, err = unmarshalNullable(after); err != nil {
			return nil, err
		}
		if e.Metadata, err = unmarshalNullable(meta); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalNullable(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalNullable(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
