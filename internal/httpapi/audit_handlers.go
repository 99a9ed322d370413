package httpapi

import (
	"net/http"
	"strings"

	"approvia.org/internal/rbac"
)

func (a *API) handleAuditByEntity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermReadAudit) {
		return
	}
	q := r.URL.Query()
	entityType := strings.TrimSpace(q.Get("entity_type"))
	entityID := strings.TrimSpace(q.Get("entity_id"))
	if entityType == "" || entityID == "" {
		writeError(w, r, http.StatusBadRequest, "entity_type and entity_id are required")
		return
	}
	limit, err := parseLimit(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.audit.ListByEntity(r.Context(), actor.TenantID, entityType, entityID, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) handleAuditByActor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermReadAudit) {
		return
	}
	q := r.URL.Query()
	actorUserID := strings.TrimSpace(q.Get("user_id"))
	if actorUserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	limit, err := parseLimit(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.audit.ListByActor(r.Context(), actor.TenantID, actorUserID, limit)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}
