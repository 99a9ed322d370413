package httpapi

import (
	"net/http"
	"strings"

	"approvia.org/internal/rbac"
)

type createRoleRequest struct {
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

type grantRequest struct {
	PermissionKey string `json:"permission_key"`
	Description   string `json:"description"`
}

type assignRequest struct {
	RoleKey string `json:"role_key"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createRole(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleRoleResource routes /v1/roles/{key}/grants.
func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	key, rest, _ := strings.Cut(path, "/")
	if key == "" || rest != "grants" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.grantPermission(w, r, key)
}

// handleUserResource routes /v1/users/{id}/assignments and
// /v1/users/{id}/permissions.
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	userID, rest, _ := strings.Cut(path, "/")
	if userID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch rest {
	case "assignments":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.assignRole(w, r, userID)
	case "permissions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageRBAC) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.EnsureRole(r.Context(), actor.TenantID, req.Key, req.DisplayName)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) grantPermission(w http.ResponseWriter, r *http.Request, roleKey string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageRBAC) {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.FindRole(r.Context(), actor.TenantID, roleKey)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	perm, err := a.rbac.EnsurePermission(r.Context(), req.PermissionKey, req.Description)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if err := a.rbac.GrantPermissionToRole(r.Context(), role.ID, perm.ID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"role_key":       role.Key,
		"permission_key": perm.Key,
	})
}

func (a *API) assignRole(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageRBAC) {
		return
	}
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.FindRole(r.Context(), actor.TenantID, req.RoleKey)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if err := a.rbac.AssignRoleToUser(r.Context(), userID, role.ID); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"role_key": role.Key,
	})
}

func (a *API) listUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	// Users may inspect their own effective permissions; anyone else's
	// require the admin capability.
	if userID != actor.UserID {
		if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageRBAC) {
			return
		}
	}
	perms, err := a.rbac.UserPermissions(r.Context(), actor.TenantID, userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	roles, err := a.rbac.UserRoleKeys(r.Context(), actor.TenantID, userID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"roles":       roles,
		"permissions": perms,
	})
}
