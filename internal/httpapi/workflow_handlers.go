package httpapi

import (
	"net/http"
	"strings"

	"approvia.org/internal/rbac"
	"approvia.org/internal/workflow"
)

type createDefinitionRequest struct {
	Key    string                  `json:"key"`
	Module string                  `json:"module"`
	Steps  []workflow.StepTemplate `json:"steps"`
}

type startInstanceRequest struct {
	DefinitionKey string `json:"definition_key"`
	OwnerType     string `json:"owner_type"`
	OwnerID       string `json:"owner_id"`
}

type decisionRequest struct {
	Comment string `json:"comment"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type instanceResponse struct {
	Instance workflow.Instance `json:"instance"`
	Steps    []workflow.Step   `json:"steps"`
}

func (a *API) handleDefinitionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDefinition(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleInstancesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.startInstance(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleInstanceResource routes /v1/instances/{id} and its approve, reject,
// cancel and steps actions.
func (a *API) handleInstanceResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/instances/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getInstance(w, r, id)
	case "steps":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getInstanceSteps(w, r, id)
	case "approve":
		a.advanceInstance(w, r, id, workflow.DecisionApprove)
	case "reject":
		a.advanceInstance(w, r, id, workflow.DecisionReject)
	case "cancel":
		a.cancelInstance(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// createDefinition persists the template and bootstraps authorization for
// every step: the step's role exists in the tenant and holds the matching
// act capability, so granting approval rights is a single role assignment.
func (a *API) createDefinition(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageDefinitions) {
		return
	}
	var req createDefinitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	def, err := a.workflow.CreateDefinition(r.Context(), actor.TenantID, req.Key, req.Module, req.Steps)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	for _, tpl := range def.Steps {
		role, err := a.rbac.EnsureRole(r.Context(), actor.TenantID, tpl.RequiredRoleKey, tpl.RequiredRoleKey)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		perm, err := a.rbac.EnsurePermission(r.Context(), workflow.StepCapability(tpl.RequiredRoleKey),
			"act on workflow steps requiring role "+tpl.RequiredRoleKey)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		if err := a.rbac.GrantPermissionToRole(r.Context(), role.ID, perm.ID); err != nil {
			handleDomainError(w, r, err)
			return
		}
	}
	w.Header().Set("Location", "/v1/workflow/definitions/"+def.ID)
	writeJSON(w, http.StatusCreated, def)
}

func (a *API) startInstance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermStartWorkflow) {
		return
	}
	var req startInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	def, err := a.workflow.DefinitionByKey(r.Context(), actor.TenantID, strings.TrimSpace(req.DefinitionKey))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	inst, err := a.workflow.Start(r.Context(), actor.TenantID, def.ID, req.OwnerType, req.OwnerID, actor.UserID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/instances/"+inst.ID)
	writeJSON(w, http.StatusCreated, inst)
}

func (a *API) getInstance(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	inst, err := a.workflow.Instance(r.Context(), actor.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	steps, err := a.workflow.Steps(r.Context(), actor.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{Instance: inst, Steps: steps})
}

func (a *API) getInstanceSteps(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	steps, err := a.workflow.Steps(r.Context(), actor.TenantID, id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": steps})
}

func (a *API) advanceInstance(w http.ResponseWriter, r *http.Request, id string, decision workflow.Decision) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := a.workflow.Advance(r.Context(), actor.TenantID, id, actor.UserID, decision, req.Comment)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (a *API) cancelInstance(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermStartWorkflow) {
		return
	}
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := a.workflow.Cancel(r.Context(), actor.TenantID, id, actor.UserID, req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}
