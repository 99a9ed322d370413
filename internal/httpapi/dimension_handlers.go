package httpapi

import (
	"net/http"

	"approvia.org/internal/dimensions"
	"approvia.org/internal/rbac"
)

type upsertRuleRequest struct {
	GLCode                string   `json:"gl_code"`
	RequiredDimensionKeys []string `json:"required_dimension_keys"`
	OptionalDimensionKeys []string `json:"optional_dimension_keys"`
}

type validateRequest struct {
	GLCode      string   `json:"gl_code"`
	PresentKeys []string `json:"present_keys"`
}

func (a *API) handleDimensionRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut && r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPut, http.MethodPost)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !a.requirePermissions(r.Context(), w, r, actor, rbac.PermManageDimensions) {
		return
	}
	var req upsertRuleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rule, err := a.dimensions.UpsertRule(r.Context(), dimensions.Rule{
		TenantID:              actor.TenantID,
		GLCode:                req.GLCode,
		RequiredDimensionKeys: req.RequiredDimensionKeys,
		OptionalDimensionKeys: req.OptionalDimensionKeys,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (a *API) handleDimensionValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := a.dimensions.Validate(r.Context(), actor.TenantID, req.GLCode, req.PresentKeys)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
