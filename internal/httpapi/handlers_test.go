package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"approvia.org/internal/audit"
	"approvia.org/internal/authn"
	"approvia.org/internal/dimensions"
	"approvia.org/internal/rbac"
	"approvia.org/internal/workflow"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	rbac    *rbac.Service
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("APPROVIA_AUTH_SECRET", "test-secret")
	authn.ResetSecretForTests()
	t.Cleanup(authn.ResetSecretForTests)

	ledger := audit.NewInMemory()
	rbacSvc, err := rbac.NewService(rbac.NewInMemory())
	if err != nil {
		t.Fatalf("rbac service: %v", err)
	}
	engine, err := workflow.NewEngine(workflow.NewInMemory(ledger), rbacSvc)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	dimSvc, err := dimensions.NewService(dimensions.NewInMemory())
	if err != nil {
		t.Fatalf("dimensions service: %v", err)
	}

	api := New(ReadyProbe{}, "test", Services{
		RBAC:       rbacSvc,
		Workflow:   engine,
		Dimensions: dimSvc,
		Audit:      ledger,
	})
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		rbac:    rbacSvc,
	}
}

// grantDirect seeds a role with permissions and assigns it to a user,
// bypassing the HTTP surface. Tests use it to bootstrap the first admin.
func (c *apiClient) grantDirect(tenant, roleKey, userID string, permKeys ...string) {
	c.t.Helper()
	ctx := context.Background()
	role, err := c.rbac.EnsureRole(ctx, tenant, roleKey, roleKey)
	if err != nil {
		c.t.Fatalf("ensure role: %v", err)
	}
	for _, key := range permKeys {
		perm, err := c.rbac.EnsurePermission(ctx, key, "")
		if err != nil {
			c.t.Fatalf("ensure permission: %v", err)
		}
		if err := c.rbac.GrantPermissionToRole(ctx, role.ID, perm.ID); err != nil {
			c.t.Fatalf("grant: %v", err)
		}
	}
	if err := c.rbac.AssignRoleToUser(ctx, userID, role.ID); err != nil {
		c.t.Fatalf("assign: %v", err)
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(user, tenant string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":   user,
		"tenant": tenant,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndInfoArePublic(t *testing.T) {
	c := newTestAPI(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	c := newTestAPI(t)
	resp := c.post("/v1/instances", map[string]any{}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp = c.post("/v1/instances", map[string]any{}, bearerHeader("garbage"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
}

func TestApprovalFlowEndToEnd(t *testing.T) {
	c := newTestAPI(t)
	const tenant = "tenant-1"

	c.grantDirect(tenant, "TENANT_ADMIN", "admin",
		rbac.PermManageRBAC,
		rbac.PermManageDefinitions,
		rbac.PermStartWorkflow,
		rbac.PermReadAudit,
		workflow.StepCapability("TENANT_ADMIN"),
	)
	adminToken := c.obtainToken("admin", tenant)

	// Create a single-step definition whose step is approvable by the
	// tenant admin role.
	resp := c.post("/v1/workflow/definitions", map[string]any{
		"key":    "config-approval",
		"module": "CONFIG",
		"steps": []map[string]any{
			{"order": 0, "required_role_key": "TENANT_ADMIN"},
		},
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create definition returned %d", resp.StatusCode)
	}
	def := decode[workflow.Definition](t, resp)

	// Start an instance for a pending configuration record.
	resp = c.post("/v1/instances", map[string]any{
		"definition_key": "config-approval",
		"owner_type":     "PENDING_CONFIG",
		"owner_id":       "cfg-42",
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start instance returned %d", resp.StatusCode)
	}
	inst := decode[workflow.Instance](t, resp)
	if inst.DefinitionID != def.ID {
		t.Fatalf("instance bound to wrong definition")
	}
	if inst.Status != workflow.StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", inst.Status)
	}

	// Duplicate start for the same record conflicts.
	resp = c.post("/v1/instances", map[string]any{
		"definition_key": "config-approval",
		"owner_type":     "PENDING_CONFIG",
		"owner_id":       "cfg-42",
	}, bearerHeader(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start returned %d, want 409", resp.StatusCode)
	}

	// Approve the single step; the instance completes.
	resp = c.post("/v1/instances/"+inst.ID+"/approve", map[string]any{}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve returned %d", resp.StatusCode)
	}
	approved := decode[workflow.Instance](t, resp)
	if approved.Status != workflow.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", approved.Status)
	}

	// Approving again is an invalid transition.
	resp = c.post("/v1/instances/"+inst.ID+"/approve", map[string]any{}, bearerHeader(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second approve returned %d, want 409", resp.StatusCode)
	}

	// The trail holds exactly STARTED then APPROVED.
	resp = c.get("/v1/audit/entity", url.Values{
		"entity_type": {"WorkflowInstance"},
		"entity_id":   {inst.ID},
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit query returned %d", resp.StatusCode)
	}
	trail := decode[struct {
		Items []audit.Entry `json:"items"`
	}](t, resp)
	if len(trail.Items) != 2 || trail.Items[0].Action != "STARTED" || trail.Items[1].Action != "APPROVED" {
		t.Fatalf("unexpected audit trail: %+v", trail.Items)
	}
}

func TestAdvanceDeniedForUnauthorizedUser(t *testing.T) {
	c := newTestAPI(t)
	const tenant = "tenant-1"

	c.grantDirect(tenant, "TENANT_ADMIN", "admin",
		rbac.PermManageDefinitions,
		rbac.PermStartWorkflow,
	)
	adminToken := c.obtainToken("admin", tenant)

	resp := c.post("/v1/workflow/definitions", map[string]any{
		"key":    "expense-approval",
		"module": "EXPENSE",
		"steps": []map[string]any{
			{"order": 0, "required_role_key": "REVIEWER"},
		},
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create definition returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/instances", map[string]any{
		"definition_key": "expense-approval",
		"owner_type":     "EXPENSE",
		"owner_id":       "exp-1",
	}, bearerHeader(adminToken))
	inst := decode[workflow.Instance](t, resp)

	// A tenant member without the step capability is denied with a body
	// that does not name the missing permission.
	strangerToken := c.obtainToken("stranger", tenant)
	resp = c.post("/v1/instances/"+inst.ID+"/approve", map[string]any{}, bearerHeader(strangerToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "forbidden" {
		t.Fatalf("denial body must stay generic, got %+v", body)
	}

	// A member of another tenant cannot even see the instance.
	otherToken := c.obtainToken("outsider", "tenant-2")
	resp = c.get("/v1/instances/"+inst.ID, nil, bearerHeader(otherToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant read returned %d, want 404", resp.StatusCode)
	}
}

func TestRBACAdministrationOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	const tenant = "tenant-1"

	c.grantDirect(tenant, "TENANT_ADMIN", "admin", rbac.PermManageRBAC)
	adminToken := c.obtainToken("admin", tenant)

	resp := c.post("/v1/roles", map[string]any{
		"key":          "REVIEWER",
		"display_name": "Expense Reviewer",
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/roles/REVIEWER/grants", map[string]any{
		"permission_key": "expense.review",
		"description":    "review submitted expenses",
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grant returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/users/bob/assignments", map[string]any{
		"role_key": "REVIEWER",
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Bob can read his own effective permissions.
	bobToken := c.obtainToken("bob", tenant)
	resp = c.get("/v1/users/bob/permissions", nil, bearerHeader(bobToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("self permissions returned %d", resp.StatusCode)
	}
	effective := decode[struct {
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}](t, resp)
	if len(effective.Roles) != 1 || effective.Roles[0] != "REVIEWER" {
		t.Fatalf("unexpected roles: %v", effective.Roles)
	}
	if len(effective.Permissions) != 1 || effective.Permissions[0] != "expense.review" {
		t.Fatalf("unexpected permissions: %v", effective.Permissions)
	}

	// Bob cannot read someone else's.
	resp = c.get("/v1/users/admin/permissions", nil, bearerHeader(bobToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 reading another user, got %d", resp.StatusCode)
	}
}

func TestDimensionRulesOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	const tenant = "tenant-1"

	c.grantDirect(tenant, "TENANT_ADMIN", "admin", rbac.PermManageDimensions)
	adminToken := c.obtainToken("admin", tenant)

	resp := c.post("/v1/dimension-rules", map[string]any{
		"gl_code":                 "6001",
		"required_dimension_keys": []string{"REAL_IO", "COST_CENTER"},
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert rule returned %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Validation is open to any tenant member.
	memberToken := c.obtainToken("bob", tenant)
	resp = c.post("/v1/dimension-rules/validate", map[string]any{
		"gl_code":      "6001",
		"present_keys": []string{"REAL_IO"},
	}, bearerHeader(memberToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate returned %d", resp.StatusCode)
	}
	result := decode[dimensions.Result](t, resp)
	if result.OK || len(result.MissingRequired) != 1 || result.MissingRequired[0] != "COST_CENTER" {
		t.Fatalf("unexpected validation result: %+v", result)
	}

	// Managing rules without the capability is denied.
	resp = c.post("/v1/dimension-rules", map[string]any{
		"gl_code":                 "6002",
		"required_dimension_keys": []string{"PROJECT"},
	}, bearerHeader(memberToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	const tenant = "tenant-1"

	c.grantDirect(tenant, "TENANT_ADMIN", "admin",
		rbac.PermManageDefinitions,
		rbac.PermStartWorkflow,
	)
	adminToken := c.obtainToken("admin", tenant)

	resp := c.post("/v1/workflow/definitions", map[string]any{
		"key":    "invoice-approval",
		"module": "AP_INVOICE",
		"steps": []map[string]any{
			{"order": 0, "required_role_key": "AP_CLERK"},
			{"order": 1, "required_role_key": "CONTROLLER"},
		},
	}, bearerHeader(adminToken))
	resp.Body.Close()

	resp = c.post("/v1/instances", map[string]any{
		"definition_key": "invoice-approval",
		"owner_type":     "AP_INVOICE",
		"owner_id":       "inv-9",
	}, bearerHeader(adminToken))
	inst := decode[workflow.Instance](t, resp)

	resp = c.post("/v1/instances/"+inst.ID+"/cancel", map[string]any{
		"reason": "entered against the wrong vendor",
	}, bearerHeader(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel returned %d", resp.StatusCode)
	}
	cancelled := decode[workflow.Instance](t, resp)
	if cancelled.Status != workflow.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	// The record can be resubmitted afterwards.
	resp = c.post("/v1/instances", map[string]any{
		"definition_key": "invoice-approval",
		"owner_type":     "AP_INVOICE",
		"owner_id":       "inv-9",
	}, bearerHeader(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("restart after cancel returned %d", resp.StatusCode)
	}
}
