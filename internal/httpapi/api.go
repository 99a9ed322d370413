package httpapi

import (
	"context"
	"database/sql"
	"net/http"

	"approvia.org/internal/audit"
	"approvia.org/internal/dimensions"
	"approvia.org/internal/obs"
	"approvia.org/internal/rbac"
	"approvia.org/internal/workflow"
)

// ReadyProbe reports whether the service can take traffic.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Services are the domain dependencies the HTTP layer exposes.
type Services struct {
	RBAC       *rbac.Service
	Workflow   *workflow.Engine
	Dimensions *dimensions.Service
	Audit      audit.Ledger
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	rbac       *rbac.Service
	workflow   *workflow.Engine
	dimensions *dimensions.Service
	audit      audit.Ledger

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, svc Services) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		rbac:       svc.RBAC,
		workflow:   svc.Workflow,
		dimensions: svc.Dimensions,
		audit:      svc.Audit,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// token minting
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// RBAC administration
	a.mux.HandleFunc("/v1/roles", a.handleRolesCollection)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleResource)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	// workflow definitions and instances
	a.mux.HandleFunc("/v1/workflow/definitions", a.handleDefinitionsCollection)
	a.mux.HandleFunc("/v1/instances", a.handleInstancesCollection)
	a.mux.HandleFunc("/v1/instances/", a.handleInstanceResource)

	// dimension rules
	a.mux.HandleFunc("/v1/dimension-rules", a.handleDimensionRules)
	a.mux.HandleFunc("/v1/dimension-rules/validate", a.handleDimensionValidate)

	// audit queries
	a.mux.HandleFunc("/v1/audit/entity", a.handleAuditByEntity)
	a.mux.HandleFunc("/v1/audit/actor", a.handleAuditByActor)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "approvia-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "approvia-api",
		"version": a.version,
	})
}
