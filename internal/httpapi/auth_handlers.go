package httpapi

import (
	"net/http"
	"strings"
	"time"

	"approvia.org/internal/authn"
)

type tokenRequest struct {
	User   string `json:"user"`
	Tenant string `json:"tenant"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

const tokenTTL = 15 * time.Minute

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user := strings.TrimSpace(req.User)
	tenant := strings.TrimSpace(req.Tenant)
	if user == "" || tenant == "" {
		writeError(w, r, http.StatusBadRequest, "user and tenant are required")
		return
	}

	token, err := authn.GenerateToken(user, tenant, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(tokenTTL),
	})
}
