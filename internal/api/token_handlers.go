package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
)

// TokenRedeemer consumes one-time connect tokens; satisfied by
// *store.TokenStore.
type TokenRedeemer interface {
	ConsumeConnectToken(ctx context.Context, token string) (string, error)
}

// TokenHandler serves the desktop gateway's redeem endpoint. The gateway
// sits inside the deployment and carries no user identity, so the route
// skips the identity middleware; the token itself is the credential.
type TokenHandler struct {
	Tokens TokenRedeemer
}

func (h *TokenHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /internal/connect/redeem", h.Redeem)
}

// Redeem handles POST /internal/connect/redeem. Consumption is single-use:
// a replayed token is indistinguishable from an expired one.
func (h *TokenHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidation, "invalid JSON body"))
		return
	}
	if req.Token == "" {
		writeError(w, domain.E(domain.KindValidation, "token is required"))
		return
	}

	labID, err := h.Tokens.ConsumeConnectToken(r.Context(), req.Token)
	if err != nil {
		writeError(w, domain.E(domain.KindNotFound, "connect token unknown or expired"))
		return
	}
	logging.Op().Info("connect token redeemed", "lab_id", labID)
	writeJSON(w, http.StatusOK, map[string]string{"lab_id": labID})
}
