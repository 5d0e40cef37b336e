package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/runtime"
)

// RuntimeAdmin is the operator surface over the runtime selector;
// satisfied by *runtime.Selector.
type RuntimeAdmin interface {
	Default() domain.RuntimeName
	Doctor(ctx context.Context, name domain.RuntimeName) (*runtime.DoctorReport, error)
	Smoke(ctx context.Context, name domain.RuntimeName) (*runtime.SmokeResult, error)
	Override(ctx context.Context) (domain.RuntimeName, error)
	SetOverride(ctx context.Context, name domain.RuntimeName) error
}

// AdminHandler serves the operator endpoints. Every route is wrapped in
// requireAdmin.
type AdminHandler struct {
	Admin RuntimeAdmin
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /admin/microvm/doctor", requireAdmin(h.Doctor))
	mux.HandleFunc("POST /admin/microvm/smoke", requireAdmin(h.Smoke))
	mux.HandleFunc("GET /admin/runtime", requireAdmin(h.GetRuntime))
	mux.HandleFunc("POST /admin/runtime", requireAdmin(h.SetRuntime))
}

// Doctor handles GET /admin/microvm/doctor. The report itself is the
// answer; a failing doctor is still a 200.
func (h *AdminHandler) Doctor(w http.ResponseWriter, r *http.Request) {
	report, err := h.Admin.Doctor(r.Context(), domain.RuntimeFirecracker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Smoke handles POST /admin/microvm/smoke. Destructive: it boots and
// destroys a throwaway VM.
func (h *AdminHandler) Smoke(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)
	logging.Op().Info("smoke test requested", "admin", id.UserID)

	result, err := h.Admin.Smoke(r.Context(), domain.RuntimeFirecracker)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetRuntime handles GET /admin/runtime.
func (h *AdminHandler) GetRuntime(w http.ResponseWriter, r *http.Request) {
	override, err := h.Admin.Override(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	effective := h.Admin.Default()
	if override != "" {
		effective = override
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"default":   string(h.Admin.Default()),
		"override":  string(override),
		"effective": string(effective),
	})
}

// SetRuntime handles POST /admin/runtime. An empty override clears the
// pin; labs already provisioned keep their runtime.
func (h *AdminHandler) SetRuntime(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Override string `json:"override"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidation, "invalid JSON body"))
		return
	}
	if err := h.Admin.SetOverride(r.Context(), domain.RuntimeName(req.Override)); err != nil {
		writeError(w, err)
		return
	}
	id, _ := identity(r)
	logging.Op().Info("runtime override changed",
		"admin", id.UserID, "override", req.Override)
	w.WriteHeader(http.StatusNoContent)
}
