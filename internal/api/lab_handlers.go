package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/labs"
	"github.com/octolab/octolab/internal/runtime"
)

// LabService is the lab surface the handlers call; satisfied by
// *labs.Service.
type LabService interface {
	CreateLab(ctx context.Context, id auth.Identity, req *labs.CreateLabRequest) (*domain.Lab, error)
	GetLab(ctx context.Context, id auth.Identity, labID string) (*domain.Lab, error)
	ListLabs(ctx context.Context, id auth.Identity, statuses []domain.LabStatus) ([]*domain.Lab, error)
	TerminateLab(ctx context.Context, id auth.Identity, labID string) error
	Connect(ctx context.Context, id auth.Identity, labID string) (string, error)
	InspectLab(ctx context.Context, id auth.Identity, labID string) (*runtime.LabReport, error)
}

// LabHandler serves the per-user lab lifecycle endpoints.
type LabHandler struct {
	Labs  LabService
	Admin RuntimeAdmin
}

func (h *LabHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /labs", h.CreateLab)
	mux.HandleFunc("GET /labs", h.ListLabs)
	mux.HandleFunc("GET /labs/{id}", h.GetLab)
	mux.HandleFunc("DELETE /labs/{id}", h.TerminateLab)
	mux.HandleFunc("POST /labs/{id}/connect", h.Connect)
	mux.HandleFunc("GET /labs/{id}/state", h.InspectLab)
}

// CreateLab handles POST /labs. Provisioning is synchronous; the response
// is the READY lab or the mapped failure.
func (h *LabHandler) CreateLab(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	var req labs.CreateLabRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.E(domain.KindValidation, "invalid JSON body"))
		return
	}

	lab, err := h.Labs.CreateLab(r.Context(), id, &req)
	if err != nil {
		if domain.IsKind(err, domain.KindPreflightFailed) && h.Admin != nil {
			// Attach the doctor report so the operator sees which check
			// gated the runtime.
			if report, derr := h.Admin.Doctor(r.Context(), domain.RuntimeFirecracker); derr == nil {
				writeErrorDoctor(w, err, report)
				return
			}
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lab)
}

// ListLabs handles GET /labs with an optional comma-separated ?status=
// filter.
func (h *LabHandler) ListLabs(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	var statuses []domain.LabStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, domain.LabStatus(strings.TrimSpace(s)))
		}
	}

	list, err := h.Labs.ListLabs(r.Context(), id, statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Lab{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"labs": list})
}

// GetLab handles GET /labs/{id}.
func (h *LabHandler) GetLab(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	lab, err := h.Labs.GetLab(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lab)
}

// TerminateLab handles DELETE /labs/{id}. It returns 204 as soon as the
// lab is marked; the worker does the teardown.
func (h *LabHandler) TerminateLab(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	if err := h.Labs.TerminateLab(r.Context(), id, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Connect handles POST /labs/{id}/connect.
func (h *LabHandler) Connect(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	url, err := h.Labs.Connect(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// InspectLab handles GET /labs/{id}/state: the backend's live view of the
// lab, not the stored status.
func (h *LabHandler) InspectLab(w http.ResponseWriter, r *http.Request) {
	id, _ := identity(r)

	report, err := h.Labs.InspectLab(r.Context(), id, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
