package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/logging"
	"github.com/octolab/octolab/internal/runtime"
)

// errorBody is the single error shape every endpoint returns. A missing
// lab and a cross-tenant lab produce byte-identical bodies.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Doctor *runtime.DoctorReport `json:"doctor,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Op().Error("encoding response failed", "error", err)
	}
}

func statusOf(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindPreflightFailed:
		return http.StatusServiceUnavailable
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps a kinded error to its HTTP status. External failures
// surface as internal: backend detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	writeErrorDoctor(w, err, nil)
}

func writeErrorDoctor(w http.ResponseWriter, err error, report *runtime.DoctorReport) {
	kind := domain.KindOf(err)
	if kind == domain.KindExternal {
		kind = domain.KindInternal
	}
	var body errorBody
	body.Error.Code = string(kind)
	body.Error.Message = messageOf(err)
	body.Doctor = report
	writeJSON(w, statusOf(domain.KindOf(err)), body)
}

// messageOf keeps only the user-safe message. Unclassified errors never
// leak their text.
func messageOf(err error) string {
	var e *domain.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
