package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/orbitops/inspectd/internal/coordinator"
	"github.com/orbitops/inspectd/internal/license"
	"github.com/orbitops/inspectd/internal/orchestrator"
	"github.com/orbitops/inspectd/internal/store"
)

// errValidation marks bad request input. Wrapped with context at call sites.
var errValidation = errors.New("validation error")

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", errValidation)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]string{"error": code, "reason": reason})
}

// respondError maps an error to the HTTP surface: kind → status code, with
// the reason string carried verbatim.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errValidation), errors.Is(err, orchestrator.ErrNoItems):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case store.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, license.ErrDenied):
		writeError(w, http.StatusForbidden, "license_denied", err.Error())
	case errors.Is(err, coordinator.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "agent_unauthenticated", err.Error())
	case errors.Is(err, errDependency):
		writeError(w, http.StatusBadGateway, "dependency_unavailable", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// errDependency marks upstream failures (cluster or Prometheus unreachable).
var errDependency = errors.New("dependency unavailable")
