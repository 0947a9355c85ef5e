package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokengate.org/internal/fleet"
)

type upsertTargetRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Status   string `json:"status"`
}

type setStatusRequest struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

func (a *API) handleTargets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"targets": a.fleet.List(r.Context()),
			"active":  a.fleet.ActiveTargets(r.Context()),
		})
	case http.MethodPost:
		if !a.ensureRole(w, r, RoleAdmin) {
			return
		}
		var req upsertTargetRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tgt := fleet.Target{
			ID:       req.ID,
			Name:     req.Name,
			Username: req.Username,
			Status:   fleet.Status(req.Status),
		}
		if req.Status == "" {
			tgt.Status = fleet.StatusNotConfigured
		}
		if err := a.fleet.Upsert(r.Context(), tgt); err != nil {
			handleFleetError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tgt)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleTargetResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/targets/"), "/")
	parts := strings.Split(path, "/")

	if len(parts) == 2 && parts[1] == "status" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensureRole(w, r, RoleAdmin) {
			return
		}
		var req setStatusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		tgt, err := a.fleet.SetStatus(r.Context(), parts[0], fleet.Status(req.Status), req.ErrorMessage)
		if err != nil {
			handleFleetError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tgt)
		return
	}

	if len(parts) == 1 && parts[0] != "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		tgt, err := a.fleet.Get(r.Context(), parts[0])
		if err != nil {
			handleFleetError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, tgt)
		return
	}

	writeError(w, r, http.StatusNotFound, "resource not found")
}

func handleFleetError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, fleet.ErrInvalidStatus), errors.Is(err, fleet.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, fleet.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, fleet.ErrStoreFailed):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
