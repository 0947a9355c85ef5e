package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tokengate.org/internal/policy"
)

type accessCheckRequest struct {
	Command string `json:"command"`
	Args    string `json:"args"`
	OwnerID int64  `json:"owner_user_id"`
	Sudo    bool   `json:"is_sudo"`
	Owner   bool   `json:"is_owner"`
}

type accessCheckResponse struct {
	policy.Decision
	// Notify is false when an identical denial was already reported to this
	// owner recently; the front-end suppresses the message then.
	Notify bool `json:"notify"`
}

type commandLevelRequest struct {
	Command string `json:"command"`
	Level   string `json:"level"`
}

type moveCommandRequest struct {
	Level string `json:"level"`
}

func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	dec, err := a.policy.CheckAccess(r.Context(), policy.CheckRequest{
		Command: req.Command,
		Args:    req.Args,
		OwnerID: req.OwnerID,
		Sudo:    req.Sudo,
		Owner:   req.Owner,
	})
	if err != nil {
		handlePolicyError(w, r, err)
		return
	}

	resp := accessCheckResponse{Decision: dec, Notify: true}
	if !dec.Allowed && a.notices != nil {
		notify, err := a.notices.ShouldNotify(r.Context(), req.OwnerID, req.Command)
		if err == nil {
			resp.Notify = notify
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePolicyDocument(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.policy.Document())
}

func (a *API) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensureRole(w, r, RoleAdmin) {
		return
	}
	if err := a.policy.Reload(r.Context()); err != nil {
		handlePolicyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
	})
}

func (a *API) handlePolicyValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	issues := a.policy.Validate()
	if issues == nil {
		issues = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issues": issues,
	})
}

func (a *API) handlePolicyCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, a.policy.Commands())
	case http.MethodPost:
		if !a.ensureRole(w, r, RoleAdmin) {
			return
		}
		var req commandLevelRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.policy.AddCommand(r.Context(), req.Command, req.Level); err != nil {
			handlePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"command": strings.TrimSpace(req.Command),
			"level":   req.Level,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePolicyCommandResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policy/commands/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if command, ok := strings.CutSuffix(path, "/move"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.ensureRole(w, r, RoleAdmin) {
			return
		}
		var req moveCommandRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.policy.MoveCommand(r.Context(), command, req.Level); err != nil {
			handlePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"command": command,
			"level":   req.Level,
		})
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if !a.ensureRole(w, r, RoleAdmin) {
			return
		}
		removed, err := a.policy.RemoveCommand(r.Context(), path)
		if err != nil {
			handlePolicyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"removed": removed,
		})
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func handlePolicyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidLevel), errors.Is(err, policy.ErrInvalidCommand):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrUnknownCommand):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, policy.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
