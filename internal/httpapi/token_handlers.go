package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/token"
)

type issueTokenRequest struct {
	OwnerID      int64  `json:"owner_user_id"`
	TargetID     string `json:"target_id"`
	Tier         string `json:"tier"`
	DurationDays int    `json:"duration_days"`
}

type validateTokenRequest struct {
	OwnerID  int64  `json:"owner_user_id"`
	TargetID string `json:"target_id"`
}

func (a *API) handleTokensCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.issueToken(w, r)
	case http.MethodGet:
		a.lookupToken(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleTokenResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/tokens/"), "/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if path == "validate" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.validateToken(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		a.revokeToken(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) issueToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tier, err := token.ParseTier(req.Tier)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationDays < 0 {
		writeError(w, r, http.StatusBadRequest, "duration_days must be >= 0")
		return
	}

	tok, err := a.issuer.Issue(r.Context(), req.OwnerID, req.TargetID, tier, time.Duration(req.DurationDays)*24*time.Hour)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (a *API) lookupToken(w http.ResponseWriter, r *http.Request) {
	ownerID, err := queryOwnerID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	targetID := strings.TrimSpace(r.URL.Query().Get("target_id"))
	if targetID == "" {
		writeError(w, r, http.StatusBadRequest, "target_id is required")
		return
	}
	tok, err := a.issuer.Lookup(r.Context(), ownerID, targetID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) validateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	v, err := a.issuer.Validate(r.Context(), req.OwnerID, req.TargetID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) revokeToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	revoked, err := a.issuer.Revoke(r.Context(), tokenID)
	if err != nil {
		handleTokenError(w, r, err)
		return
	}
	if revoked {
		_ = audit.LogEvent(r.Context(), "token.revoked", map[string]any{
			"token_id": tokenID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked": revoked,
	})
}

func queryOwnerID(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("owner_user_id"))
	if raw == "" {
		return 0, errors.New("owner_user_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.New("owner_user_id must be an integer")
	}
	return id, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, token.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, token.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, token.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
