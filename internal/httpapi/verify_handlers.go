package httpapi

import (
	"errors"
	"net/http"

	"tokengate.org/internal/token"
	"tokengate.org/internal/verify"
)

type startStepRequest struct {
	OwnerID int64  `json:"owner_user_id"`
	StepID  string `json:"step_id"`
}

type sessionNonceRequest struct {
	OwnerID int64  `json:"owner_user_id"`
	Nonce   string `json:"session_nonce"`
}

func (a *API) handleVerificationSteps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ownerID, err := queryOwnerID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	avail, err := a.verifier.ListAvailableSteps(r.Context(), ownerID)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

func (a *API) handleVerificationStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req startStepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := a.verifier.StartStep(r.Context(), req.OwnerID, req.StepID)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleVerificationDispatched(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req sessionNonceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.verifier.MarkProofDispatched(r.Context(), req.OwnerID, req.Nonce); err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "awaiting_proof",
	})
}

func (a *API) handleVerificationComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req sessionNonceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.verifier.CompleteStep(r.Context(), req.OwnerID, req.Nonce)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleVerificationProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ownerID, err := queryOwnerID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	steps, err := a.verifier.Progress(r.Context(), ownerID)
	if err != nil {
		handleVerifyError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner_user_id": ownerID,
		"steps":         steps,
	})
}

func handleVerifyError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *verify.CooldownError
	switch {
	case errors.As(err, &cooldown):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":             "step_on_cooldown",
			"step_id":           cooldown.StepID,
			"remaining_seconds": int64(cooldown.Remaining.Seconds()),
		})
	case errors.Is(err, verify.ErrUnknownStep):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, verify.ErrSessionLocked):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, verify.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, verify.ErrSessionMismatch):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, verify.ErrStoreUnavailable), errors.Is(err, token.ErrStoreUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
