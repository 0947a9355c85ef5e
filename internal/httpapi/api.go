// Package httpapi is the HTTP surface: token issuance and validation,
// verification flow, access checks, policy administration, and the fleet.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/dedupe"
	"tokengate.org/internal/fleet"
	"tokengate.org/internal/obs"
	"tokengate.org/internal/policy"
	"tokengate.org/internal/token"
	"tokengate.org/internal/verify"
)

// ReadyProbe checks readiness (for example, a DB ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	issuer   *token.Issuer
	verifier *verify.Manager
	policy   *policy.Engine
	fleet    *fleet.Registry
	notices  dedupe.Cache

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, issuer *token.Issuer, verifier *verify.Manager, pol *policy.Engine, reg *fleet.Registry, notices dedupe.Cache) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		issuer:     issuer,
		verifier:   verifier,
		policy:     pol,
		fleet:      reg,
		notices:    notices,
		rateBurst:  20,
		ratePerSec: 10,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// service authn
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// tokens
	a.mux.HandleFunc("/v1/tokens", a.handleTokensCollection)
	a.mux.HandleFunc("/v1/tokens/", a.handleTokenResource)

	// verification flow
	a.mux.HandleFunc("/v1/verification/steps", a.handleVerificationSteps)
	a.mux.HandleFunc("/v1/verification/start", a.handleVerificationStart)
	a.mux.HandleFunc("/v1/verification/dispatched", a.handleVerificationDispatched)
	a.mux.HandleFunc("/v1/verification/complete", a.handleVerificationComplete)
	a.mux.HandleFunc("/v1/verification/progress", a.handleVerificationProgress)

	// access checks + policy administration
	a.mux.HandleFunc("/v1/access/check", a.handleAccessCheck)
	a.mux.HandleFunc("/v1/policy", a.handlePolicyDocument)
	a.mux.HandleFunc("/v1/policy/reload", a.handlePolicyReload)
	a.mux.HandleFunc("/v1/policy/validate", a.handlePolicyValidate)
	a.mux.HandleFunc("/v1/policy/commands", a.handlePolicyCommands)
	a.mux.HandleFunc("/v1/policy/commands/", a.handlePolicyCommandResource)

	// fleet
	a.mux.HandleFunc("/v1/targets", a.handleTargets)
	a.mux.HandleFunc("/v1/targets/", a.handleTargetResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "tokengate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "tokengate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
