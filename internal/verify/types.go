package verify

import (
	"errors"
	"fmt"
	"time"
)

// SessionStatus tracks the per-user verification state machine.
type SessionStatus string

const (
	StatusStepSelected  SessionStatus = "step_selected"
	StatusAwaitingProof SessionStatus = "awaiting_proof"
	StatusCompleted     SessionStatus = "completed"
	StatusExpired       SessionStatus = "expired"
)

// Session is one in-flight verification attempt. At most one non-terminal
// session exists per owner; the nonce is the only handle the front-end gets.
type Session struct {
	OwnerID   int64         `json:"owner_user_id"`
	StepID    string        `json:"step_id"`
	Nonce     string        `json:"session_nonce"`
	StartedAt time.Time     `json:"started_at"`
	Status    SessionStatus `json:"status"`
}

// StepAvailability is the result of listing steps for an owner. AlreadyUnlocked
// distinguishes "everything on cooldown because the bundle was just granted and
// is still valid" from a plain cooldown lockout; the front-end renders those
// differently.
type StepAvailability struct {
	Steps           []string `json:"steps"`
	AlreadyUnlocked bool     `json:"already_unlocked"`
}

// Completion reports the outcome of a completed step, including the bundled
// tokens when the completion threshold was reached.
type Completion struct {
	StepID   string   `json:"step_id"`
	Progress int      `json:"progress"`
	Unlocked bool     `json:"unlocked"`
	Targets  []string `json:"targets,omitempty"`
}

var (
	ErrUnknownStep     = errors.New("verify: unknown step")
	ErrSessionLocked   = errors.New("verify: session locked to another step")
	ErrSessionNotFound = errors.New("verify: session not found")
	ErrSessionMismatch = errors.New("verify: session nonce mismatch")
	// ErrStoreUnavailable wraps infrastructure failures from the cooldown or
	// progress stores.
	ErrStoreUnavailable = errors.New("verify: store unavailable")
)

// CooldownError carries the remaining wait so the front-end can render it.
type CooldownError struct {
	StepID    string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("verify: step %s on cooldown for %s", e.StepID, e.Remaining)
}
