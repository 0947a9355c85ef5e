package token

import (
	"errors"
	"strings"
	"time"
)

// Tier determines token lifetime. FREE tokens always get the fixed free TTL;
// PREMIUM tokens honor a caller-supplied duration up to the premium cap.
type Tier string

const (
	TierFree    Tier = "FREE"
	TierPremium Tier = "PREMIUM"
)

// ParseTier normalizes a tier string. Empty input defaults to FREE.
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FREE":
		return TierFree, nil
	case "PREMIUM":
		return TierPremium, nil
	default:
		return "", ErrInvalidInput
	}
}

// Token is an access grant for one (owner, target) pair. At most one token
// exists per pair; issuing again supersedes the previous record.
type Token struct {
	ID         string    `json:"token_id"`
	OwnerID    int64     `json:"owner_user_id"`
	TargetID   string    `json:"target_id"`
	Tier       Tier      `json:"tier"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Verified   bool      `json:"verified"`
	UsageCount int64     `json:"usage_count"`
}

// Active reports whether the token is unexpired at the given instant.
func (t *Token) Active(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

// Validation reason strings returned to callers. These are part of the wire
// contract; the front-end branches on them to render the right message.
const (
	ReasonNotFound   = "not_found"
	ReasonExpired    = "expired"
	ReasonUnverified = "unverified"
)

// Validation is the structured outcome of a validate call. Infrastructure
// failures surface as errors; every policy outcome lands here.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

var (
	ErrNotFound     = errors.New("token: not found")
	ErrInvalidInput = errors.New("token: invalid input")
	// ErrStoreUnavailable wraps infrastructure failures from the backing
	// store so callers can retry with backoff instead of treating them as
	// a denial.
	ErrStoreUnavailable = errors.New("token: store unavailable")
)
