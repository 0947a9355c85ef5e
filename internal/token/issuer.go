package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tokengate.org/internal/obs"
)

const (
	defaultFreeTTL        = 6 * time.Hour
	defaultPremiumDays    = 7
	defaultMaxPremiumDays = 90
)

// Issuer computes token lifetimes and writes records through a Store. All
// issuance for a given (owner, target) pair is serialized so two concurrent
// calls cannot leave an inconsistent superseded/active pair.
type Issuer struct {
	store Store
	now   func() time.Time

	freeTTL        time.Duration
	premiumDefault time.Duration
	premiumMax     time.Duration

	pairMu sync.Mutex
	pairs  map[string]*sync.Mutex
}

// Option configures Issuer behavior.
type Option func(*Issuer)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// WithFreeTTL overrides the FREE tier lifetime.
func WithFreeTTL(ttl time.Duration) Option {
	return func(i *Issuer) {
		if ttl > 0 {
			i.freeTTL = ttl
		}
	}
}

// WithPremiumLimits overrides the PREMIUM default and maximum durations.
func WithPremiumLimits(def, max time.Duration) Option {
	return func(i *Issuer) {
		if def > 0 {
			i.premiumDefault = def
		}
		if max > 0 {
			i.premiumMax = max
		}
	}
}

// NewIssuer constructs an Issuer over the given store.
func NewIssuer(store Store, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	iss := &Issuer{
		store:          store,
		now:            time.Now,
		freeTTL:        defaultFreeTTL,
		premiumDefault: time.Duration(defaultPremiumDays) * 24 * time.Hour,
		premiumMax:     time.Duration(defaultMaxPremiumDays) * 24 * time.Hour,
		pairs:          make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(iss)
	}
	return iss, nil
}

// lockPair returns the mutex serializing issuance for one (owner, target).
func (i *Issuer) lockPair(ownerID int64, targetID string) *sync.Mutex {
	key := pairKey(ownerID, targetID)
	i.pairMu.Lock()
	defer i.pairMu.Unlock()
	mu, ok := i.pairs[key]
	if !ok {
		mu = &sync.Mutex{}
		i.pairs[key] = mu
	}
	return mu
}

// Issue creates an unverified token for (owner, target), superseding any
// existing token for the pair. customDuration applies to PREMIUM only and is
// clamped to the premium maximum; FREE ignores it entirely.
func (i *Issuer) Issue(ctx context.Context, ownerID int64, targetID string, tier Tier, customDuration time.Duration) (*Token, error) {
	return i.issue(ctx, ownerID, targetID, tier, customDuration, false, time.Time{})
}

// IssueVerified creates a pre-verified token expiring at the given instant.
// Only the bundled-unlock path calls this; every target in a bundle shares
// one expiry.
func (i *Issuer) IssueVerified(ctx context.Context, ownerID int64, targetID string, expiresAt time.Time) (*Token, error) {
	return i.issue(ctx, ownerID, targetID, TierFree, 0, true, expiresAt)
}

func (i *Issuer) issue(ctx context.Context, ownerID int64, targetID string, tier Tier, customDuration time.Duration, verified bool, expiresAt time.Time) (*Token, error) {
	targetID = strings.TrimSpace(targetID)
	if ownerID <= 0 || targetID == "" {
		return nil, fmt.Errorf("%w: owner and target are required", ErrInvalidInput)
	}
	if tier != TierFree && tier != TierPremium {
		return nil, fmt.Errorf("%w: unsupported tier %q", ErrInvalidInput, tier)
	}
	if customDuration < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidInput)
	}

	mu := i.lockPair(ownerID, targetID)
	mu.Lock()
	defer mu.Unlock()

	now := i.now().UTC()
	if expiresAt.IsZero() {
		expiresAt = now.Add(i.ttlFor(tier, customDuration))
	}
	if !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", ErrInvalidInput)
	}

	tok := &Token{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		TargetID:  targetID,
		Tier:      tier,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		Verified:  verified,
	}
	if err := i.store.Put(ctx, tok); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	path := "manual"
	if verified {
		path = "bundled"
	}
	obs.TokenIssued(string(tier), path)
	return tok, nil
}

func (i *Issuer) ttlFor(tier Tier, customDuration time.Duration) time.Duration {
	if tier == TierFree {
		return i.freeTTL
	}
	d := customDuration
	if d == 0 {
		d = i.premiumDefault
	}
	if d > i.premiumMax {
		d = i.premiumMax
	}
	return d
}

// Validate checks the token for (owner, target) and increments its usage
// counter on success. Unverified tokens never validate; expiry is checked
// lazily here rather than by an active sweep.
func (i *Issuer) Validate(ctx context.Context, ownerID int64, targetID string) (Validation, error) {
	tok, err := i.store.Get(ctx, ownerID, targetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Validation{Valid: false, Reason: ReasonNotFound}, nil
		}
		return Validation{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !tok.Active(i.now().UTC()) {
		return Validation{Valid: false, Reason: ReasonExpired}, nil
	}
	if !tok.Verified {
		return Validation{Valid: false, Reason: ReasonUnverified}, nil
	}
	if err := i.store.IncrementUsage(ctx, tok.ID); err != nil && !errors.Is(err, ErrNotFound) {
		return Validation{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return Validation{Valid: true}, nil
}

// Revoke removes a token by id. Idempotent: returns false when the token was
// already absent.
func (i *Issuer) Revoke(ctx context.Context, tokenID string) (bool, error) {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return false, fmt.Errorf("%w: token_id is required", ErrInvalidInput)
	}
	ok, err := i.store.Delete(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// HasVerifiedToken reports whether the owner currently holds any verified,
// unexpired token. The policy engine uses this to resolve the "authorized"
// level.
func (i *Issuer) HasVerifiedToken(ctx context.Context, ownerID int64) (bool, error) {
	ok, err := i.store.HasVerified(ctx, ownerID, i.now().UTC())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// Lookup returns the token currently held for (owner, target), if any.
func (i *Issuer) Lookup(ctx context.Context, ownerID int64, targetID string) (*Token, error) {
	return i.store.Get(ctx, ownerID, targetID)
}

// Sweep reclaims storage for tokens already expired at the time of the call.
func (i *Issuer) Sweep(ctx context.Context) (int, error) {
	return i.store.DeleteExpiredBefore(ctx, i.now().UTC())
}
