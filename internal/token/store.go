package token

import (
	"context"
	"time"
)

// Store describes persistence for issued tokens. Implementations must make
// Put atomic per (owner, target): two concurrent writes for the same pair
// serialize, and the later one wins in full.
type Store interface {
	// Put inserts or replaces the token for (tok.OwnerID, tok.TargetID).
	Put(ctx context.Context, tok *Token) error
	// Get returns the current token for the pair, expired or not.
	Get(ctx context.Context, ownerID int64, targetID string) (*Token, error)
	// GetByID looks a token up by its identifier.
	GetByID(ctx context.Context, tokenID string) (*Token, error)
	// Delete removes a token by id. Returns false if it was already absent.
	Delete(ctx context.Context, tokenID string) (bool, error)
	// IncrementUsage bumps the informational usage counter.
	IncrementUsage(ctx context.Context, tokenID string) error
	// HasVerified reports whether the owner holds any verified, unexpired
	// token against any target.
	HasVerified(ctx context.Context, ownerID int64, now time.Time) (bool, error)
	// DeleteExpiredBefore reclaims storage for tokens expired before cutoff.
	// Purely an optimization; readers filter by expiry regardless.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}
