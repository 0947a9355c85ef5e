package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared Cache for multi-instance deployments. SET NX with a TTL
// gives the record-if-absent semantics atomically on the server.
type Redis struct {
	client *redis.Client
	window time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client. A non-positive window falls back to the
// default.
func NewRedis(client *redis.Client, window time.Duration) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("dedupe: redis client is required")
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &Redis{client: client, window: window}, nil
}

func (r *Redis) ShouldNotify(ctx context.Context, ownerID int64, command string) (bool, error) {
	ok, err := r.client.SetNX(ctx, "tokengate:dedupe:"+key(ownerID, command), 1, r.window).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe: redis setnx: %w", err)
	}
	return ok, nil
}

// Ping verifies connectivity; cmd wiring calls it at startup.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("dedupe: redis ping: %w", err)
	}
	return nil
}
