package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/dexledger/internal/domain"
)

// releaseLua deletes a lease key only while it still holds the caller's
// token, so an expired holder cannot release someone else's lease.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Leases hands out expiring single-holder leases, used to keep scheduled
// jobs such as the monthly archive to one replica.
type Leases struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLeases creates a lease manager backed by c.
func NewLeases(c *Client) *Leases {
	return &Leases{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

// Acquire takes the lease named key for ttl. It returns domain.ErrLeaseHeld
// when another holder has it. The returned release func may be called more
// than once.
func (l *Leases) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	k := "lease:" + key

	ok, err := l.rdb.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lease %s: %w: %w", key, domain.ErrQueueUnavailable, err)
	}
	if !ok {
		return nil, domain.ErrLeaseHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.release.Run(rctx, l.rdb, []string{k}, token).Err()
	}, nil
}
