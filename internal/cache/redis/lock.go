package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/listingarb/internal/domain"
)

// unlockLua deletes the lock only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager guards a symbol across engine instances with SET NX and a
// token-checked unlock.
type LockManager struct {
	client   *Client
	unlockSc *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		client:   c,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire takes lock:{key} for ttl. It returns domain.ErrLockHeld when
// another holder owns the key. The returned unlock is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.client.Key("lock", key)
	rdb := lm.client.Underlying()

	ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's context may already be done when a position ends.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
