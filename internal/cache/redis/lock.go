package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// unlockLua releases a lock only when the stored token matches the caller's.
// Without the token check a slow holder could delete a lock that already
// expired and was re-acquired by someone else.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SETNX + TTL. The execution
// coordinator uses it to fence wallet-lane resource keys across engine
// instances; in-process mutual exclusion is handled before this layer.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.Underlying(),
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "atalanta:lock:" + key
}

// Acquire obtains the lock or returns domain.ErrLockHeld. The returned unlock
// is idempotent and uses a background context so release survives caller
// cancellation.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)
