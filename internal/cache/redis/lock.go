package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Locker is a SET NX lock with a TTL, shared by every autotrader replica
// using the same Redis.
type Locker struct {
	rdb      *redis.Client
	ttl      time.Duration
	unlockSc *redis.Script
}

// NewLocker creates a Locker. The TTL bounds how long a crashed holder keeps a
// market blocked and must exceed the longest market evaluation.
func NewLocker(c *Client, ttl time.Duration) *Locker {
	return &Locker{
		rdb:      c.rdb,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// TryLock acquires key or fails with domain.ErrLockHeld. The returned release
// function is idempotent.
func (l *Locker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlockSc.Run(ctx, l.rdb, []string{key}, token).Err()
		})
	}, nil
}
