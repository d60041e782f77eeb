package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Locker serializes work per market. TryLock fails with domain.ErrLockHeld when
// the key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process keyed try-lock.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// waitLock retries TryLock while the key is held, for at most wait.
func waitLock(ctx context.Context, l Locker, key string, wait time.Duration) (func(), error) {
	const retry = 25 * time.Millisecond
	deadline := time.Now().Add(wait)
	for {
		release, err := l.TryLock(ctx, key)
		if !errors.Is(err, domain.ErrLockHeld) || !time.Now().Before(deadline) {
			return release, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry):
		}
	}
}

func lockKey(symbol string) string { return "autotrader:market:" + symbol }
