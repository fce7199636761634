// Package lock provides short-lived exclusive locks used to enforce
// single-flight sync passes per connection. The Redis implementation
// coordinates across instances; the memory implementation serves
// single-node deployments and tests.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotAcquired is returned when the lock is already held.
var ErrNotAcquired = errors.New("lock: not acquired")

// Release releases a held lock. Releasing an expired or stolen lock is
// a no-op.
type Release func(ctx context.Context) error

// Locker grants exclusive locks with a TTL. TryAcquire never blocks
// waiting for a held lock; contention is reported as ErrNotAcquired.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]memoryLease
}

type memoryLease struct {
	token     string
	expiresAt time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease)}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (Release, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if lease, ok := l.held[key]; ok && now.Before(lease.expiresAt) {
		return nil, ErrNotAcquired
	}

	token := newToken()
	l.held[key] = memoryLease{token: token, expiresAt: now.Add(ttl)}

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if lease, ok := l.held[key]; ok && lease.token == token {
			delete(l.held, key)
		}
		return nil
	}, nil
}
