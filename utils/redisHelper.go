package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld is returned by TryLock when another holder owns the key.
var ErrLockHeld = errors.New("lock is held by another worker")

// Locker hands out exclusive leases. With a redislock client the lease is
// shared across instances; without one it only guards this process.
type Locker struct {
	client *redislock.Client

	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocker(client *redislock.Client) *Locker {
	return &Locker{client: client, held: map[string]struct{}{}}
}

// Lease is one obtained lock.
type Lease struct {
	key    string
	lock   *redislock.Lock
	parent *Locker
}

// TryLock never waits: it returns ErrLockHeld if the key is taken.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l.client != nil {
		lock, err := l.client.Obtain(ctx, key, ttl, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockHeld
		}
		if err != nil {
			return nil, err
		}
		return &Lease{key: key, lock: lock, parent: l}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrLockHeld
	}
	l.held[key] = struct{}{}
	return &Lease{key: key, parent: l}, nil
}

// Refresh extends a Redis lease; a process-local lease never expires.
func (le *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	if le == nil || le.lock == nil {
		return nil
	}
	return le.lock.Refresh(ctx, ttl, nil)
}

func (le *Lease) Release(ctx context.Context) {
	if le == nil {
		return
	}
	if le.lock != nil {
		_ = le.lock.Release(ctx)
		return
	}
	le.parent.mu.Lock()
	delete(le.parent.held, le.key)
	le.parent.mu.Unlock()
}
