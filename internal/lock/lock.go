// Package lock provides per-key mutual exclusion for materialization.
package lock

import (
	"context"
	"sync"
	"time"

	ierr "club_billing/internal/errors"
)

// Release gives a held key back. Calling it more than once is harmless.
type Release func(ctx context.Context) error

// Locker serializes work on a key. Acquire waits until the key is free or
// ctx is done, in which case the error is marked ierr.ErrLockBusy.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is an in-process Locker. It ignores ttl; holders always release.
type Local struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]chan struct{})}
}

func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (Release, error) {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			mine := make(chan struct{})
			l.held[key] = mine
			l.mu.Unlock()
			return l.releaser(key, mine), nil
		}
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ierr.WithError(ctx.Err()).
				WithHintf("key %s is held by another worker", key).
				Mark(ierr.ErrLockBusy)
		}
	}
}

func (l *Local) releaser(key string, mine chan struct{}) Release {
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == mine {
				delete(l.held, key)
			}
			l.mu.Unlock()
			close(mine)
		})
		return nil
	}
}
