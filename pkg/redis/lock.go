package redis

import (
	"context"
	"time"

	ierr "club_billing/internal/errors"
	"club_billing/internal/lock"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// luaReleaseIfMatch deletes the lock only while it still carries our token,
// so an expired holder never frees a newer holder's lock.
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// Locker is a lock.Locker backed by SET NX PX with a random token.
type Locker struct {
	rdb *rd.Client
	// MaxWait bounds how long Acquire polls for a held key.
	MaxWait time.Duration
}

var _ lock.Locker = (*Locker)(nil)

func NewLocker(rdb *rd.Client, maxWait time.Duration) *Locker {
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &Locker{rdb: rdb, MaxWait: maxWait}
}

func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Release, error) {
	lockKey := LockKey(key)
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = l.MaxWait

	op := func() error {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return ierr.NewErrorf("lock %s is held", key).Mark(ierr.ErrLockBusy)
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ierr.IsLockBusy(err) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ierr.WithError(err).Mark(ierr.ErrLockBusy)
		}
		return nil, err
	}

	return func(ctx context.Context) error {
		_, err := l.rdb.Eval(ctx, luaReleaseIfMatch, []string{lockKey}, token).Int()
		return err
	}, nil
}
