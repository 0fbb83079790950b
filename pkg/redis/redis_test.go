package redis

import (
	"context"
	"testing"
	"time"

	ierr "club_billing/internal/errors"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *rd.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestLockerExcludesSecondHolder(t *testing.T) {
	mr, rdb := newClient(t)
	ctx := context.Background()
	l := NewLocker(rdb, 50*time.Millisecond)

	release, err := l.Acquire(ctx, "tracking:link:order:ORD-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists(LockKey("tracking:link:order:ORD-1")))

	_, err = l.Acquire(ctx, "tracking:link:order:ORD-1", time.Minute)
	require.Error(t, err)
	assert.True(t, ierr.IsLockBusy(err))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists(LockKey("tracking:link:order:ORD-1")))

	again, err := l.Acquire(ctx, "tracking:link:order:ORD-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLockerReleaseKeepsForeignLock(t *testing.T) {
	mr, rdb := newClient(t)
	ctx := context.Background()
	l := NewLocker(rdb, 10*time.Millisecond)

	release, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	// the lock expired and somebody else took it
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(LockKey("k"), "other-token"))

	require.NoError(t, release(ctx))
	got, err := mr.Get(LockKey("k"))
	require.NoError(t, err)
	assert.Equal(t, "other-token", got)
}

func TestMarkOnce(t *testing.T) {
	mr, rdb := newClient(t)
	ctx := context.Background()
	key := GrantOnceKey("order-1", "telegram")

	first, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, second)
	assert.Equal(t, time.Hour, mr.TTL(key))

	require.NoError(t, Unmark(ctx, rdb, key))
	third, err := MarkOnce(ctx, rdb, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, third)
}
