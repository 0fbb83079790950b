package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// luaMarkOnce sets the marker only when absent and gives it a TTL.
const luaMarkOnce = `
local key = KEYS[1]
local ttlSec = tonumber(ARGV[1])
if redis.call('SETNX', key, '1') == 1 then
  redis.call('EXPIRE', key, ttlSec)
  return 1
end
return 0
`

// MarkOnce returns true for the first caller on key and false afterwards.
func MarkOnce(ctx context.Context, rdb *rd.Client, key string, ttl time.Duration) (bool, error) {
	n, err := rdb.Eval(ctx, luaMarkOnce, []string{key}, int64(ttl/time.Second)).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Unmark clears a marker so the side effect can be emitted again.
func Unmark(ctx context.Context, rdb *rd.Client, key string) error {
	return rdb.Del(ctx, key).Err()
}
