package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// The window starts at the first hit and is not extended by later ones.
var incrWindowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// AttemptCount returns the hits recorded under key and how long until the window resets.
func (r *RedisClient) AttemptCount(ctx context.Context, key string) (int64, time.Duration, error) {
	count, err := r.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	ttl, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, 0, err
	}
	if ttl < 0 {
		ttl = 0
	}
	return count, ttl, nil
}

// IncrementAttempts records one hit under key in a fixed window.
func (r *RedisClient) IncrementAttempts(ctx context.Context, key string, window time.Duration) (int64, error) {
	return incrWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64()
}

// AcquireOnce sets key if it does not exist yet. Only one caller ever gets true
// until the key expires.
func (r *RedisClient) AcquireOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Release deletes a key taken with AcquireOnce.
func (r *RedisClient) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
