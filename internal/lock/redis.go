package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements Locker with a single SET key value NX PX ttl_ms
// acquire and a plain DEL release; release does not check that the key
// still belongs to the caller.
type RedisLocker struct {
	client *redis.Client
}

// NewRedisLocker connects to addr.
func NewRedisLocker(addr string) *RedisLocker {
	return &RedisLocker{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Acquire sets key with the given TTL iff it is absent.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttlMs int) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, 1, time.Duration(ttlMs)*time.Millisecond).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Release deletes key, best-effort.
func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}

// Close closes the underlying Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
