package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still carries our token, so
// a lease that expired and was re-granted to someone else is never torn
// down by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// RedisLocker grants leases through a shared Redis, which is what makes
// the at-most-once executor guarantee hold across processes.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker wraps client. prefix defaults to "settle:lock:".
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "settle:lock:"
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	if key == "" {
		return nil, fmt.Errorf("lock: empty key")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: non-positive ttl %s", ttl)
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return &redisLease{locker: l, key: key, token: token}, nil
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
}

func (le *redisLease) Key() string { return le.key }

func (le *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.locker.client, []string{le.locker.prefix + le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("lock: release %s: %w", le.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
