package lock

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken over is never released by the old owner.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still holds our token.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// DefaultKeyPrefix namespaces lease keys in a shared Redis.
const DefaultKeyPrefix = "gradelock:lease:"

// RedisLocker keeps leases as Redis keys with a PX expiry.
type RedisLocker struct {
	rdb    *goredis.Client
	prefix string
}

// NewRedisLocker wraps an existing client. An empty prefix uses DefaultKeyPrefix.
func NewRedisLocker(rdb *goredis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Acquire runs SET key token NX PX ttl.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	if l == nil || l.rdb == nil {
		return nil, false, fmt.Errorf("redis locker not initialized")
	}

	key := l.prefix + name
	owner := newOwner()

	ok, err := l.rdb.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %q: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.rdb, []string{key}, owner).Err(); err != nil {
			return fmt.Errorf("release %q: %w", name, err)
		}
		return nil
	}
	extend := func(ctx context.Context, ttl time.Duration) (bool, error) {
		n, err := extendScript.Run(ctx, l.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
		if err != nil {
			return false, fmt.Errorf("extend %q: %w", name, err)
		}
		return n == 1, nil
	}
	return newLease(name, owner, release, extend), true, nil
}
