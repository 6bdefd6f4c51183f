package locks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	defaultRedisTTL  = 45 * time.Second
	defaultRetryWait = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so an expired lock
// re-acquired by another instance is never released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker backed by SET NX PX on a shared Redis, for deployments that run more
// than one engine instance against the same store.
type Redis struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// RedisOption customizes a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a lock survives if its holder dies. It must exceed the longest
// critical section, which is bounded by the gateway timeout.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// WithRetryWait sets the polling interval while waiting for a held lock.
func WithRetryWait(d time.Duration) RedisOption {
	return func(r *Redis) { r.retryWait = d }
}

// NewRedis creates a Redis-backed locker. Keys are stored as "<prefix>:lock:<key>".
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		prefix:    prefix,
		ttl:       defaultRedisTTL,
		retryWait: defaultRetryWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls until the key is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("%s:lock:%s", r.prefix, key)
	token := uuid.NewString()

	ticker := time.NewTicker(r.retryWait)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// released even if the caller's ctx is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err()
		})
	}, nil
}
