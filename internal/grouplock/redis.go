package grouplock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"daybook/api/internal/util"
)

// RedisLocker holds group leases in Redis so multiple instances can mutate
// the same store. Leases expire after ttl in case a holder dies mid-request.
type RedisLocker struct {
	client     *redis.Client
	ownsClient bool
	prefix     string
	ttl        time.Duration
	retry      time.Duration
}

// NewRedisLocker connects to Redis from a URL.
func NewRedisLocker(redisURL string) (*RedisLocker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	locker := NewRedisLockerWithClient(client)
	locker.ownsClient = true
	return locker, nil
}

// NewRedisLockerWithClient wraps an existing Redis client.
func NewRedisLockerWithClient(client *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: "grouplock:",
		ttl:    15 * time.Second,
		retry:  25 * time.Millisecond,
	}
}

func (l *RedisLocker) Close() error {
	if l.ownsClient {
		return l.client.Close()
	}
	return nil
}

// releaseScript deletes the lease only when the token still matches, so an
// expired lease reacquired by someone else is never released from here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := normalize(keys)
	token := util.NewID("")
	acquired := make([]string, 0, len(sorted))

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, key := range acquired {
			_ = releaseScript.Run(releaseCtx, l.client, []string{l.prefix + key}, token).Err()
		}
	}

	for _, key := range sorted {
		if err := l.acquire(ctx, key, token); err != nil {
			release()
			return nil, err
		}
		acquired = append(acquired, key)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (l *RedisLocker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, l.prefix+key, token, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire group lease: %w", err)
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retry):
		}
	}
}
