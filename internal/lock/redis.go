package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// RedisLocker implements Locker with SET NX PX and a token-checked delete,
// so a lock whose TTL expired is never released by its previous holder.
// While held, the lease is extended every ttl/3 so a long saga keeps it.
type RedisLocker struct {
	rdb        *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retryDelay: 25 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Lock blocks until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("order-lock:%s", key)
	token := uuid.NewString()

	for {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
			}
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrLockHeld, key, ctx.Err())
		case <-time.After(l.retryDelay):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// the caller's context may already be canceled
			_ = releaseScript.Run(context.Background(), l.rdb, []string{redisKey}, token).Err()
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or the lock is lost.
func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n, err := extendScript.Run(context.Background(), l.rdb, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			if err != nil {
				log.Warn().Err(err).Str("key", redisKey).Msg("failed to extend lock lease")
				continue
			}
			if n == 0 {
				log.Error().Str("key", redisKey).Msg("lock lease lost while held")
				return
			}
		}
	}
}
