package ingestion

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard admits at most one poll at a time. TryAcquire reports false when a
// poll is already in flight; the returned release must be called otherwise.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// LocalGuard serialises polls within one process
type LocalGuard struct {
	busy atomic.Bool
}

// TryAcquire implements Guard
func (g *LocalGuard) TryAcquire(context.Context) (func(), bool, error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	return func() { g.busy.Store(false) }, true, nil
}

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard serialises polls across replicas sharing a redis instance. The
// TTL bounds how long a crashed holder blocks the others.
type RedisGuard struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

// NewRedisGuard creates a guard on key
func NewRedisGuard(client redis.Cmdable, key string, ttl time.Duration) *RedisGuard {
	return &RedisGuard{client: client, key: key, ttl: ttl}
}

// TryAcquire implements Guard
func (g *RedisGuard) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	acquired, err := g.client.SetNX(ctx, g.key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire ingestion lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{g.key}, token).Err()
	}
	return release, true, nil
}
