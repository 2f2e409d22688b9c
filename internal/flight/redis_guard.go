package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisGuard is a guard shared across processes. Claims are SET NX keys with a TTL
// so a crashed holder cannot block the key forever.
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client *redis.Client, prefix string, ttl time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "flight"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *RedisGuard) lockKey(key string) string {
	return fmt.Sprintf("%s:%s", g.prefix, key)
}

func (g *RedisGuard) TryAcquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, g.lockKey(key), token, g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrInFlight
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release with a fresh context so a cancelled caller still frees the key
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.client, []string{g.lockKey(key)}, token).Err()
		})
	}, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
