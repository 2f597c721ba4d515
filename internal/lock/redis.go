package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// release deletes the key only while it still holds our token.
var release = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

type RedisConfig struct {
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
	Poll   time.Duration `yaml:"poll"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Prefix: "allocator:lock:", TTL: 30 * time.Second, Poll: 50 * time.Millisecond}
}

// Redis is a Locker shared by every process talking to the same Redis.
// A holder that dies releases the lock when its TTL expires.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger *zap.Logger
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger *zap.Logger) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisConfig().TTL
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultRedisConfig().Poll
	}
	return &Redis{client: client, cfg: cfg, logger: logger}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.cfg.Prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.cfg.Poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.cfg.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquiring %s: %w", name, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNotAcquired, name, ctx.Err())
		case <-ticker.C:
		}
	}

	return func() {
		// the caller's ctx may already be cancelled; release on a short detached deadline
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := release.Run(relCtx, r.client, []string{name}, token).Err(); err != nil {
			r.logger.Warn("Lock | release failed", zap.String("key", name), zap.Error(err))
		}
	}, nil
}
