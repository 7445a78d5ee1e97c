// Package redis shares upload rate limit counters between server instances.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/donmikel/photobatch/applications/server/interfaces"
)

const defaultKeyPrefix = "photobatch:ratelimit:"

type Config struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NewClient connects to a single redis node and checks the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("can't connect to redis %s: %w", cfg.Addr, err)
	}

	return rdb, nil
}

type rateLimiter struct {
	client   redis.Cmdable
	requests int64
	window   time.Duration
	prefix   string
}

// NewRateLimiter counts requests per key in fixed windows. The window key
// expires on its own so nothing has to be cleaned up.
func NewRateLimiter(client redis.Cmdable, requests int, per time.Duration) interfaces.RateLimiter {
	return &rateLimiter{
		client:   client,
		requests: int64(requests),
		window:   per,
		prefix:   defaultKeyPrefix,
	}
}

func (r *rateLimiter) key(key string, now time.Time) string {
	return fmt.Sprintf("%s%s:%d", r.prefix, key, now.UnixNano()/int64(r.window))
}

func (r *rateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	k := r.key(key, time.Now())

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, r.window)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("can't increment rate limit counter: %w", err)
	}

	return incr.Val() <= r.requests, nil
}
