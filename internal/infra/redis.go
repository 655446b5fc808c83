package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	minRedisPool      = 20
	minRedisIdleConns = 2
)

// NewRedisClient connects the cache used for idempotency, login throttling
// and the Redis change feed, retrying the first ping like NewPostgresPool.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redisOptions(url)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opt)
	if err := retry(ctx, func() error { return client.Ping(ctx).Err() }); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// redisOptions parses url and raises pool settings the URL leaves unset.
// Change feed subscriptions use their own connections and are not counted.
func redisOptions(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opt.PoolSize < minRedisPool {
		opt.PoolSize = minRedisPool
	}
	if opt.MinIdleConns == 0 {
		opt.MinIdleConns = minRedisIdleConns
	}
	if opt.ConnMaxIdleTime == 0 {
		opt.ConnMaxIdleTime = 30 * time.Minute
	}
	return opt, nil
}
