package infra

import (
	"context"
	"errors"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}

func TestNewRedisClientRequiresURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
	if _, err := NewPostgresPool(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty database url")
	}
}

func TestRetryStopsAfterAttempts(t *testing.T) {
	calls := 0
	err := retry(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if calls != connectAttempts {
		t.Fatalf("expected %d attempts, got %d", connectAttempts, calls)
	}
}

func TestRedisOptionsRaisesPoolDefaults(t *testing.T) {
	opt, err := redisOptions("redis://localhost:6379/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opt.PoolSize != minRedisPool || opt.MinIdleConns != minRedisIdleConns || opt.DB != 2 {
		t.Fatalf("unexpected options: pool=%d idle=%d db=%d", opt.PoolSize, opt.MinIdleConns, opt.DB)
	}

	opt, err = redisOptions("redis://localhost:6379/0?pool_size=50")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opt.PoolSize != 50 {
		t.Fatalf("explicit pool size overridden: %d", opt.PoolSize)
	}

	if _, err := redisOptions("not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
}
