package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestFromEnvDevelopmentDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.StartingBalance.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected starting balance 10, got %s", cfg.StartingBalance)
	}
	if cfg.DefaultAutoLockMinutes != 10 || !cfg.CreditInternal || cfg.LockBlocksTransfers {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.JWTSecret == "" || cfg.ChangefeedDriver != ChangefeedMemory {
		t.Fatalf("dev config should be usable without secrets: %+v", cfg)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %s", cfg.Address())
	}
}

func TestFromEnvProductionRequiresInfra(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("REFRESH_SECRET", "")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected missing DATABASE_URL error")
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/mhc")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("expected missing JWT_SECRET error")
	}

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RefreshSecret != "s3cret" {
		t.Fatalf("refresh secret should fall back to JWT secret")
	}
}

func TestFromEnvParsesOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("SHUTDOWN_TIMEOUT_SECONDS", "3")
	t.Setenv("IDEMPOTENCY_TTL", "90s")
	t.Setenv("STARTING_BALANCE", "12.5")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("CHANGEFEED_DRIVER", "Redis")
	t.Setenv("LOCK_BLOCKS_TRANSFERS", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ShutdownPeriod != 3*time.Second || cfg.IdempotencyTTL != 90*time.Second {
		t.Fatalf("unexpected durations %v %v", cfg.ShutdownPeriod, cfg.IdempotencyTTL)
	}
	if !cfg.StartingBalance.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected starting balance %s", cfg.StartingBalance)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.ChangefeedDriver != ChangefeedRedis || !cfg.LockBlocksTransfers {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	for key, value := range map[string]string{
		"STARTING_BALANCE":          "-1",
		"DEFAULT_AUTO_LOCK_MINUTES": "-3",
		"CHANGEFEED_DRIVER":         "carrier-pigeon",
		"STORE_TIMEOUT":             "soon",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected %s=%s to be rejected", key, value)
			}
		})
	}
}
