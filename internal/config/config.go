package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName         = "MHCWallet"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultAccessTokenTTL  = 15 * time.Minute
	defaultRefreshTokenTTL = 7 * 24 * time.Hour
	defaultStoreTimeout    = 5 * time.Second
	defaultStartingBalance = "10"
	defaultAutoLockMinutes = 10
	defaultChangefeed      = "memory"
	defaultKafkaTopic      = "transaction_completed"
	defaultNodeID          = 1
	defaultLoginMaxPerMin  = 5
	devJWTSecret           = "dev-access-secret"
	devRefreshSecret       = "dev-refresh-secret"
	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Changefeed drivers.
const (
	ChangefeedMemory   = "memory"
	ChangefeedRedis    = "redis"
	ChangefeedPostgres = "postgres"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	LogFormat      string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	JWTSecret       string
	RefreshSecret   string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	LoginMaxPerMin  int

	StoreTimeout           time.Duration
	StartingBalance        decimal.Decimal
	DefaultAutoLockMinutes int
	CreditInternal         bool
	LockBlocksTransfers    bool
	NodeID                 int64

	ChangefeedDriver     string
	KafkaBrokers         []string
	KafkaTopic           string
	IdentityRegistryFile string
}

// Load reads an optional .env file and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv populates a Config from environment variables only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		LogFormat:            strings.ToLower(getEnv("LOG_FORMAT", defaultLogFormat)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RefreshSecret:        os.Getenv("REFRESH_SECRET"),
		ChangefeedDriver:     strings.ToLower(getEnv("CHANGEFEED_DRIVER", defaultChangefeed)),
		KafkaTopic:           getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		IdentityRegistryFile: os.Getenv("IDENTITY_REGISTRY_FILE"),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = getDuration("ACCESS_TOKEN_TTL", defaultAccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = getDuration("REFRESH_TOKEN_TTL", defaultRefreshTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.StoreTimeout, err = getDuration("STORE_TIMEOUT", defaultStoreTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LoginMaxPerMin, err = getInt("LOGIN_MAX_PER_MINUTE", defaultLoginMaxPerMin); err != nil {
		return Config{}, err
	}
	if cfg.DefaultAutoLockMinutes, err = getInt("DEFAULT_AUTO_LOCK_MINUTES", defaultAutoLockMinutes); err != nil {
		return Config{}, err
	}
	nodeID, err := getInt("NODE_ID", defaultNodeID)
	if err != nil {
		return Config{}, err
	}
	cfg.NodeID = int64(nodeID)
	if cfg.CreditInternal, err = getBool("CREDIT_INTERNAL_RECIPIENTS", true); err != nil {
		return Config{}, err
	}
	if cfg.LockBlocksTransfers, err = getBool("LOCK_BLOCKS_TRANSFERS", false); err != nil {
		return Config{}, err
	}

	cfg.StartingBalance, err = decimal.NewFromString(getEnv("STARTING_BALANCE", defaultStartingBalance))
	if err != nil {
		return Config{}, fmt.Errorf("invalid STARTING_BALANCE: %w", err)
	}
	if cfg.StartingBalance.IsNegative() {
		return Config{}, fmt.Errorf("STARTING_BALANCE must not be negative")
	}
	if cfg.DefaultAutoLockMinutes < 0 {
		return Config{}, fmt.Errorf("DEFAULT_AUTO_LOCK_MINUTES must not be negative")
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	switch cfg.ChangefeedDriver {
	case ChangefeedMemory, ChangefeedRedis, ChangefeedPostgres:
	default:
		return Config{}, fmt.Errorf("unknown CHANGEFEED_DRIVER %q", cfg.ChangefeedDriver)
	}

	if cfg.IsDev() {
		if cfg.JWTSecret == "" {
			cfg.JWTSecret = devJWTSecret
		}
		if cfg.RefreshSecret == "" {
			cfg.RefreshSecret = devRefreshSecret
		}
		return cfg, nil
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL must be set")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("REDIS_URL must be set")
	}
	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET must be set")
	}
	if cfg.RefreshSecret == "" {
		cfg.RefreshSecret = cfg.JWTSecret
	}
	return cfg, nil
}

// IsDev reports whether the service runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return getDuration(durationKey, fallback)
}
