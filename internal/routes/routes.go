package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mhc-wallet/mhc_wallet/internal/auth"
	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/config"
	"github.com/mhc-wallet/mhc_wallet/internal/identity"
	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/middleware"
	"github.com/mhc-wallet/mhc_wallet/internal/notification"
	"github.com/mhc-wallet/mhc_wallet/internal/payments"
	"github.com/mhc-wallet/mhc_wallet/internal/session"
	"github.com/mhc-wallet/mhc_wallet/internal/wallet"
)

const migrateTimeout = 30 * time.Second

// Deps aggregates shared dependencies required to wire routes. DB and Cache
// are optional in development; the in-memory store and feed are used instead.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// Verifier overrides the identity registry chosen from configuration.
	Verifier identity.Verifier
}

// Runtime holds the long-lived components built by Setup.
type Runtime struct {
	Store    ledger.Store
	Sessions *session.Manager
	Notifier notification.Notifier

	closers []func()
}

// Close ends every wallet session and stops background feed and notifier
// workers, in reverse construction order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	publisher, subscriber, err := buildFeed(rt, d)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(d, publisher)
	if err != nil {
		return nil, err
	}
	rt.Store = store

	addresses, err := wallet.NewSnowflakeAddresses(d.Cfg.NodeID)
	if err != nil {
		return nil, err
	}
	wallets := wallet.NewService(store, addresses, wallet.Options{
		StartingBalance:        d.Cfg.StartingBalance,
		DefaultAutoLockMinutes: d.Cfg.DefaultAutoLockMinutes,
		StoreTimeout:           d.Cfg.StoreTimeout,
	}, d.Logger)

	rt.Notifier = buildNotifier(rt, d)
	pay := payments.NewService(store, rt.Notifier, payments.Options{
		CreditInternal: d.Cfg.CreditInternal,
		StoreTimeout:   d.Cfg.StoreTimeout,
	}, d.Logger)

	rt.Sessions = session.NewManager(wallets, pay, subscriber, session.Options{
		LockBlocksTransfers: d.Cfg.LockBlocksTransfers,
	}, d.Logger)
	rt.onClose(rt.Sessions.Shutdown)

	identityRepo, verifier, err := buildIdentity(d)
	if err != nil {
		return nil, err
	}
	identitySvc := identity.NewService(identityRepo, verifier, d.Cfg.StoreTimeout, d.Logger)
	authSvc := auth.NewService(d.Cfg, identityRepo)

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d, rt.Sessions)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	RegisterIdentityRoutes(api, identity.NewHandler(identitySvc))
	authHandler := auth.NewHandler(identitySvc, authSvc, rt.Sessions, d.Logger)
	RegisterAuthRoutes(api, authHandler, middleware.LoginRateLimit(d.Cache, d.Cfg.LoginMaxPerMin))

	protected := api.Group("", middleware.JWTAuth(authSvc))
	protected.Post("/auth/logout", authHandler.Logout)

	var idempotency fiber.Handler
	if d.Cache != nil {
		idempotency = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}
	RegisterWalletRoutes(protected, session.NewHandler(rt.Sessions), idempotency)

	ok = true
	return rt, nil
}

// buildFeed selects the change feed driver. The postgres driver has no
// publisher: the accounts trigger emits NOTIFY itself.
func buildFeed(rt *Runtime, d Deps) (changefeed.Publisher, changefeed.Subscriber, error) {
	switch d.Cfg.ChangefeedDriver {
	case config.ChangefeedRedis:
		if d.Cache == nil {
			return nil, nil, errors.New("redis change feed requires REDIS_URL")
		}
		feed := changefeed.NewRedisFeed(d.Cache, d.Logger)
		return feed, feed, nil
	case config.ChangefeedPostgres:
		if d.DB == nil || d.Cfg.DatabaseURL == "" {
			return nil, nil, errors.New("postgres change feed requires DATABASE_URL")
		}
		feed, err := changefeed.NewPostgresFeed(d.Cfg.DatabaseURL, d.Logger)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		go feed.Run(ctx)
		rt.onClose(func() {
			cancel()
			if err := feed.Close(); err != nil {
				d.Logger.Warn("close postgres change feed", slog.Any("error", err))
			}
		})
		return nil, feed, nil
	default:
		hub := changefeed.NewHub(d.Logger)
		rt.onClose(hub.Disconnect)
		return hub, hub, nil
	}
}

func buildStore(d Deps, publisher changefeed.Publisher) (ledger.Store, error) {
	if d.DB == nil {
		return ledger.NewMemoryStore(publisher, d.Logger), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	store := ledger.NewPostgresStore(d.DB, publisher, d.Logger)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	if err := identity.Migrate(ctx, d.DB); err != nil {
		return nil, fmt.Errorf("migrate identity: %w", err)
	}
	return store, nil
}

func buildNotifier(rt *Runtime, d Deps) notification.Notifier {
	logNotifier := notification.NewLoggerNotifier(d.Logger)
	if len(d.Cfg.KafkaBrokers) == 0 {
		return logNotifier
	}
	kafka := notification.NewKafkaNotifier(d.Cfg.KafkaBrokers, d.Cfg.KafkaTopic)
	rt.onClose(func() {
		if err := kafka.Close(); err != nil {
			d.Logger.Warn("close kafka notifier", slog.Any("error", err))
		}
	})
	return notification.Fanout{logNotifier, kafka}
}

func buildIdentity(d Deps) (identity.Repository, identity.Verifier, error) {
	var repo identity.Repository = identity.NewMemoryRepository()
	if d.DB != nil {
		repo = identity.NewPostgresRepository(d.DB)
	}

	switch {
	case d.Verifier != nil:
		return repo, d.Verifier, nil
	case d.Cfg.IdentityRegistryFile != "":
		registry, err := identity.LoadRegistryFile(d.Cfg.IdentityRegistryFile)
		if err != nil {
			return nil, nil, err
		}
		d.Logger.Info("identity registry loaded", slog.Int("entries", registry.Len()))
		return repo, registry, nil
	case d.DB != nil:
		return repo, identity.NewPostgresRegistry(d.DB), nil
	default:
		d.Logger.Warn("no identity registry configured; every identity number will be rejected")
		return repo, identity.NewMemoryRegistry(), nil
	}
}
