package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/docopt/docopt-go"
	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/config"
	"github.com/mhc-wallet/mhc_wallet/internal/funding"
	"github.com/mhc-wallet/mhc_wallet/internal/infra"
	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/logging"
	"github.com/mhc-wallet/mhc_wallet/internal/notification"
)

const usage = `airdrop credits MHC from the mint address to wallet accounts.

Usage:
  airdrop [--amount=<amount>] [--concurrency=<n>] [<account>...]
  airdrop -h | --help

Options:
  -h --help          Show this screen.
  --amount=<amount>  Amount credited to each account [default: 10].
  --concurrency=<n>  Credits applied in parallel [default: 8].

With no <account> every account in the ledger is credited.
`

func main() {
	os.Exit(run())
}

func run() int {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	rawAmount, _ := opts.String("--amount")
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --amount %q: %v\n", rawAmount, err)
		return 2
	}
	concurrency, err := opts.Int("--concurrency")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --concurrency: %v\n", err)
		return 2
	}
	accounts, _ := opts["<account>"].([]string)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if cfg.DatabaseURL == "" {
		logger.Error("airdrop needs DATABASE_URL")
		return 1
	}

	ctx := context.Background()
	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		return 1
	}
	defer db.Close()

	// The postgres driver is fed by the table trigger; redis needs an explicit publish.
	var publisher changefeed.Publisher
	if cfg.ChangefeedDriver == config.ChangefeedRedis && cfg.RedisURL != "" {
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			return 1
		}
		defer cache.Close()
		publisher = changefeed.NewRedisFeed(cache, logger)
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kafka := notification.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kafka.Close()
		notifier = notification.Fanout{notifier, kafka}
	}

	store := ledger.NewPostgresStore(db, publisher, logger)
	svc := funding.NewService(store, notifier, cfg.StoreTimeout, logger)
	res, err := svc.Airdrop(ctx, funding.AirdropInput{
		Amount:      amount,
		Concurrency: concurrency,
		AccountIDs:  accounts,
	})

	failed := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(os.Stderr, "%s: %v\n", id, res.Failed[id])
	}
	fmt.Printf("credited %d accounts, %s MHC total, %d failed\n", res.Credited, res.Total, len(res.Failed))
	if err != nil {
		logger.Error("airdrop failed", "error", err)
		return 1
	}
	return 0
}
