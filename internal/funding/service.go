package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/notification"
)

const defaultConcurrency = 8

// Service credits accounts from the mint address.
type Service struct {
	store    ledger.Store
	notifier notification.Notifier
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds an airdrop service.
func NewService(store ledger.Store, notifier notification.Notifier, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{store: store, notifier: notifier, timeout: timeout, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// AirdropInput describes one airdrop run.
type AirdropInput struct {
	Amount      decimal.Decimal
	Concurrency int
	// AccountIDs restricts the run; empty means every account.
	AccountIDs []string
}

// AirdropResult summarises a run. Failed maps account ids to the error.
type AirdropResult struct {
	Credited int
	Failed   map[string]error
	Total    decimal.Decimal
}

// Airdrop credits every selected account with the same amount. Each credit is
// its own atomic posting; one failure does not stop the others.
func (s *Service) Airdrop(ctx context.Context, input AirdropInput) (AirdropResult, error) {
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return AirdropResult{}, err
	}
	ids := input.AccountIDs
	if len(ids) == 0 {
		listCtx, cancel := context.WithTimeout(ctx, s.timeout)
		var err error
		ids, err = s.store.AccountIDs(listCtx)
		cancel()
		if err != nil {
			return AirdropResult{}, ledger.Transient(err)
		}
	}
	concurrency := input.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	var (
		mu  sync.Mutex
		res = AirdropResult{Failed: make(map[string]error), Total: decimal.Zero}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			tx, err := s.credit(gctx, id, input.Amount)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err
				return nil
			}
			res.Credited++
			res.Total = res.Total.Add(tx.Amount)
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("airdrop completed",
		slog.Int("credited", res.Credited),
		slog.Int("failed", len(res.Failed)),
		slog.String("total", res.Total.String()),
	)
	if res.Credited == 0 && len(res.Failed) > 0 {
		return res, fmt.Errorf("airdrop failed for all %d accounts: %w", len(res.Failed), firstError(res.Failed))
	}
	return res, nil
}

func (s *Service) credit(ctx context.Context, id string, amount decimal.Decimal) (ledger.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	tx, err := s.store.ApplyCredit(ctx, ledger.CreditPosting{
		AccountID:     id,
		SenderAddress: ledger.MintAddress,
		Amount:        amount,
		At:            s.now(),
	})
	if err != nil {
		s.logger.Warn("airdrop credit failed", slog.String("account_id", id), slog.Any("error", err))
		return ledger.Transaction{}, ledger.Transient(err)
	}
	if s.notifier != nil {
		err := s.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindAirdropCredited,
			Destination: tx.RecipientAddress,
			Body:        fmt.Sprintf("received %s from %s", tx.Amount, tx.SenderAddress),
			Data:        map[string]string{"transaction_id": tx.ID, "amount": tx.Amount.String()},
		})
		if err != nil {
			s.logger.Warn("airdrop notification failed", slog.String("account_id", id), slog.Any("error", err))
		}
	}
	return tx, nil
}

func firstError(errs map[string]error) error {
	for _, err := range errs {
		return err
	}
	return errors.New("no error")
}
