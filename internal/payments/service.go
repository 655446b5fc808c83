package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/notification"
)

const (
	// maxAttempts bounds the validate-then-apply loop: the first attempt plus
	// one retry after a lost balance race.
	maxAttempts   = 2
	notifyTimeout = 2 * time.Second
)

// Options tunes the transfer engine.
type Options struct {
	// CreditInternal credits recipients that hold an account in the same
	// store, in the same atomic unit as the debit.
	CreditInternal bool
	StoreTimeout   time.Duration
}

// Service is the only writer of balances after provisioning.
type Service struct {
	store    ledger.Store
	notifier notification.Notifier
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a payment service.
func NewService(store ledger.Store, notifier notification.Notifier, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Service{
		store:    store,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TransferInput captures the data needed to move funds out of an account.
type TransferInput struct {
	SubjectID        string
	RecipientAddress string
	Amount           decimal.Decimal
}

// TransferResult describes a committed transfer.
type TransferResult struct {
	Transaction       ledger.Transaction
	Balance           decimal.Decimal
	RecipientCredited bool
}

// Transfer debits the subject's account and records a completed send row in
// one atomic store operation.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	recipient := strings.TrimSpace(input.RecipientAddress)
	if strings.TrimSpace(input.SubjectID) == "" {
		return TransferResult{}, fmt.Errorf("%w: subject id is required", ledger.ErrValidation)
	}
	if err := ledger.ValidateAmount(input.Amount); err != nil {
		return TransferResult{}, err
	}
	if err := ledger.ValidateAddress(recipient); err != nil {
		return TransferResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	recipientID, err := s.resolveRecipient(ctx, recipient)
	if err != nil {
		return TransferResult{}, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sender, err := s.store.Account(ctx, input.SubjectID)
		if err != nil {
			return TransferResult{}, ledger.Transient(err)
		}
		if sender.WalletAddress == recipient {
			return TransferResult{}, fmt.Errorf("%w: cannot transfer to own address", ledger.ErrValidation)
		}
		if sender.Balance.LessThan(input.Amount) {
			return TransferResult{}, fmt.Errorf("%w: balance %s, amount %s", ledger.ErrInsufficientFunds, sender.Balance, input.Amount)
		}

		out, err := s.store.ApplyTransfer(ctx, ledger.TransferPosting{
			SenderID:         sender.ID,
			SenderAddress:    sender.WalletAddress,
			RecipientID:      recipientID,
			RecipientAddress: recipient,
			Amount:           input.Amount,
			At:               s.now(),
		})
		if errors.Is(err, ledger.ErrBalanceConflict) {
			s.logger.Debug("transfer lost balance race",
				slog.String("account_id", sender.ID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return TransferResult{}, ledger.Transient(err)
		}

		s.logger.Info("transfer completed",
			slog.String("transaction_id", out.Sent.ID),
			slog.String("sender_address", sender.WalletAddress),
			slog.String("recipient_address", recipient),
			slog.String("amount", input.Amount.String()),
			slog.Bool("recipient_credited", out.Received != nil),
		)
		s.notify(ctx, out)
		return TransferResult{
			Transaction:       out.Sent,
			Balance:           out.SenderBalance,
			RecipientCredited: out.Received != nil,
		}, nil
	}
	return TransferResult{}, fmt.Errorf("%w: %w after %d attempts", ledger.ErrTransientStore, ledger.ErrBalanceConflict, maxAttempts)
}

// resolveRecipient returns the in-store account id behind address, or "" when
// the address settles outside this ledger.
func (s *Service) resolveRecipient(ctx context.Context, address string) (string, error) {
	if !s.opts.CreditInternal {
		return "", nil
	}
	account, err := s.store.AccountByAddress(ctx, address)
	if errors.Is(err, ledger.ErrProfileNotFound) {
		return "", nil
	}
	if err != nil {
		return "", ledger.Transient(err)
	}
	return account.ID, nil
}

// notify runs after commit. A failure is logged and never undoes the transfer.
func (s *Service) notify(ctx context.Context, out ledger.TransferOutcome) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	tx := out.Sent
	err := s.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindTransactionCompleted,
		Destination: tx.RecipientAddress,
		Body:        fmt.Sprintf("%s sent %s to %s", tx.SenderAddress, tx.Amount, tx.RecipientAddress),
		Data: map[string]string{
			"transaction_id":    tx.ID,
			"sender_address":    tx.SenderAddress,
			"recipient_address": tx.RecipientAddress,
			"amount":            tx.Amount.String(),
			"status":            tx.Status,
		},
	})
	if err != nil {
		s.logger.Warn("transfer notification failed", slog.String("transaction_id", tx.ID), slog.Any("error", err))
	}
}
