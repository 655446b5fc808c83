package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
)

const (
	maxAddressAttempts  = 5
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Options tunes account provisioning.
type Options struct {
	StartingBalance        decimal.Decimal
	DefaultAutoLockMinutes int
	StoreTimeout           time.Duration
}

// Service provisions accounts and applies owner settings changes.
type Service struct {
	store     ledger.Store
	addresses AddressGenerator
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, addresses AddressGenerator, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Service{
		store:     store,
		addresses: addresses,
		opts:      opts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnsureAccount returns the account owned by subjectID, creating it on first
// use. Concurrent callers for the same subject all observe the same row.
func (s *Service) EnsureAccount(ctx context.Context, subjectID string) (ledger.Account, error) {
	if strings.TrimSpace(subjectID) == "" {
		return ledger.Account{}, fmt.Errorf("%w: subject id is required", ledger.ErrValidation)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	account, err := s.store.Account(ctx, subjectID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ledger.ErrProfileNotFound) {
		return ledger.Account{}, ledger.Transient(err)
	}

	for attempt := 1; attempt <= maxAddressAttempts; attempt++ {
		now := s.now()
		candidate := ledger.Account{
			ID:              subjectID,
			WalletAddress:   s.addresses.NewAddress(),
			Balance:         s.opts.StartingBalance,
			IsLocked:        true,
			AutoLockMinutes: s.opts.DefaultAutoLockMinutes,
			LastActiveAt:    now,
			CreatedAt:       now,
		}
		account, created, err := s.store.InsertAccountIfAbsent(ctx, candidate)
		if errors.Is(err, ledger.ErrAddressTaken) {
			s.logger.Warn("wallet address collision", slog.String("account_id", subjectID), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return ledger.Account{}, ledger.Transient(err)
		}
		if created {
			s.logger.Info("account provisioned",
				slog.String("account_id", account.ID),
				slog.String("wallet_address", account.WalletAddress),
				slog.String("balance", account.Balance.String()),
			)
		}
		return account, nil
	}
	return ledger.Account{}, fmt.Errorf("%w: %w after %d attempts", ledger.ErrTransientStore, ledger.ErrAddressTaken, maxAddressAttempts)
}

// Refresh reads the authoritative account row.
func (s *Service) Refresh(ctx context.Context, subjectID string) (ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	account, err := s.store.Account(ctx, subjectID)
	return account, ledger.Transient(err)
}

// ToggleLock flips the lock flag and stamps last activity.
func (s *Service) ToggleLock(ctx context.Context, subjectID string) (ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	account, err := s.store.ToggleLock(ctx, subjectID, s.now())
	return account, ledger.Transient(err)
}

// SetLock forces the lock flag, used by the inactivity timer.
func (s *Service) SetLock(ctx context.Context, subjectID string, locked bool) (ledger.Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	account, err := s.store.SetLock(ctx, subjectID, locked, s.now())
	return account, ledger.Transient(err)
}

// UpdateAutoLockMinutes stores the inactivity timeout preference. Zero
// disables the timer.
func (s *Service) UpdateAutoLockMinutes(ctx context.Context, subjectID string, minutes int) (ledger.Account, error) {
	if err := ledger.ValidateAutoLockMinutes(minutes); err != nil {
		return ledger.Account{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	account, err := s.store.SetAutoLockMinutes(ctx, subjectID, minutes)
	return account, ledger.Transient(err)
}

// History lists the newest transactions of the account.
func (s *Service) History(ctx context.Context, subjectID string, limit int) ([]ledger.Transaction, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	txs, err := s.store.Transactions(ctx, subjectID, limit)
	return txs, ledger.Transient(err)
}
