package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
)

// MemoryStore is a concurrency-safe in-memory Store. Every mutation happens
// under one lock, which makes each conditional update trivially serializable.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]Account
	byAddress    map[string]string
	transactions []Transaction

	publisher changefeed.Publisher
	logger    *slog.Logger
}

// NewMemoryStore creates an empty store. Committed account updates are sent to
// publisher when it is not nil.
func NewMemoryStore(publisher changefeed.Publisher, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		accounts:  make(map[string]Account),
		byAddress: make(map[string]string),
		publisher: publisher,
		logger:    logger,
	}
}

func (s *MemoryStore) InsertAccountIfAbsent(ctx context.Context, account Account) (Account, bool, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, false, Transient(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.accounts[account.ID]; ok {
		return existing, false, nil
	}
	if _, taken := s.byAddress[account.WalletAddress]; taken {
		return Account{}, false, ErrAddressTaken
	}
	s.accounts[account.ID] = account
	s.byAddress[account.WalletAddress] = account.ID
	return account, true, nil
}

func (s *MemoryStore) Account(ctx context.Context, id string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, Transient(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrProfileNotFound)
	}
	return account, nil
}

func (s *MemoryStore) AccountByAddress(ctx context.Context, address string) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, Transient(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAddress[address]
	if !ok {
		return Account{}, fmt.Errorf("address %s: %w", address, ErrProfileNotFound)
	}
	return s.accounts[id], nil
}

func (s *MemoryStore) AccountIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ApplyTransfer(ctx context.Context, p TransferPosting) (TransferOutcome, error) {
	if err := validatePosting(p); err != nil {
		return TransferOutcome{}, err
	}
	if err := ctx.Err(); err != nil {
		return TransferOutcome{}, Transient(err)
	}

	s.mu.Lock()
	sender, ok := s.accounts[p.SenderID]
	if !ok {
		s.mu.Unlock()
		return TransferOutcome{}, fmt.Errorf("sender %s: %w", p.SenderID, ErrProfileNotFound)
	}
	var recipient Account
	if p.RecipientID != "" {
		recipient, ok = s.accounts[p.RecipientID]
		if !ok {
			s.mu.Unlock()
			return TransferOutcome{}, fmt.Errorf("recipient %s: %w", p.RecipientID, ErrProfileNotFound)
		}
	}
	if sender.Balance.LessThan(p.Amount) {
		s.mu.Unlock()
		return TransferOutcome{}, ErrBalanceConflict
	}

	sender.Balance = sender.Balance.Sub(p.Amount)
	s.accounts[sender.ID] = sender

	sent := Transaction{
		ID:               uuid.NewString(),
		AccountID:        sender.ID,
		SenderAddress:    p.SenderAddress,
		RecipientAddress: p.RecipientAddress,
		Amount:           p.Amount,
		Type:             TypeSend,
		Status:           StatusCompleted,
		CreatedAt:        p.At,
	}
	s.transactions = append(s.transactions, sent)

	out := TransferOutcome{Sent: sent, SenderBalance: sender.Balance}
	changed := []Account{sender}
	if p.RecipientID != "" {
		recipient.Balance = recipient.Balance.Add(p.Amount)
		s.accounts[recipient.ID] = recipient
		received := sent
		received.ID = uuid.NewString()
		received.AccountID = recipient.ID
		received.Type = TypeReceive
		s.transactions = append(s.transactions, received)
		out.Received = &received
		changed = append(changed, recipient)
	}
	s.mu.Unlock()

	s.publish(ctx, changed...)
	return out, nil
}

func (s *MemoryStore) ApplyCredit(ctx context.Context, p CreditPosting) (Transaction, error) {
	if err := ValidateAmount(p.Amount); err != nil {
		return Transaction{}, err
	}
	if err := ctx.Err(); err != nil {
		return Transaction{}, Transient(err)
	}

	s.mu.Lock()
	account, ok := s.accounts[p.AccountID]
	if !ok {
		s.mu.Unlock()
		return Transaction{}, fmt.Errorf("account %s: %w", p.AccountID, ErrProfileNotFound)
	}
	account.Balance = account.Balance.Add(p.Amount)
	s.accounts[account.ID] = account
	received := Transaction{
		ID:               uuid.NewString(),
		AccountID:        account.ID,
		SenderAddress:    p.SenderAddress,
		RecipientAddress: account.WalletAddress,
		Amount:           p.Amount,
		Type:             TypeReceive,
		Status:           StatusCompleted,
		CreatedAt:        p.At,
	}
	s.transactions = append(s.transactions, received)
	s.mu.Unlock()

	s.publish(ctx, account)
	return received, nil
}

func (s *MemoryStore) ToggleLock(ctx context.Context, id string, at time.Time) (Account, error) {
	return s.update(ctx, id, func(a *Account) {
		a.IsLocked = !a.IsLocked
		a.LastActiveAt = at
	})
}

func (s *MemoryStore) SetLock(ctx context.Context, id string, locked bool, at time.Time) (Account, error) {
	return s.update(ctx, id, func(a *Account) {
		a.IsLocked = locked
		a.LastActiveAt = at
	})
}

func (s *MemoryStore) SetAutoLockMinutes(ctx context.Context, id string, minutes int) (Account, error) {
	if err := ValidateAutoLockMinutes(minutes); err != nil {
		return Account{}, err
	}
	return s.update(ctx, id, func(a *Account) {
		a.AutoLockMinutes = minutes
	})
}

func (s *MemoryStore) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].AccountID != accountID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// update applies a settings mutation. The closure only touches its own fields,
// so a concurrent balance change is never overwritten.
func (s *MemoryStore) update(ctx context.Context, id string, mutate func(*Account)) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, Transient(err)
	}
	s.mu.Lock()
	account, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return Account{}, fmt.Errorf("account %s: %w", id, ErrProfileNotFound)
	}
	mutate(&account)
	s.accounts[id] = account
	s.mu.Unlock()

	s.publish(ctx, account)
	return account, nil
}

func (s *MemoryStore) publish(ctx context.Context, accounts ...Account) {
	if s.publisher == nil {
		return
	}
	for _, a := range accounts {
		if err := s.publisher.Publish(ctx, a.Snapshot()); err != nil {
			s.logger.Warn("publish account change", slog.String("account_id", a.ID), slog.Any("error", err))
		}
	}
}
