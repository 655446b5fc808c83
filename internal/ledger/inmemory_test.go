package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/logging"
)

func newAccount(id, address string, balance int64) Account {
	now := time.Now().UTC()
	return Account{
		ID:              id,
		WalletAddress:   address,
		Balance:         decimal.NewFromInt(balance),
		IsLocked:        true,
		AutoLockMinutes: 10,
		LastActiveAt:    now,
		CreatedAt:       now,
	}
}

func mustInsert(t *testing.T, s Store, a Account) {
	t.Helper()
	if _, _, err := s.InsertAccountIfAbsent(context.Background(), a); err != nil {
		t.Fatalf("insert %s: %v", a.ID, err)
	}
}

func TestMemoryStore_InsertAccountIfAbsentKeepsFirstRow(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	ctx := context.Background()

	first, created, err := s.InsertAccountIfAbsent(ctx, newAccount("user-1", "MHCfirst", 10))
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	second, created, err := s.InsertAccountIfAbsent(ctx, newAccount("user-1", "MHCsecond", 10))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if created {
		t.Fatalf("second insert must not create a row")
	}
	if second.WalletAddress != first.WalletAddress {
		t.Fatalf("expected address %s, got %s", first.WalletAddress, second.WalletAddress)
	}

	if _, _, err := s.InsertAccountIfAbsent(ctx, newAccount("user-2", "MHCfirst", 10)); !errors.Is(err, ErrAddressTaken) {
		t.Fatalf("expected address taken, got %v", err)
	}
}

func TestMemoryStore_ApplyTransferDebitsAndLogs(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 100))

	out, err := s.ApplyTransfer(context.Background(), TransferPosting{
		SenderID:         "a",
		SenderAddress:    "MHCa",
		RecipientAddress: "MHCxyz",
		Amount:           decimal.NewFromInt(30),
		At:               time.Now(),
	})
	if err != nil {
		t.Fatalf("apply transfer: %v", err)
	}
	if !out.SenderBalance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected balance 70, got %s", out.SenderBalance)
	}
	if out.Received != nil {
		t.Fatalf("external recipient must not be credited")
	}

	txs, _ := s.Transactions(context.Background(), "a", 0)
	if len(txs) != 1 || txs[0].Status != StatusCompleted || txs[0].Type != TypeSend {
		t.Fatalf("unexpected log: %+v", txs)
	}
}

func TestMemoryStore_ApplyTransferConflictLeavesNoTrace(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 50))

	_, err := s.ApplyTransfer(context.Background(), TransferPosting{
		SenderID: "a", SenderAddress: "MHCa", RecipientAddress: "MHCb",
		Amount: decimal.RequireFromString("50.01"), At: time.Now(),
	})
	if !errors.Is(err, ErrBalanceConflict) {
		t.Fatalf("expected balance conflict, got %v", err)
	}

	acct, _ := s.Account(context.Background(), "a")
	if !acct.Balance.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("balance changed to %s", acct.Balance)
	}
	if txs, _ := s.Transactions(context.Background(), "a", 0); len(txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(txs))
	}
}

func TestMemoryStore_ApplyTransferCreditsInternalRecipient(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 100))
	mustInsert(t, s, newAccount("b", "MHCb", 0))

	out, err := s.ApplyTransfer(context.Background(), TransferPosting{
		SenderID: "a", SenderAddress: "MHCa", RecipientID: "b", RecipientAddress: "MHCb",
		Amount: decimal.NewFromInt(25), At: time.Now(),
	})
	if err != nil {
		t.Fatalf("apply transfer: %v", err)
	}
	if out.Received == nil || out.Received.Type != TypeReceive {
		t.Fatalf("expected receive row, got %+v", out.Received)
	}

	a, _ := s.Account(context.Background(), "a")
	b, _ := s.Account(context.Background(), "b")
	if total := a.Balance.Add(b.Balance); !total.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("ledger not balanced, total=%s", total)
	}
}

func TestMemoryStore_ConcurrentTransfersNeverOverdraw(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 100))

	const workers = 20
	amount := decimal.NewFromInt(15)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyTransfer(context.Background(), TransferPosting{
				SenderID: "a", SenderAddress: "MHCa", RecipientAddress: fmt.Sprintf("MHCr%d", i),
				Amount: amount, At: time.Now(),
			})
			if err != nil && !errors.Is(err, ErrBalanceConflict) {
				t.Errorf("transfer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	acct, _ := s.Account(context.Background(), "a")
	if acct.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", acct.Balance)
	}
	txs, _ := s.Transactions(context.Background(), "a", 0)
	sent := decimal.Zero
	for _, tx := range txs {
		sent = sent.Add(tx.Amount)
	}
	if !sent.Equal(decimal.NewFromInt(100).Sub(acct.Balance)) {
		t.Fatalf("sent %s does not match debit %s", sent, decimal.NewFromInt(100).Sub(acct.Balance))
	}
	if len(txs) != 6 {
		t.Fatalf("expected 6 successful transfers of 15 from 100, got %d", len(txs))
	}
}

func TestMemoryStore_ToggleLockPublishesSnapshot(t *testing.T) {
	hub := changefeed.NewHub(logging.Discard())
	s := NewMemoryStore(hub, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 10))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, _ := hub.Subscribe(ctx, "a")

	at := time.Now().Add(time.Minute).UTC()
	acct, err := s.ToggleLock(ctx, "a", at)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if acct.IsLocked || !acct.LastActiveAt.Equal(at) {
		t.Fatalf("unexpected account after toggle: %+v", acct)
	}

	select {
	case snap := <-updates:
		if snap.IsLocked {
			t.Fatalf("snapshot still locked")
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot published")
	}
}

func TestMemoryStore_SettingsDoNotClobberBalance(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 100))
	ctx := context.Background()

	if _, err := s.ApplyTransfer(ctx, TransferPosting{SenderID: "a", SenderAddress: "MHCa", RecipientAddress: "MHCb", Amount: decimal.NewFromInt(40), At: time.Now()}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	acct, err := s.SetAutoLockMinutes(ctx, "a", 3)
	if err != nil {
		t.Fatalf("set auto lock: %v", err)
	}
	if acct.AutoLockMinutes != 3 || !acct.Balance.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected account %+v", acct)
	}
	if _, err := s.SetAutoLockMinutes(ctx, "a", -1); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryStore_CancelledContextIsTransient(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Account(ctx, "a"); !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestValidateAddress(t *testing.T) {
	for _, ok := range []string{"MHCxyz", "MHC0a9", ledgerAddress(32)} {
		if err := ValidateAddress(ok); err != nil {
			t.Fatalf("%q should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "MHC", "xyz", "MHCXYZ", "MHC-1", ledgerAddress(33)} {
		if err := ValidateAddress(bad); !errors.Is(err, ErrValidation) {
			t.Fatalf("%q should be rejected, got %v", bad, err)
		}
	}
}

func ledgerAddress(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return AddressPrefix + string(b)
}

func TestMemoryStore_ApplyTransferRejectsSelfPosting(t *testing.T) {
	s := NewMemoryStore(nil, logging.Discard())
	mustInsert(t, s, newAccount("a", "MHCa", 100))

	_, err := s.ApplyTransfer(context.Background(), TransferPosting{
		SenderID: "a", SenderAddress: "MHCa", RecipientID: "a", RecipientAddress: "MHCa",
		Amount: decimal.NewFromInt(30), At: time.Now(),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	acct, _ := s.Account(context.Background(), "a")
	if !acct.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance changed to %s", acct.Balance)
	}
	if txs, _ := s.Transactions(context.Background(), "a", 0); len(txs) != 0 {
		t.Fatalf("expected no transactions, got %d", len(txs))
	}
}

func TestValidateAmount(t *testing.T) {
	for _, ok := range []string{"1", "0.00000001", "1.000000000000", "30.5", "999999999999.99999999"} {
		if err := ValidateAmount(decimal.RequireFromString(ok)); err != nil {
			t.Fatalf("%s should be valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"0", "-1", "0.000000001", "0.000000006", "1e-20000000", "1e20000000", "1000000000000", "1" + strings.Repeat("0", 40) + "e-40"} {
		start := time.Now()
		if err := ValidateAmount(decimal.RequireFromString(bad)); !errors.Is(err, ErrValidation) {
			t.Fatalf("%s should be rejected, got %v", bad, err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("%s: rejection took %s", bad, elapsed)
		}
	}
}
