package session

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/autolock"
	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/logging"
	"github.com/mhc-wallet/mhc_wallet/internal/payments"
	"github.com/mhc-wallet/mhc_wallet/internal/wallet"
)

type counterAddresses struct{ n int }

func (g *counterAddresses) NewAddress() string {
	g.n++
	return ledger.AddressPrefix + "s" + strconv.Itoa(g.n)
}

type fixture struct {
	hub     *changefeed.Hub
	store   *ledger.MemoryStore
	manager *Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := logging.Discard()
	hub := changefeed.NewHub(logger)
	store := ledger.NewMemoryStore(hub, logger)
	wallets := wallet.NewService(store, &counterAddresses{}, wallet.Options{
		StartingBalance:        decimal.NewFromInt(100),
		DefaultAutoLockMinutes: 10,
	}, logger)
	pay := payments.NewService(store, nil, payments.Options{CreditInternal: true}, logger)
	m := NewManager(wallets, pay, hub, opts, logger)
	t.Cleanup(m.Shutdown)
	return &fixture{hub: hub, store: store, manager: m}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func balanceOf(s *Session) decimal.Decimal {
	snap, _ := s.Snapshot()
	return snap.Balance
}

func TestManagerStartsOneSessionPerSubject(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	first, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if first != second {
		t.Fatalf("expected the same session")
	}
	if f.manager.Active() != 1 {
		t.Fatalf("expected one session, got %d", f.manager.Active())
	}

	snap, ok := first.Snapshot()
	if !ok || !snap.IsLocked || !snap.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected initial view %+v", snap)
	}
	if first.LockState() != autolock.Locked {
		t.Fatalf("new accounts start locked")
	}

	f.manager.OnSignOut("alice")
	if f.manager.Active() != 0 {
		t.Fatalf("expected session to be torn down")
	}
	waitFor(t, "feed unsubscribe", func() bool { return f.hub.Subscribers("alice") == 0 })
}

func TestTransferRefreshesView(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.manager.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	res, err := s.Transfer(context.Background(), "MHCxyz", decimal.NewFromInt(30))
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if !res.Balance.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("expected 70, got %s", res.Balance)
	}
	if got := balanceOf(s); !got.Equal(decimal.NewFromInt(70)) {
		t.Fatalf("view not refreshed, balance %s", got)
	}
	if s.Loading() {
		t.Fatalf("loading flag left set")
	}
}

func TestFailedTransferClearsLoading(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.manager.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_, err = s.Transfer(context.Background(), "MHCxyz", decimal.NewFromInt(1000))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if s.Loading() {
		t.Fatalf("loading flag left set after failure")
	}
}

func TestViewFollowsChangeFeed(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	alice, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get alice: %v", err)
	}
	bob, err := f.manager.Get(ctx, "bob")
	if err != nil {
		t.Fatalf("get bob: %v", err)
	}
	bobSnap, _ := bob.Snapshot()
	waitFor(t, "bob subscription", func() bool { return f.hub.Subscribers("bob") == 1 })

	if _, err := alice.Transfer(ctx, bobSnap.WalletAddress, decimal.NewFromInt(25)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	waitFor(t, "bob credit", func() bool { return balanceOf(bob).Equal(decimal.NewFromInt(125)) })
}

func TestResubscribesAfterDrop(t *testing.T) {
	f := newFixture(t, Options{ResubscribeBackoff: 20 * time.Millisecond})
	ctx := context.Background()
	s, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	waitFor(t, "initial subscription", func() bool { return f.hub.Subscribers("alice") == 1 })

	f.hub.Disconnect()
	waitFor(t, "resubscription", func() bool { return f.hub.Subscribers("alice") == 1 })

	if _, err := f.store.ApplyCredit(ctx, ledger.CreditPosting{
		AccountID:     "alice",
		SenderAddress: ledger.MintAddress,
		Amount:        decimal.NewFromInt(10),
		At:            time.Now(),
	}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	waitFor(t, "credit after reconnect", func() bool { return balanceOf(s).Equal(decimal.NewFromInt(110)) })
}

func TestToggleLockTwice(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.manager.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	before, _ := s.Snapshot()

	first, err := s.ToggleLock(context.Background())
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if first.IsLocked || s.LockState() != autolock.Unlocked {
		t.Fatalf("expected unlocked after first toggle")
	}
	second, err := s.ToggleLock(context.Background())
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if second.IsLocked != before.IsLocked {
		t.Fatalf("two toggles should restore the lock state")
	}
	if second.LastActiveAt.Before(first.LastActiveAt) || first.LastActiveAt.Before(before.LastActiveAt) {
		t.Fatalf("last active not updated on toggle")
	}
}

func TestInactivityLockIsPersisted(t *testing.T) {
	f := newFixture(t, Options{AutoLockUnit: 5 * time.Millisecond})
	ctx := context.Background()
	s, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := s.ToggleLock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	waitFor(t, "auto lock", func() bool {
		account, err := f.store.Account(ctx, "alice")
		return err == nil && account.IsLocked
	})
	waitFor(t, "view locked", func() bool {
		snap, _ := s.Snapshot()
		return snap.IsLocked && s.LockState() == autolock.Locked
	})
}

func TestAutoLockSettingUpdatesTimer(t *testing.T) {
	f := newFixture(t, Options{AutoLockUnit: time.Hour})
	ctx := context.Background()
	s, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	snap, err := s.UpdateAutoLockMinutes(ctx, 3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if snap.AutoLockMinutes != 3 {
		t.Fatalf("expected 3 minutes, got %d", snap.AutoLockMinutes)
	}
	if _, err := s.UpdateAutoLockMinutes(ctx, -1); !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestLockedWalletBlocksTransfersWhenEnforced(t *testing.T) {
	f := newFixture(t, Options{LockBlocksTransfers: true})
	ctx := context.Background()
	s, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := s.Transfer(ctx, "MHCxyz", decimal.NewFromInt(1)); !errors.Is(err, ErrWalletLocked) {
		t.Fatalf("expected wallet locked, got %v", err)
	}
	if _, err := s.ToggleLock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := s.Transfer(ctx, "MHCxyz", decimal.NewFromInt(1)); err != nil {
		t.Fatalf("transfer after unlock: %v", err)
	}
}

func TestSubscribeEndsWhenSessionCloses(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	s, err := f.manager.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	updates, err := s.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := s.ToggleLock(ctx); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	select {
	case snap := <-updates:
		if snap.AccountID != "alice" {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("no update delivered")
	}

	f.manager.End("alice")
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscription not closed")
		}
	}
}
