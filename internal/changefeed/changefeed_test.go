package changefeed

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/logging"
)

func receive(t *testing.T, ch <-chan AccountSnapshot) AccountSnapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before snapshot arrived")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return AccountSnapshot{}
}

func TestHubDeliversOnlyToAccountSubscribers(t *testing.T) {
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := hub.Subscribe(ctx, "acct-a")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := hub.Subscribe(ctx, "acct-b")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	_ = hub.Publish(ctx, AccountSnapshot{AccountID: "acct-a", Balance: decimal.NewFromInt(7)})

	got := receive(t, a)
	if !got.Balance.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("expected balance 7, got %s", got.Balance)
	}
	select {
	case snap := <-b:
		t.Fatalf("unexpected snapshot for acct-b: %+v", snap)
	default:
	}
}

func TestHubClosesOnCancel(t *testing.T) {
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := hub.Subscribe(ctx, "acct")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
	if n := hub.Subscribers("acct"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestHubDisconnectClosesLiveSubscriptions(t *testing.T) {
	hub := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := hub.Subscribe(ctx, "acct")
	hub.Disconnect()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed by disconnect")
	}
	if ctx.Err() != nil {
		t.Fatalf("disconnect must not cancel the subscriber context")
	}
}

func TestRedisFeedRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	feed := NewRedisFeed(client, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Subscribe(ctx, "acct-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := AccountSnapshot{AccountID: "acct-1", WalletAddress: "MHCabc", Balance: decimal.RequireFromString("70.5"), IsLocked: true, AutoLockMinutes: 10}
	if err := feed.Publish(ctx, want); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, ch)
	if got.WalletAddress != want.WalletAddress || !got.Balance.Equal(want.Balance) || !got.IsLocked {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestDecodeNotificationFromTrigger(t *testing.T) {
	payload := `{"account_id":"user-1","wallet_address":"MHCq1","balance":"12.50000000","is_locked":false,"auto_lock_minutes":5,"last_active_at":"2024-05-01T10:00:00.123456+00:00"}`
	snap, err := decodeNotification(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !snap.Balance.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected balance %s", snap.Balance)
	}
	if snap.AutoLockMinutes != 5 || snap.IsLocked {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if _, err := decodeNotification(`{"balance":"1"}`); err == nil {
		t.Fatalf("expected error for missing account id")
	}
}
