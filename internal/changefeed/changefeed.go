package changefeed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the state of one account row after a committed change.
type AccountSnapshot struct {
	AccountID       string          `json:"account_id"`
	WalletAddress   string          `json:"wallet_address"`
	Balance         decimal.Decimal `json:"balance"`
	IsLocked        bool            `json:"is_locked"`
	AutoLockMinutes int             `json:"auto_lock_minutes"`
	LastActiveAt    time.Time       `json:"last_active_at"`
}

// Publisher delivers account snapshots to interested subscribers. Delivery is
// best effort.
type Publisher interface {
	Publish(ctx context.Context, snap AccountSnapshot) error
}

// Subscriber streams snapshots for one account. The returned channel is closed
// when ctx ends; a close while ctx is still live means the underlying
// connection dropped and the caller should subscribe again.
type Subscriber interface {
	Subscribe(ctx context.Context, accountID string) (<-chan AccountSnapshot, error)
}

// Feed is both ends of a change feed.
type Feed interface {
	Publisher
	Subscriber
}
