package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/autolock"
	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
	"github.com/mhc-wallet/mhc_wallet/internal/ledger"
	"github.com/mhc-wallet/mhc_wallet/internal/payments"
	"github.com/mhc-wallet/mhc_wallet/internal/wallet"
)

// ErrWalletLocked is returned for transfers while the wallet is locked and
// lock enforcement is on.
var ErrWalletLocked = errors.New("wallet is locked")

var errClosed = errors.New("session closed")

// Options tunes every session created by a Manager.
type Options struct {
	// AutoLockUnit is the duration of one auto-lock "minute".
	AutoLockUnit time.Duration
	// LockBlocksTransfers rejects transfers while the wallet is locked.
	LockBlocksTransfers bool
	// ResubscribeBackoff caps the wait between change feed reconnects.
	ResubscribeBackoff time.Duration
	// ExpireTimeout bounds the store write made when the inactivity timer fires.
	ExpireTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.AutoLockUnit <= 0 {
		o.AutoLockUnit = time.Minute
	}
	if o.ResubscribeBackoff <= 0 {
		o.ResubscribeBackoff = 5 * time.Second
	}
	if o.ExpireTimeout <= 0 {
		o.ExpireTimeout = 5 * time.Second
	}
	return o
}

// Session owns the balance view and lock state of one signed-in subject.
// All mutations go through its five operations.
type Session struct {
	subjectID string
	wallets   *wallet.Service
	payments  *payments.Service
	feed      changefeed.Subscriber
	opts      Options
	logger    *slog.Logger

	mu      sync.RWMutex
	view    changefeed.AccountSnapshot
	hasView bool

	loading atomic.Int32
	lock    *autolock.Machine
	updates *changefeed.Hub

	initOnce sync.Once
	initErr  error
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func newSession(subjectID string, wallets *wallet.Service, pay *payments.Service, feed changefeed.Subscriber, opts Options, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger = logger.With(slog.String("account_id", subjectID))
	return &Session{
		subjectID: subjectID,
		wallets:   wallets,
		payments:  pay,
		feed:      feed,
		opts:      opts,
		logger:    logger,
		updates:   changefeed.NewHub(logger),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// init provisions the account, starts the lock machine and begins watching
// the change feed. It runs once; later calls return the first result.
func (s *Session) init(ctx context.Context) error {
	s.initOnce.Do(func() {
		account, err := s.EnsureAccount(ctx)
		if err != nil {
			s.initErr = err
			close(s.done)
			return
		}
		initial := autolock.Locked
		if !account.IsLocked {
			initial = autolock.Unlocked
		}
		s.mu.Lock()
		s.lock = autolock.New(initial, s.minutes(account.AutoLockMinutes), s.expire)
		s.mu.Unlock()

		if s.feed == nil {
			close(s.done)
			return
		}
		go s.watch()
	})
	return s.initErr
}

func (s *Session) SubjectID() string { return s.subjectID }

// EnsureAccount provisions the account on first use and returns it.
func (s *Session) EnsureAccount(ctx context.Context) (ledger.Account, error) {
	defer s.begin()()
	account, err := s.wallets.EnsureAccount(ctx, s.subjectID)
	if err != nil {
		return ledger.Account{}, err
	}
	s.apply(account.Snapshot())
	return account, nil
}

// RefreshBalance reads the authoritative row and replaces the view.
func (s *Session) RefreshBalance(ctx context.Context) (changefeed.AccountSnapshot, error) {
	defer s.begin()()
	s.Touch()
	account, err := s.wallets.Refresh(ctx, s.subjectID)
	if err != nil {
		return changefeed.AccountSnapshot{}, err
	}
	snap := account.Snapshot()
	s.apply(snap)
	return snap, nil
}

// ToggleLock flips the stored lock flag.
func (s *Session) ToggleLock(ctx context.Context) (changefeed.AccountSnapshot, error) {
	defer s.begin()()
	account, err := s.wallets.ToggleLock(ctx, s.subjectID)
	if err != nil {
		return changefeed.AccountSnapshot{}, err
	}
	snap := account.Snapshot()
	s.apply(snap)
	return snap, nil
}

// UpdateAutoLockMinutes stores the timeout and restarts the countdown.
func (s *Session) UpdateAutoLockMinutes(ctx context.Context, minutes int) (changefeed.AccountSnapshot, error) {
	defer s.begin()()
	s.Touch()
	account, err := s.wallets.UpdateAutoLockMinutes(ctx, s.subjectID, minutes)
	if err != nil {
		return changefeed.AccountSnapshot{}, err
	}
	snap := account.Snapshot()
	s.apply(snap)
	return snap, nil
}

// Transfer sends funds from this session's account, then refreshes the view
// instead of waiting for the change feed.
func (s *Session) Transfer(ctx context.Context, recipientAddress string, amount decimal.Decimal) (payments.TransferResult, error) {
	defer s.begin()()
	s.Touch()
	if s.opts.LockBlocksTransfers && s.LockState() == autolock.Locked {
		return payments.TransferResult{}, ErrWalletLocked
	}

	res, err := s.payments.Transfer(ctx, payments.TransferInput{
		SubjectID:        s.subjectID,
		RecipientAddress: recipientAddress,
		Amount:           amount,
	})
	if err != nil {
		return payments.TransferResult{}, err
	}

	account, err := s.wallets.Refresh(ctx, s.subjectID)
	if err != nil {
		s.logger.Warn("refresh after transfer failed", slog.Any("error", err))
		return res, nil
	}
	s.apply(account.Snapshot())
	return res, nil
}

// History lists recent transactions of the session's account.
func (s *Session) History(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	defer s.begin()()
	s.Touch()
	return s.wallets.History(ctx, s.subjectID, limit)
}

// Snapshot returns the last known account state.
func (s *Session) Snapshot() (changefeed.AccountSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view, s.hasView
}

// Loading reports whether an operation is in flight.
func (s *Session) Loading() bool {
	return s.loading.Load() > 0
}

// LockState returns the auto-lock machine state.
func (s *Session) LockState() autolock.State {
	s.mu.RLock()
	lock := s.lock
	s.mu.RUnlock()
	if lock == nil {
		return autolock.Locked
	}
	return lock.State()
}

// Touch records user activity.
func (s *Session) Touch() {
	s.mu.RLock()
	lock := s.lock
	s.mu.RUnlock()
	if lock != nil {
		lock.Touch()
	}
}

// Subscribe streams view updates until ctx ends or the session closes.
func (s *Session) Subscribe(ctx context.Context) (<-chan changefeed.AccountSnapshot, error) {
	return s.updates.Subscribe(ctx, s.subjectID)
}

// Close stops the watcher and timer and ends every view subscription.
func (s *Session) Close() {
	s.cancel()
	s.initOnce.Do(func() {
		s.initErr = errClosed
		close(s.done)
	})
	<-s.done
	s.mu.RLock()
	lock := s.lock
	s.mu.RUnlock()
	if lock != nil {
		lock.Stop()
	}
	s.updates.Disconnect()
}

// begin marks an operation in flight; the returned func clears it.
func (s *Session) begin() func() {
	s.loading.Add(1)
	return func() { s.loading.Add(-1) }
}

func (s *Session) minutes(n int) time.Duration {
	return time.Duration(n) * s.opts.AutoLockUnit
}

// apply replaces the view with snap and aligns the lock machine with it.
func (s *Session) apply(snap changefeed.AccountSnapshot) {
	if snap.AccountID != s.subjectID {
		return
	}
	s.mu.Lock()
	s.view = snap
	s.hasView = true
	lock := s.lock
	s.mu.Unlock()

	if lock != nil {
		state := autolock.Unlocked
		if snap.IsLocked {
			state = autolock.Locked
		}
		if d := s.minutes(snap.AutoLockMinutes); d != lock.Timeout() {
			lock.SetTimeout(d)
		}
		lock.Set(state)
	}
	_ = s.updates.Publish(s.ctx, snap)
}

// expire persists a timer-driven lock.
func (s *Session) expire() {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ExpireTimeout)
	defer cancel()
	account, err := s.wallets.SetLock(ctx, s.subjectID, true)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error("persist auto lock failed", slog.Any("error", err))
		}
		return
	}
	s.logger.Info("wallet auto locked")
	s.apply(account.Snapshot())
}

// watch keeps a change feed subscription open, resubscribing with backoff
// whenever the channel drops. Missed events are not replayed.
func (s *Session) watch() {
	defer close(s.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = s.opts.ResubscribeBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		ch, err := s.feed.Subscribe(s.ctx, s.subjectID)
		if err == nil {
			b.Reset()
			for snap := range ch {
				s.apply(snap)
			}
		}
		if s.ctx.Err() != nil {
			return
		}
		wait := b.NextBackOff()
		s.logger.Warn("change feed dropped, resubscribing", slog.Duration("backoff", wait), slog.Any("error", err))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
