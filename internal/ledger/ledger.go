package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
)

var (
	// ErrValidation marks a request rejected before it reached the store:
	// non-positive amount, malformed or self address, bad settings value.
	ErrValidation = errors.New("validation error")

	// ErrInsufficientFunds occurs when the sender balance cannot cover a transfer.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrProfileNotFound indicates a missing account where one must exist.
	ErrProfileNotFound = errors.New("profile not found")

	// ErrTransientStore covers timeouts, unreachable stores and exhausted
	// conflict retries. Callers may retry with backoff.
	ErrTransientStore = errors.New("transient store error")

	// ErrBalanceConflict is returned by a store when the conditional debit
	// predicate no longer holds at write time.
	ErrBalanceConflict = errors.New("balance changed concurrently")

	// ErrAddressTaken is returned when a generated wallet address collides
	// with an existing one.
	ErrAddressTaken = errors.New("wallet address already assigned")
)

const (
	TypeSend    = "send"
	TypeReceive = "receive"

	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	// AddressPrefix starts every wallet address.
	AddressPrefix = "MHC"
	// MintAddress is the sender recorded on airdrop credits.
	MintAddress = "MHCmint"
)

// Amounts and balances are stored as NUMERIC(20, 8).
const (
	AmountScale   = 8
	IntegerDigits = 12

	// maxTrailingZeros bounds how many zero digits past AmountScale an input
	// may carry, e.g. "1.0000000000".
	maxTrailingZeros = 24
)

// MaxAmount is the largest value a single posting may carry.
var MaxAmount = decimal.RequireFromString("999999999999.99999999")

var addressPattern = regexp.MustCompile(`^MHC[0-9a-z]{1,32}$`)

// Account is one identity's wallet row.
type Account struct {
	ID              string
	WalletAddress   string
	Balance         decimal.Decimal
	IsLocked        bool
	AutoLockMinutes int
	LastActiveAt    time.Time
	CreatedAt       time.Time
}

// Snapshot converts the row into a change feed message.
func (a Account) Snapshot() changefeed.AccountSnapshot {
	return changefeed.AccountSnapshot{
		AccountID:       a.ID,
		WalletAddress:   a.WalletAddress,
		Balance:         a.Balance,
		IsLocked:        a.IsLocked,
		AutoLockMinutes: a.AutoLockMinutes,
		LastActiveAt:    a.LastActiveAt,
	}
}

// Transaction is an append-only log row.
type Transaction struct {
	ID               string
	AccountID        string
	SenderAddress    string
	RecipientAddress string
	Amount           decimal.Decimal
	Type             string
	Status           string
	CreatedAt        time.Time
}

// TransferPosting is the atomic unit handed to Store.ApplyTransfer.
// RecipientID is empty when the recipient is not credited in this store.
type TransferPosting struct {
	SenderID         string
	SenderAddress    string
	RecipientID      string
	RecipientAddress string
	Amount           decimal.Decimal
	At               time.Time
}

// TransferOutcome is what a committed posting produced.
type TransferOutcome struct {
	Sent          Transaction
	Received      *Transaction
	SenderBalance decimal.Decimal
}

// CreditPosting credits one account from an address outside the ledger.
type CreditPosting struct {
	AccountID     string
	SenderAddress string
	Amount        decimal.Decimal
	At            time.Time
}

// Store is the durable home of accounts and the transaction log. Balance is
// only ever changed by ApplyTransfer and ApplyCredit.
type Store interface {
	InsertAccountIfAbsent(ctx context.Context, account Account) (Account, bool, error)
	Account(ctx context.Context, id string) (Account, error)
	AccountByAddress(ctx context.Context, address string) (Account, error)
	AccountIDs(ctx context.Context) ([]string, error)
	ApplyTransfer(ctx context.Context, posting TransferPosting) (TransferOutcome, error)
	ApplyCredit(ctx context.Context, posting CreditPosting) (Transaction, error)
	ToggleLock(ctx context.Context, id string, at time.Time) (Account, error)
	SetLock(ctx context.Context, id string, locked bool, at time.Time) (Account, error)
	SetAutoLockMinutes(ctx context.Context, id string, minutes int) (Account, error)
	Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error)
}

// ValidateAddress checks the wallet address format.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: recipient address is required", ErrValidation)
	}
	if !addressPattern.MatchString(address) {
		return fmt.Errorf("%w: malformed address %q", ErrValidation, address)
	}
	return nil
}

// ValidateAmount rejects zero and negative amounts and anything the
// NUMERIC(20, 8) columns cannot hold exactly. Exponents are checked before any
// arithmetic so extreme values never get rescaled.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	exp := amount.Exponent()
	if exp >= IntegerDigits {
		return fmt.Errorf("%w: amount exceeds %s", ErrValidation, MaxAmount)
	}
	if exp < -AmountScale {
		if exp < -(AmountScale + maxTrailingZeros) || !amount.Equal(amount.Truncate(AmountScale)) {
			return fmt.Errorf("%w: amount has more than %d decimal places", ErrValidation, AmountScale)
		}
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", ErrValidation, MaxAmount)
	}
	return nil
}

// validatePosting checks what every store enforces before touching balances.
// A posting that credits its own sender is rejected because it would record a
// send with no net debit.
func validatePosting(p TransferPosting) error {
	if err := ValidateAmount(p.Amount); err != nil {
		return err
	}
	if p.RecipientID != "" && p.RecipientID == p.SenderID {
		return fmt.Errorf("%w: sender and recipient are the same account", ErrValidation)
	}
	return nil
}

// ValidateAutoLockMinutes rejects negative timeouts.
func ValidateAutoLockMinutes(minutes int) error {
	if minutes < 0 {
		return fmt.Errorf("%w: auto lock minutes must not be negative", ErrValidation)
	}
	return nil
}

// Transient tags err as a transient store failure. Already tagged errors and
// business errors pass through unchanged.
func Transient(err error) error {
	if err == nil || IsBusiness(err) || errors.Is(err, ErrTransientStore) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// IsBusiness reports whether err is a rule violation rather than an
// infrastructure failure. Business errors are never retried.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrProfileNotFound) ||
		errors.Is(err, ErrBalanceConflict) ||
		errors.Is(err, ErrAddressTaken)
}
