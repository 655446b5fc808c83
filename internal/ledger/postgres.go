package ledger

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/mhc-wallet/mhc_wallet/internal/changefeed"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgNumericOverflow = "22003"

	accountColumns = `id, wallet_address, balance::text, is_locked, auto_lock_minutes, last_active_at, created_at`
)

// PostgresStore persists accounts and the transaction log in PostgreSQL.
// Numeric values cross the driver boundary as text and are parsed once here.
type PostgresStore struct {
	db        *pgxpool.Pool
	publisher changefeed.Publisher
	logger    *slog.Logger
}

// NewPostgresStore constructs a Postgres-backed store. When publisher is nil
// change notifications come from the accounts_notify_change trigger instead.
func NewPostgresStore(db *pgxpool.Pool, publisher changefeed.Publisher, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, publisher: publisher, logger: logger}
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply ledger schema: %w", err)
	}
	return nil
}

// InsertAccountIfAbsent inserts the row unless one already exists for the id,
// in which case the stored row wins.
func (s *PostgresStore) InsertAccountIfAbsent(ctx context.Context, a Account) (Account, bool, error) {
	row := s.db.QueryRow(ctx, `INSERT INTO accounts (id, wallet_address, balance, is_locked, auto_lock_minutes, last_active_at, created_at)
        VALUES ($1, $2, $3::numeric, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING
        RETURNING `+accountColumns,
		a.ID, a.WalletAddress, a.Balance.String(), a.IsLocked, a.AutoLockMinutes, a.LastActiveAt.UTC(), a.CreatedAt.UTC())
	created, err := scanAccount(row)
	if err == nil {
		return created, true, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.Account(ctx, a.ID)
		return existing, false, err
	}
	if isCode(err, pgUniqueViolation) {
		return Account{}, false, ErrAddressTaken
	}
	return Account{}, false, Transient(err)
}

func (s *PostgresStore) Account(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrProfileNotFound)
	}
	return account, Transient(err)
}

func (s *PostgresStore) AccountByAddress(ctx context.Context, address string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE wallet_address = $1`, address)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("address %s: %w", address, ErrProfileNotFound)
	}
	return account, Transient(err)
}

func (s *PostgresStore) AccountIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, Transient(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, Transient(err)
	}
	return ids, nil
}

// ApplyTransfer locks the participating rows in id order, debits the sender
// only while balance >= amount still holds, credits an in-store recipient and
// appends the log rows, all in one database transaction.
func (s *PostgresStore) ApplyTransfer(ctx context.Context, p TransferPosting) (TransferOutcome, error) {
	if err := validatePosting(p); err != nil {
		return TransferOutcome{}, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return TransferOutcome{}, Transient(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	ids := []string{p.SenderID}
	if p.RecipientID != "" {
		ids = append(ids, p.RecipientID)
	}
	sort.Strings(ids)
	if err := lockAccounts(ctx, tx, ids); err != nil {
		return TransferOutcome{}, err
	}

	amount := p.Amount.String()
	var senderBalance string
	err = tx.QueryRow(ctx, `UPDATE accounts SET balance = balance - $1::numeric
        WHERE id = $2 AND balance >= $1::numeric
        RETURNING balance::text`, amount, p.SenderID).Scan(&senderBalance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isCode(err, pgCheckViolation) {
			return TransferOutcome{}, ErrBalanceConflict
		}
		return TransferOutcome{}, Transient(err)
	}

	sent := Transaction{
		ID:               uuid.NewString(),
		AccountID:        p.SenderID,
		SenderAddress:    p.SenderAddress,
		RecipientAddress: p.RecipientAddress,
		Amount:           p.Amount,
		Type:             TypeSend,
		Status:           StatusCompleted,
		CreatedAt:        p.At.UTC(),
	}
	if err := insertTransaction(ctx, tx, sent); err != nil {
		return TransferOutcome{}, err
	}

	out := TransferOutcome{Sent: sent}
	if p.RecipientID != "" {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2`, amount, p.RecipientID); err != nil {
			return TransferOutcome{}, Transient(err)
		}
		received := sent
		received.ID = uuid.NewString()
		received.AccountID = p.RecipientID
		received.Type = TypeReceive
		if err := insertTransaction(ctx, tx, received); err != nil {
			return TransferOutcome{}, err
		}
		out.Received = &received
	}

	if err := tx.Commit(ctx); err != nil {
		return TransferOutcome{}, Transient(err)
	}

	out.SenderBalance, err = decimal.NewFromString(senderBalance)
	if err != nil {
		return TransferOutcome{}, fmt.Errorf("parse balance %q: %w", senderBalance, err)
	}

	s.publishIDs(ctx, ids...)
	return out, nil
}

func (s *PostgresStore) ApplyCredit(ctx context.Context, p CreditPosting) (Transaction, error) {
	if err := ValidateAmount(p.Amount); err != nil {
		return Transaction{}, err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transaction{}, Transient(err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var address string
	err = tx.QueryRow(ctx, `UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2 RETURNING wallet_address`,
		p.Amount.String(), p.AccountID).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("account %s: %w", p.AccountID, ErrProfileNotFound)
	}
	if err != nil {
		return Transaction{}, Transient(err)
	}

	received := Transaction{
		ID:               uuid.NewString(),
		AccountID:        p.AccountID,
		SenderAddress:    p.SenderAddress,
		RecipientAddress: address,
		Amount:           p.Amount,
		Type:             TypeReceive,
		Status:           StatusCompleted,
		CreatedAt:        p.At.UTC(),
	}
	if err := insertTransaction(ctx, tx, received); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, Transient(err)
	}

	s.publishIDs(ctx, p.AccountID)
	return received, nil
}

func (s *PostgresStore) ToggleLock(ctx context.Context, id string, at time.Time) (Account, error) {
	return s.updateOne(ctx, id, `UPDATE accounts SET is_locked = NOT is_locked, last_active_at = $2
        WHERE id = $1 RETURNING `+accountColumns, id, at.UTC())
}

func (s *PostgresStore) SetLock(ctx context.Context, id string, locked bool, at time.Time) (Account, error) {
	return s.updateOne(ctx, id, `UPDATE accounts SET is_locked = $2, last_active_at = $3
        WHERE id = $1 RETURNING `+accountColumns, id, locked, at.UTC())
}

func (s *PostgresStore) SetAutoLockMinutes(ctx context.Context, id string, minutes int) (Account, error) {
	if err := ValidateAutoLockMinutes(minutes); err != nil {
		return Account{}, err
	}
	return s.updateOne(ctx, id, `UPDATE accounts SET auto_lock_minutes = $2
        WHERE id = $1 RETURNING `+accountColumns, id, minutes)
}

// Transactions returns the newest rows first.
func (s *PostgresStore) Transactions(ctx context.Context, accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT id, account_id, sender_address, recipient_address, amount::text, type, status, created_at
        FROM transactions
        WHERE account_id = $1
        ORDER BY created_at DESC
        LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, Transient(err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t         Transaction
			id        uuid.UUID
			amount    string
			createdAt time.Time
		)
		if err := rows.Scan(&id, &t.AccountID, &t.SenderAddress, &t.RecipientAddress, &amount, &t.Type, &t.Status, &createdAt); err != nil {
			return nil, Transient(err)
		}
		t.ID = id.String()
		t.CreatedAt = createdAt.UTC()
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, Transient(err)
	}
	return out, nil
}

func (s *PostgresStore) updateOne(ctx context.Context, id, query string, args ...any) (Account, error) {
	account, err := scanAccount(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("account %s: %w", id, ErrProfileNotFound)
	}
	if err != nil {
		return Account{}, Transient(err)
	}
	s.publish(ctx, account)
	return account, nil
}

func (s *PostgresStore) publishIDs(ctx context.Context, ids ...string) {
	if s.publisher == nil {
		return
	}
	for _, id := range ids {
		account, err := s.Account(ctx, id)
		if err != nil {
			s.logger.Warn("reload account for change feed", slog.String("account_id", id), slog.Any("error", err))
			continue
		}
		s.publish(ctx, account)
	}
}

func (s *PostgresStore) publish(ctx context.Context, account Account) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, account.Snapshot()); err != nil {
		s.logger.Warn("publish account change", slog.String("account_id", account.ID), slog.Any("error", err))
	}
}

func lockAccounts(ctx context.Context, tx pgx.Tx, ids []string) error {
	rows, err := tx.Query(ctx, `SELECT id FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return Transient(err)
	}
	locked, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return Transient(err)
	}
	if len(locked) != len(ids) {
		return fmt.Errorf("lock accounts %v: %w", ids, ErrProfileNotFound)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t Transaction) error {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO transactions (id, account_id, sender_address, recipient_address, amount, type, status, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		id, t.AccountID, t.SenderAddress, t.RecipientAddress, t.Amount.String(), t.Type, t.Status, t.CreatedAt)
	if isCode(err, pgCheckViolation) || isCode(err, pgNumericOverflow) {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return Transient(err)
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		a       Account
		balance string
	)
	if err := row.Scan(&a.ID, &a.WalletAddress, &balance, &a.IsLocked, &a.AutoLockMinutes, &a.LastActiveAt, &a.CreatedAt); err != nil {
		return Account{}, err
	}
	parsed, err := decimal.NewFromString(balance)
	if err != nil {
		return Account{}, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	a.Balance = parsed
	a.LastActiveAt = a.LastActiveAt.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
