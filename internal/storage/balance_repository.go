package storage

import (
	"context"
	"errors"
	"fmt"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// BalanceRepository persists per-user USD balances. Every mutation is a
// single SQL statement so concurrent writers never lose updates.
type BalanceRepository struct {
	db DBTX
}

// NewBalanceRepository creates a new balance repository
func NewBalanceRepository(db DBTX) *BalanceRepository {
	return &BalanceRepository{db: db}
}

const (
	selectBalanceSQL = `SELECT balance::text FROM balances WHERE user_id = $1`

	insertZeroBalanceSQL = `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (user_id) DO NOTHING`

	incrementBalanceSQL = `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = balances.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance::text`

	debitBalanceSQL = `
		UPDATE balances
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2::numeric
		RETURNING balance::text`

	setBalanceSQL = `
		WITH prev AS (
			SELECT balance FROM balances WHERE user_id = $1 FOR UPDATE
		)
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = NOW()
		RETURNING COALESCE((SELECT balance FROM prev), 0)::text`
)

// Get returns the user's balance, creating a zero row on first access.
func (r *BalanceRepository) Get(ctx context.Context, userID string) (decimal.Decimal, error) {
	bal, err := r.selectBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ledgerError("get balance", err)
	}

	if _, err := r.db.Exec(ctx, insertZeroBalanceSQL, userID); err != nil {
		return decimal.Zero, ledgerError("create balance", err)
	}

	bal, err = r.selectBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, ledgerError("get balance", err)
	}
	return bal, nil
}

func (r *BalanceRepository) selectBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var raw string
	if err := r.db.QueryRow(ctx, selectBalanceSQL, userID).Scan(&raw); err != nil {
		return decimal.Zero, err
	}
	return parseDecimal(raw)
}

// Increment atomically adds delta and returns the resulting balance.
// A negative delta that would take the balance below zero fails with
// InsufficientBalance.
func (r *BalanceRepository) Increment(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := r.db.QueryRow(ctx, incrementBalanceSQL, userID, delta.String()).Scan(&raw)
	if err != nil {
		if pgErrorCode(err) == pgCheckViolation {
			return decimal.Zero, apperrors.NewInsufficientBalanceError()
		}
		return decimal.Zero, ledgerError("increment balance", err)
	}
	return parseDecimal(raw)
}

// Debit subtracts amount only if the balance covers it.
func (r *BalanceRepository) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := r.db.QueryRow(ctx, debitBalanceSQL, userID, amount.String()).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || pgErrorCode(err) == pgCheckViolation {
			return decimal.Zero, apperrors.NewInsufficientBalanceError()
		}
		return decimal.Zero, ledgerError("debit balance", err)
	}
	return parseDecimal(raw)
}

// Set overwrites the balance and returns the previous value (zero if none).
func (r *BalanceRepository) Set(ctx context.Context, userID string, value decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	if err := r.db.QueryRow(ctx, setBalanceSQL, userID, value.String()).Scan(&raw); err != nil {
		return decimal.Zero, ledgerError("set balance", err)
	}
	return parseDecimal(raw)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid numeric value %q: %w", raw, err)
	}
	return d, nil
}
