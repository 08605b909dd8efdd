package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TransactionRepository stores the append-only ledger history.
type TransactionRepository struct {
	db DBTX
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db DBTX) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id::text, user_id, type, tx_hash, from_address, to_address,
	amount::text, symbol, usd_value::text, status, network, created_at, confirmed_at`

// Create appends a record. ID and CreatedAt are filled when empty.
func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == types.StatusConfirmed && tx.ConfirmedAt == nil {
		at := tx.CreatedAt
		tx.ConfirmedAt = &at
	}

	query := `
		INSERT INTO transactions (id, user_id, type, tx_hash, from_address, to_address,
			amount, symbol, usd_value, status, network, created_at, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9::numeric, $10, $11, $12, $13)`

	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		string(tx.Type),
		tx.TxHash,
		tx.FromAddress,
		tx.ToAddress,
		tx.Amount.String(),
		tx.Symbol,
		tx.USDValue.String(),
		string(tx.Status),
		tx.Network,
		tx.CreatedAt,
		tx.ConfirmedAt,
	)
	if err != nil {
		return ledgerError("create transaction", err)
	}
	return nil
}

// ListByUser returns the user's history, newest first.
func (r *TransactionRepository) ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error) {
	filter.Normalize()

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(transactionColumns)
	sb.WriteString(" FROM transactions WHERE user_id = $1")
	args := []any{userID}

	if filter.Type != nil {
		args = append(args, string(*filter.Type))
		fmt.Fprintf(&sb, " AND type = $%d", len(args))
	}
	if filter.Network != nil {
		args = append(args, *filter.Network)
		fmt.Fprintf(&sb, " AND network = $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	fmt.Fprintf(&sb, " ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, ledgerError("list transactions", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, ledgerError("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerError("list transactions", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var (
		tx          models.Transaction
		txType      string
		status      string
		amountRaw   string
		usdValueRaw string
	)
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&txType,
		&tx.TxHash,
		&tx.FromAddress,
		&tx.ToAddress,
		&amountRaw,
		&tx.Symbol,
		&usdValueRaw,
		&status,
		&tx.Network,
		&tx.CreatedAt,
		&tx.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Type = types.TransactionType(txType)
	tx.Status = types.TransactionStatus(status)
	if tx.Amount, err = parseDecimal(amountRaw); err != nil {
		return nil, err
	}
	if tx.USDValue, err = parseDecimal(usdValueRaw); err != nil {
		return nil, err
	}
	return &tx, nil
}
