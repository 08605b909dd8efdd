package storage

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
)

// ProcessedRepository is the idempotency store. The primary key on tx_hash is
// the only guard against double crediting; there is no application lock.
type ProcessedRepository struct {
	db DBTX
}

// NewProcessedRepository creates a new processed transaction repository
func NewProcessedRepository(db DBTX) *ProcessedRepository {
	return &ProcessedRepository{db: db}
}

// IsProcessed reports whether the hash has already been credited.
func (r *ProcessedRepository) IsProcessed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_transactions WHERE tx_hash = $1)`,
		strings.ToLower(txHash),
	).Scan(&exists)
	if err != nil {
		return false, ledgerError("check processed", err)
	}
	return exists, nil
}

// MarkProcessed records the hash. A concurrent insert of the same hash
// returns apperrors.ErrDuplicateKey.
func (r *ProcessedRepository) MarkProcessed(ctx context.Context, txHash string, userID *string) error {
	hash := strings.ToLower(txHash)
	_, err := r.db.Exec(ctx,
		`INSERT INTO processed_transactions (tx_hash, user_id, processed_at) VALUES ($1, $2, NOW())`,
		hash, userID,
	)
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return fmt.Errorf("tx %s: %w", hash, apperrors.ErrDuplicateKey)
		}
		return ledgerError("mark processed", err)
	}
	return nil
}
