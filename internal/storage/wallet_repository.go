package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// WalletRepository persists deposit_wallets rows.
type WalletRepository struct {
	db DBTX
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db DBTX) *WalletRepository {
	return &WalletRepository{db: db}
}

const walletColumns = `id::text, user_id, chain, address, label, purpose, is_primary, is_active,
	encrypted_private_key, last_scanned_block, observed_balance::text, created_at, updated_at`

const demotePrimarySQL = `
	UPDATE deposit_wallets
	SET is_primary = FALSE, updated_at = NOW()
	WHERE user_id = $1 AND chain = $2 AND purpose = $3 AND is_primary AND is_active`

const insertWalletSQL = `
	INSERT INTO deposit_wallets (id, user_id, chain, address, label, purpose, is_primary, is_active,
		encrypted_private_key, last_scanned_block, observed_balance, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, 0, $10, $10)`

// GetPrimary returns the active primary wallet, or nil when none exists.
func (r *WalletRepository) GetPrimary(ctx context.Context, userID string, chain types.ChainID, purpose types.WalletPurpose) (*models.DepositWallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
		WHERE user_id = $1 AND chain = $2 AND purpose = $3 AND is_primary AND is_active`,
		userID, string(chain), string(purpose))

	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, ledgerError("get primary wallet", err)
	}
	return w, nil
}

// GetByID returns a wallet owned by userID.
func (r *WalletRepository) GetByID(ctx context.Context, userID, walletID string) (*models.DepositWallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
		WHERE id::text = $1 AND user_id = $2`, walletID, userID)

	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("wallet", walletID)
		}
		return nil, ledgerError("get wallet", err)
	}
	return w, nil
}

// ListByUser returns active wallets, primary first then newest first.
func (r *WalletRepository) ListByUser(ctx context.Context, userID string) ([]*models.DepositWallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
		WHERE user_id = $1 AND is_active
		ORDER BY is_primary DESC, created_at DESC`, userID)
	if err != nil {
		return nil, ledgerError("list wallets", err)
	}
	return collectWallets(rows)
}

// ListActiveByChain returns every active wallet on a chain, used by the jobs.
func (r *WalletRepository) ListActiveByChain(ctx context.Context, chain types.ChainID) ([]*models.DepositWallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
		WHERE chain = $1 AND is_active
		ORDER BY created_at`, string(chain))
	if err != nil {
		return nil, ledgerError("list active wallets", err)
	}
	return collectWallets(rows)
}

// ListCustodial returns active wallets holding an encrypted key.
func (r *WalletRepository) ListCustodial(ctx context.Context) ([]*models.DepositWallet, error) {
	rows, err := r.db.Query(ctx, `SELECT `+walletColumns+` FROM deposit_wallets
		WHERE is_active AND encrypted_private_key IS NOT NULL
		ORDER BY chain, created_at`)
	if err != nil {
		return nil, ledgerError("list custodial wallets", err)
	}
	return collectWallets(rows)
}

// FindOwnerByAddress resolves the user that registered address on chain.
// Returns "" when nobody did.
func (r *WalletRepository) FindOwnerByAddress(ctx context.Context, chain types.ChainID, address string) (string, error) {
	var userID string
	err := r.db.QueryRow(ctx, `
		SELECT user_id FROM deposit_wallets
		WHERE chain = $1 AND LOWER(address) = $2 AND is_active
		ORDER BY is_primary DESC, created_at
		LIMIT 1`, string(chain), strings.ToLower(address)).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", ledgerError("find wallet owner", err)
	}
	return userID, nil
}

// ExistsForUser reports whether the user already registered the address.
func (r *WalletRepository) ExistsForUser(ctx context.Context, userID string, chain types.ChainID, address string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM deposit_wallets
			WHERE user_id = $1 AND chain = $2 AND LOWER(address) = $3 AND is_active
		)`, userID, string(chain), strings.ToLower(address)).Scan(&exists)
	if err != nil {
		return false, ledgerError("check wallet exists", err)
	}
	return exists, nil
}

// CreatePrimary demotes any existing primary for (user, chain, purpose) and
// inserts w as the new primary in one transaction.
func (r *WalletRepository) CreatePrimary(ctx context.Context, w *models.DepositWallet) error {
	prepareWallet(w)
	w.IsPrimary = true

	err := withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, demotePrimarySQL, w.UserID, string(w.Chain), string(w.Purpose)); err != nil {
			return err
		}
		return insertWallet(ctx, tx, w)
	})
	if err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return apperrors.NewConflictError("wallet already registered")
		}
		return ledgerError("create primary wallet", err)
	}
	return nil
}

// Create inserts w without touching other rows. The caller decides IsPrimary.
func (r *WalletRepository) Create(ctx context.Context, w *models.DepositWallet) error {
	prepareWallet(w)
	if err := insertWallet(ctx, r.db, w); err != nil {
		if pgErrorCode(err) == pgUniqueViolation {
			return apperrors.NewConflictError("wallet already registered")
		}
		return ledgerError("create wallet", err)
	}
	return nil
}

// SetPrimary makes walletID the primary for its chain and purpose.
func (r *WalletRepository) SetPrimary(ctx context.Context, userID, walletID string) error {
	w, err := r.GetByID(ctx, userID, walletID)
	if err != nil {
		return err
	}
	if !w.IsActive {
		return apperrors.NewNotFoundError("wallet", walletID)
	}
	if w.IsPrimary {
		return nil
	}

	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, demotePrimarySQL, userID, string(w.Chain), string(w.Purpose)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE deposit_wallets SET is_primary = TRUE, updated_at = NOW()
			WHERE id::text = $1 AND user_id = $2`, walletID, userID)
		return err
	})
	if err != nil {
		return ledgerError("set primary wallet", err)
	}
	return nil
}

// Deactivate soft-deletes the wallet. If it was primary, the most recent
// remaining active wallet of the same chain and purpose is promoted.
func (r *WalletRepository) Deactivate(ctx context.Context, userID, walletID string) error {
	w, err := r.GetByID(ctx, userID, walletID)
	if err != nil {
		return err
	}
	if !w.IsActive {
		return apperrors.NewNotFoundError("wallet", walletID)
	}

	err = withTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE deposit_wallets SET is_active = FALSE, is_primary = FALSE, updated_at = NOW()
			WHERE id::text = $1 AND user_id = $2`, walletID, userID); err != nil {
			return err
		}
		if !w.IsPrimary {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE deposit_wallets SET is_primary = TRUE, updated_at = NOW()
			WHERE id = (
				SELECT id FROM deposit_wallets
				WHERE user_id = $1 AND chain = $2 AND purpose = $3 AND is_active
				ORDER BY created_at DESC
				LIMIT 1
			)`, userID, string(w.Chain), string(w.Purpose))
		return err
	})
	if err != nil {
		return ledgerError("deactivate wallet", err)
	}
	return nil
}

// UpdateCheckpoint stores the adapter checkpoint after a successful scan.
func (r *WalletRepository) UpdateCheckpoint(ctx context.Context, walletID string, lastBlock uint64, observed decimal.Decimal) error {
	_, err := r.db.Exec(ctx, `
		UPDATE deposit_wallets
		SET last_scanned_block = $2, observed_balance = $3::numeric, updated_at = NOW()
		WHERE id::text = $1`, walletID, int64(lastBlock), observed.String()) // #nosec G115 - block heights fit in int64
	if err != nil {
		return ledgerError("update wallet checkpoint", err)
	}
	return nil
}

// ReduceObservedBalance lowers the balance-diff baseline by an amount that
// left the wallet outside of a scan, such as a sweep. The baseline never
// drops below zero.
func (r *WalletRepository) ReduceObservedBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	_, err := r.db.Exec(ctx, `
		UPDATE deposit_wallets
		SET observed_balance = GREATEST(observed_balance - $2::numeric, 0), updated_at = NOW()
		WHERE id::text = $1`, walletID, amount.String())
	if err != nil {
		return ledgerError("reduce observed balance", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func prepareWallet(w *models.DepositWallet) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Purpose == "" {
		w.Purpose = types.PurposeDeposit
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.IsActive = true
}

func insertWallet(ctx context.Context, db execer, w *models.DepositWallet) error {
	_, err := db.Exec(ctx, insertWalletSQL,
		w.ID,
		w.UserID,
		string(w.Chain),
		w.Address,
		w.Label,
		string(w.Purpose),
		w.IsPrimary,
		w.EncryptedPrivateKey,
		int64(w.LastScannedBlock), // #nosec G115
		w.CreatedAt,
	)
	return err
}

func collectWallets(rows pgx.Rows) ([]*models.DepositWallet, error) {
	defer rows.Close()

	var out []*models.DepositWallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, ledgerError("scan wallet", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, ledgerError("list wallets", err)
	}
	return out, nil
}

func scanWallet(row pgx.Row) (*models.DepositWallet, error) {
	var (
		w           models.DepositWallet
		chain       string
		purpose     string
		lastBlock   int64
		observedRaw string
	)
	err := row.Scan(
		&w.ID,
		&w.UserID,
		&chain,
		&w.Address,
		&w.Label,
		&purpose,
		&w.IsPrimary,
		&w.IsActive,
		&w.EncryptedPrivateKey,
		&lastBlock,
		&observedRaw,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Chain = types.ChainID(chain)
	w.Purpose = types.WalletPurpose(purpose)
	if lastBlock > 0 {
		w.LastScannedBlock = uint64(lastBlock)
	}
	if w.ObservedBalance, err = parseDecimal(observedRaw); err != nil {
		return nil, err
	}
	return &w, nil
}
