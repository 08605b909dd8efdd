package storage

import (
	"regexp"
	"testing"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var walletColumnNames = []string{
	"id", "user_id", "chain", "address", "label", "purpose", "is_primary", "is_active",
	"encrypted_private_key", "last_scanned_block", "observed_balance", "created_at", "updated_at",
}

func walletRow(rows *pgxmock.Rows, id string, primary bool) *pgxmock.Rows {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	enc := "bm9uY2U=:dGFn:Y3Q="
	return rows.AddRow(id, "user-1", "bsc", "0x00000000000000000000000000000000000000aa", nil, "deposit",
		primary, true, &enc, int64(1200), "12.5", now, now)
}

const getWalletByIDPattern = `(?s)SELECT .+ FROM deposit_wallets\s+WHERE id::text = \$1 AND user_id = \$2`

func TestWalletRepository_GetByID(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectQuery(getWalletByIDPattern).
		WithArgs("w-1", "user-1").
		WillReturnRows(walletRow(pgxmock.NewRows(walletColumnNames), "w-1", true))

	w, err := repo.GetByID(testContext(t), "user-1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChainBSC, w.Chain)
	assert.Equal(t, types.PurposeDeposit, w.Purpose)
	assert.Equal(t, uint64(1200), w.LastScannedBlock)
	assert.True(t, decimal.RequireFromString("12.5").Equal(w.ObservedBalance))
	assert.True(t, w.IsCustodial())
	assert.Nil(t, w.Label)
}

func TestWalletRepository_GetByID_NotFound(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectQuery(getWalletByIDPattern).
		WithArgs("missing", "user-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(testContext(t), "user-1", "missing")
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryNotFound))
}

func TestWalletRepository_CreatePrimary(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	enc := "payload"
	w := &models.DepositWallet{
		UserID:              "user-1",
		Chain:               types.ChainBSC,
		Address:             "0x00000000000000000000000000000000000000bb",
		EncryptedPrivateKey: &enc,
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(demotePrimarySQL)).
		WithArgs("user-1", "bsc", "deposit").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(insertWalletSQL)).
		WithArgs(pgxmock.AnyArg(), "user-1", "bsc", w.Address, w.Label, "deposit", true, &enc, int64(0), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CreatePrimary(testContext(t), w))
	assert.NotEmpty(t, w.ID)
	assert.True(t, w.IsPrimary)
	assert.True(t, w.IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_CreatePrimary_RollsBackOnConflict(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	w := &models.DepositWallet{UserID: "user-1", Chain: types.ChainTron, Address: "TXYZ"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(demotePrimarySQL)).
		WithArgs("user-1", "tron", "deposit").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(regexp.QuoteMeta(insertWalletSQL)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgUniqueViolation})
	mock.ExpectRollback()

	err := repo.CreatePrimary(testContext(t), w)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_Deactivate_PromotesNextPrimary(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectQuery(getWalletByIDPattern).
		WithArgs("w-1", "user-1").
		WillReturnRows(walletRow(pgxmock.NewRows(walletColumnNames), "w-1", true))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE deposit_wallets SET is_active = FALSE`).
		WithArgs("w-1", "user-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE deposit_wallets SET is_primary = TRUE`).
		WithArgs("user-1", "bsc", "deposit").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Deactivate(testContext(t), "user-1", "w-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_Deactivate_NonPrimary(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectQuery(getWalletByIDPattern).
		WithArgs("w-2", "user-1").
		WillReturnRows(walletRow(pgxmock.NewRows(walletColumnNames), "w-2", false))
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE deposit_wallets SET is_active = FALSE`).
		WithArgs("w-2", "user-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Deactivate(testContext(t), "user-1", "w-2"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_FindOwnerByAddress(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectQuery(`SELECT user_id FROM deposit_wallets`).
		WithArgs("bsc", "0x00000000000000000000000000000000000000cc").
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("user-9"))
	mock.ExpectQuery(`SELECT user_id FROM deposit_wallets`).
		WithArgs("bsc", "0x00000000000000000000000000000000000000dd").
		WillReturnError(pgx.ErrNoRows)

	owner, err := repo.FindOwnerByAddress(testContext(t), types.ChainBSC, "0x00000000000000000000000000000000000000CC")
	require.NoError(t, err)
	assert.Equal(t, "user-9", owner)

	owner, err = repo.FindOwnerByAddress(testContext(t), types.ChainBSC, "0x00000000000000000000000000000000000000dd")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestWalletRepository_UpdateCheckpoint(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectExec(`UPDATE deposit_wallets\s+SET last_scanned_block`).
		WithArgs("w-1", int64(1300), "60").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateCheckpoint(testContext(t), "w-1", 1300, decimal.NewFromInt(60)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWalletRepository_ReduceObservedBalance(t *testing.T) {
	mock := newMockPool(t)
	repo := NewWalletRepository(mock)

	mock.ExpectExec(`SET observed_balance = GREATEST\(observed_balance - \$2::numeric, 0\)`).
		WithArgs("w-1", "50").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.ReduceObservedBalance(testContext(t), "w-1", decimal.NewFromInt(50)))
	assert.NoError(t, mock.ExpectationsWereMet())
}
