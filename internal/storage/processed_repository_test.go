package storage

import (
	"errors"
	"regexp"
	"testing"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	isProcessedSQL   = `SELECT EXISTS (SELECT 1 FROM processed_transactions WHERE tx_hash = $1)`
	markProcessedSQL = `INSERT INTO processed_transactions (tx_hash, user_id, processed_at) VALUES ($1, $2, NOW())`
)

func TestProcessedRepository_IsProcessed_LowercasesHash(t *testing.T) {
	mock := newMockPool(t)
	repo := NewProcessedRepository(mock)

	mock.ExpectQuery(regexp.QuoteMeta(isProcessedSQL)).
		WithArgs("0xabcdef").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsProcessed(testContext(t), "0xABCDEF")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedRepository_MarkProcessed(t *testing.T) {
	userID := "user-1"

	tests := []struct {
		name      string
		execErr   error
		wantDup   bool
		wantCat   apperrors.ErrorCategory
		wantError bool
	}{
		{name: "first insert"},
		{name: "unique violation is duplicate key", execErr: &pgconn.PgError{Code: "23505"}, wantDup: true, wantError: true},
		{name: "other failure is ledger unavailable", execErr: errors.New("timeout"), wantCat: apperrors.CategoryLedger, wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockPool(t)
			repo := NewProcessedRepository(mock)

			exp := mock.ExpectExec(regexp.QuoteMeta(markProcessedSQL)).WithArgs("0xfeed", &userID)
			if tt.execErr != nil {
				exp.WillReturnError(tt.execErr)
			} else {
				exp.WillReturnResult(pgxmock.NewResult("INSERT", 1))
			}

			err := repo.MarkProcessed(testContext(t), "0xFEED", &userID)
			if !tt.wantError {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantDup, apperrors.IsDuplicateKey(err))
			if tt.wantCat != "" {
				assert.True(t, apperrors.IsCategory(err, tt.wantCat))
			}
		})
	}
}
