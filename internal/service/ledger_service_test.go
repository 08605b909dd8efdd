package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage/storagetest"
	"github.com/deposit-custody/internal/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const withdrawTo = "0x1111111111111111111111111111111111111111"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newLedgerService(t *testing.T) (*LedgerService, *storagetest.MemoryLedger) {
	t.Helper()
	ledger := storagetest.NewMemoryLedger()
	return NewLedgerService(ledger, decimal.NewFromInt(10)), ledger
}

func TestLedgerService_GetBalanceCreatesZeroRow(t *testing.T) {
	svc, _ := newLedgerService(t)

	balance, err := svc.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = svc.GetBalance(context.Background(), "")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryAuth))
}

func TestLedgerService_CreditBalance(t *testing.T) {
	svc, ledger := newLedgerService(t)
	ctx := context.Background()

	balance, err := svc.CreditBalance(ctx, "user-1", dec("12.5"))
	require.NoError(t, err)
	assert.True(t, dec("12.5").Equal(balance))

	balance, err = svc.CreditBalance(ctx, "user-1", dec("0.25"))
	require.NoError(t, err)
	assert.True(t, dec("12.75").Equal(balance))
	assert.True(t, dec("12.75").Equal(ledger.Balance("user-1")))

	_, err = svc.CreditBalance(ctx, "user-1", decimal.Zero)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestLedgerService_ConcurrentIncrements(t *testing.T) {
	svc, ledger := newLedgerService(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Increment(context.Background(), "user-1", dec("1.01"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, dec("50.5").Equal(ledger.Balance("user-1")), "got %s", ledger.Balance("user-1"))
}

func TestLedgerService_IncrementSumProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("final balance is initial plus the sum of deltas", prop.ForAll(
		func(initial uint32, deltas []uint16) bool {
			svc, ledger := newLedgerService(t)
			ctx := context.Background()
			start := decimal.New(int64(initial), -2)
			if _, err := svc.Increment(ctx, "user-p", start); err != nil {
				return false
			}

			want := start
			var wg sync.WaitGroup
			for _, d := range deltas {
				delta := decimal.New(int64(d), -2)
				want = want.Add(delta)
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, _ = svc.Increment(ctx, "user-p", delta)
				}()
			}
			wg.Wait()
			return want.Equal(ledger.Balance("user-p"))
		},
		gen.UInt32(),
		gen.SliceOf(gen.UInt16()),
	))

	properties.TestingRun(t)
}

func TestLedgerService_SetBalance(t *testing.T) {
	svc, ledger := newLedgerService(t)
	ctx := context.Background()

	require.NoError(t, svc.SetBalance(ctx, "user-1", dec("100"), "bsc", withdrawTo))
	txs := ledger.AllTransactions()
	require.Len(t, txs, 1)
	assert.True(t, strings.HasPrefix(txs[0].TxHash, types.SyncHashPrefix))
	assert.Equal(t, types.StatusConfirmed, txs[0].Status)
	assert.True(t, dec("100").Equal(txs[0].USDValue))
	require.NotNil(t, txs[0].ToAddress)
	assert.Equal(t, withdrawTo, *txs[0].ToAddress)

	// within tolerance: no record
	require.NoError(t, svc.SetBalance(ctx, "user-1", dec("100.01"), "bsc", ""))
	// decrease: no record
	require.NoError(t, svc.SetBalance(ctx, "user-1", dec("40"), "bsc", ""))
	assert.Len(t, ledger.AllTransactions(), 1)
	assert.True(t, dec("40").Equal(ledger.Balance("user-1")))

	require.NoError(t, svc.SetBalance(ctx, "user-1", dec("45.5"), "tron", ""))
	txs = ledger.AllTransactions()
	require.Len(t, txs, 2)
	assert.True(t, dec("5.5").Equal(txs[1].Amount))
	assert.Nil(t, txs[1].ToAddress)

	err := svc.SetBalance(ctx, "user-1", dec("-1"), "tron", "")
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}

func TestLedgerService_SetBalanceRollsBackOnHistoryFailure(t *testing.T) {
	svc, ledger := newLedgerService(t)
	ledger.FailOn("Transactions.Create", apperrors.NewLedgerUnavailableError("create transaction", errors.New("down")))

	err := svc.SetBalance(context.Background(), "user-1", dec("100"), "bsc", "")
	require.Error(t, err)
	assert.True(t, ledger.Balance("user-1").IsZero(), "balance write must roll back")
}

func TestLedgerService_Withdraw(t *testing.T) {
	tests := []struct {
		name        string
		balance     string
		input       WithdrawInput
		wantCode    string
		wantBalance string
	}{
		{
			name:        "debits and queues pending record",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainBSC, Destination: withdrawTo, Amount: dec("20")},
			wantBalance: "30",
		},
		{
			name:        "below minimum is rejected",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainBSC, Destination: withdrawTo, Amount: dec("5")},
			wantCode:    "VALIDATION_ERROR",
			wantBalance: "50",
		},
		{
			name:        "more than balance is rejected",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainEthereum, Destination: withdrawTo, Amount: dec("50.01")},
			wantCode:    "INSUFFICIENT_BALANCE",
			wantBalance: "50",
		},
		{
			name:        "zero amount",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainBSC, Destination: withdrawTo, Amount: decimal.Zero},
			wantCode:    "VALIDATION_ERROR",
			wantBalance: "50",
		},
		{
			name:        "malformed destination",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainBSC, Destination: "0x123", Amount: dec("20")},
			wantCode:    "INVALID_ADDRESS",
			wantBalance: "50",
		},
		{
			name:        "tron destination",
			balance:     "50",
			input:       WithdrawInput{Chain: types.ChainTron, Destination: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Amount: dec("50")},
			wantBalance: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ledger := newLedgerService(t)
			ctx := context.Background()
			_, err := svc.Increment(ctx, "user-1", dec(tt.balance))
			require.NoError(t, err)

			tt.input.UserID = "user-1"
			record, err := svc.Withdraw(ctx, tt.input)
			if tt.wantCode != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, apperrors.Categorize(err).Code)
				assert.Empty(t, ledger.AllTransactions())
			} else {
				require.NoError(t, err)
				assert.Equal(t, types.TxTypeWithdrawal, record.Type)
				assert.Equal(t, types.StatusPending, record.Status)
				assert.True(t, strings.HasPrefix(record.TxHash, types.WithdrawHashPrefix))
				assert.Len(t, ledger.AllTransactions(), 1)
			}
			assert.True(t, dec(tt.wantBalance).Equal(ledger.Balance("user-1")), "got %s", ledger.Balance("user-1"))
		})
	}
}

func TestLedgerService_ConcurrentWithdrawalsNeverOverdraw(t *testing.T) {
	svc, ledger := newLedgerService(t)
	ctx := context.Background()
	_, err := svc.Increment(ctx, "user-1", dec("100"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Withdraw(ctx, WithdrawInput{UserID: "user-1", Chain: types.ChainBSC, Destination: withdrawTo, Amount: dec("15")})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 6, succeeded)
	assert.True(t, dec("10").Equal(ledger.Balance("user-1")))
	assert.False(t, ledger.Balance("user-1").IsNegative())
}

func TestLedgerService_NoNegativeCustodyProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("withdraw fails above balance and never goes negative", prop.ForAll(
		func(balanceCents, amountCents uint32) bool {
			svc, ledger := newLedgerService(t)
			ctx := context.Background()
			balance := decimal.New(int64(balanceCents), -2)
			amount := decimal.New(int64(amountCents)+1000, -2) // at least the $10 minimum
			if _, err := svc.Increment(ctx, "user-p", balance); err != nil {
				return false
			}

			_, err := svc.Withdraw(ctx, WithdrawInput{UserID: "user-p", Chain: types.ChainBSC, Destination: withdrawTo, Amount: amount})
			after := ledger.Balance("user-p")
			if amount.GreaterThan(balance) {
				return err != nil && apperrors.Categorize(err).Code == "INSUFFICIENT_BALANCE" && after.Equal(balance)
			}
			return err == nil && after.Equal(balance.Sub(amount)) && !after.IsNegative()
		},
		gen.UInt32Range(0, 1_000_000),
		gen.UInt32Range(0, 1_000_000),
	))

	properties.TestingRun(t)
}

func TestLedgerService_LedgerUnavailable(t *testing.T) {
	svc, ledger := newLedgerService(t)
	ledger.FailOn("Balances.Get", apperrors.NewLedgerUnavailableError("get balance", errors.New("connection refused")))

	_, err := svc.GetBalance(context.Background(), "user-1")
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, 503, apperrors.Categorize(err).StatusCode)
}

func TestLedgerService_ListTransactions(t *testing.T) {
	svc, _ := newLedgerService(t)
	ctx := context.Background()

	txs, err := svc.ListTransactions(ctx, "user-1", models.TransactionFilter{})
	require.NoError(t, err)
	assert.NotNil(t, txs)
	assert.Empty(t, txs)

	_, err = svc.Increment(ctx, "user-1", dec("100"))
	require.NoError(t, err)
	_, err = svc.Withdraw(ctx, WithdrawInput{UserID: "user-1", Chain: types.ChainBSC, Destination: withdrawTo, Amount: dec("10")})
	require.NoError(t, err)
	require.NoError(t, svc.SetBalance(ctx, "user-1", dec("200"), "tron", ""))

	deposit := types.TxTypeDeposit
	txs, err = svc.ListTransactions(ctx, "user-1", models.TransactionFilter{Type: &deposit})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tron", txs[0].Network)

	all, err := svc.ListTransactions(ctx, "user-1", models.TransactionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.TxTypeDeposit, all[0].Type, "newest first")

	bogus := types.TransactionType("refund")
	_, err = svc.ListTransactions(ctx, "user-1", models.TransactionFilter{Type: &bogus})
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryValidation))
}
