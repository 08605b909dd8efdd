package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/deposit-custody/internal/adapter"
	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/logging"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SyncTolerance is the smallest balance increase SetBalance records as a deposit
var SyncTolerance = decimal.RequireFromString("0.01")

// DefaultMinWithdrawalUSD applies when no minimum is configured
var DefaultMinWithdrawalUSD = decimal.NewFromInt(10)

// LedgerService owns the USD balance of every user. Balances only change
// through single-statement increments, guarded debits or explicit sets.
type LedgerService struct {
	ledger           storage.Ledger
	minWithdrawalUSD decimal.Decimal
	now              func() time.Time
}

// NewLedgerService creates a ledger service. A non-positive minimum falls
// back to DefaultMinWithdrawalUSD.
func NewLedgerService(ledger storage.Ledger, minWithdrawalUSD decimal.Decimal) *LedgerService {
	if !minWithdrawalUSD.IsPositive() {
		minWithdrawalUSD = DefaultMinWithdrawalUSD
	}
	return &LedgerService{
		ledger:           ledger,
		minWithdrawalUSD: minWithdrawalUSD,
		now:              time.Now,
	}
}

// BalanceView is the API representation of a balance
type BalanceView struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
}

// GetBalance returns the user's balance, creating a zero row on first access
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if err := requireUser(userID); err != nil {
		return decimal.Zero, err
	}
	if err := s.ledger.Users().Ensure(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Balances().Get(ctx, userID)
}

// Increment atomically adds delta to the balance and returns the new value
func (s *LedgerService) Increment(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := requireUser(userID); err != nil {
		return decimal.Zero, err
	}
	if err := s.ledger.Users().Ensure(ctx, userID); err != nil {
		return decimal.Zero, err
	}
	return s.ledger.Balances().Increment(ctx, userID, delta)
}

// CreditBalance is the entry point for collaborators such as yield and
// referral payouts.
func (s *LedgerService) CreditBalance(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, apperrors.NewValidationError("amount", "must be greater than zero")
	}
	newBalance, err := s.Increment(ctx, userID, amount)
	if err != nil {
		return decimal.Zero, err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId": userID,
		"amount": amount.String(),
	}).Info("balance credited")
	return newBalance, nil
}

// SetBalance overwrites the balance. When the new value exceeds the previous
// one by more than SyncTolerance, a confirmed deposit record is appended for
// the difference so the history explains the jump.
func (s *LedgerService) SetBalance(ctx context.Context, userID string, value decimal.Decimal, network, address string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if value.IsNegative() {
		return apperrors.NewValidationError("balance", "cannot be negative")
	}

	return s.ledger.InTx(ctx, func(tx storage.Ledger) error {
		if err := tx.Users().Ensure(ctx, userID); err != nil {
			return err
		}
		previous, err := tx.Balances().Set(ctx, userID, value)
		if err != nil {
			return err
		}

		diff := value.Sub(previous)
		if diff.LessThanOrEqual(SyncTolerance) {
			return nil
		}

		var to *string
		if address != "" {
			to = &address
		}
		return tx.Transactions().Create(ctx, &models.Transaction{
			UserID:    userID,
			Type:      types.TxTypeDeposit,
			TxHash:    syntheticHash(types.SyncHashPrefix, s.now()),
			ToAddress: to,
			Amount:    diff,
			Symbol:    "USD",
			USDValue:  diff,
			Status:    types.StatusConfirmed,
			Network:   network,
		})
	})
}

// WithdrawInput is a user's withdrawal request
type WithdrawInput struct {
	UserID      string
	Chain       types.ChainID
	Destination string
	Amount      decimal.Decimal
}

// Withdraw debits the balance and queues a pending withdrawal record. The
// debit is a guarded statement, so the balance can never go negative even
// under concurrent requests. On-chain payout happens outside this service.
func (s *LedgerService) Withdraw(ctx context.Context, input WithdrawInput) (*models.Transaction, error) {
	if err := requireUser(input.UserID); err != nil {
		return nil, err
	}
	if !input.Amount.IsPositive() {
		return nil, apperrors.NewValidationError("amount", "must be greater than zero")
	}
	if input.Chain == "" {
		input.Chain = types.ChainBSC
	}
	destination := strings.TrimSpace(input.Destination)
	if !adapter.ValidateAddress(input.Chain, destination) {
		return nil, apperrors.NewInvalidAddressError(destination)
	}
	if input.Amount.LessThan(s.minWithdrawalUSD) {
		return nil, apperrors.NewValidationError("amount",
			fmt.Sprintf("minimum withdrawal is $%s", s.minWithdrawalUSD.StringFixed(2)))
	}

	record := &models.Transaction{
		UserID:    input.UserID,
		Type:      types.TxTypeWithdrawal,
		TxHash:    syntheticHash(types.WithdrawHashPrefix, s.now()),
		ToAddress: &destination,
		Amount:    input.Amount,
		Symbol:    "USD",
		USDValue:  input.Amount,
		Status:    types.StatusPending,
		Network:   string(input.Chain),
	}

	var remaining decimal.Decimal
	err := s.ledger.InTx(ctx, func(tx storage.Ledger) error {
		if err := tx.Users().Ensure(ctx, input.UserID); err != nil {
			return err
		}
		var err error
		remaining, err = tx.Balances().Debit(ctx, input.UserID, input.Amount)
		if err != nil {
			return err
		}
		return tx.Transactions().Create(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":    input.UserID,
		"amount":    input.Amount.String(),
		"chain":     input.Chain,
		"remaining": remaining.String(),
	}).Info("withdrawal queued")
	return record, nil
}

// ListTransactions returns the user's history, newest first
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if filter.Type != nil && *filter.Type != types.TxTypeDeposit && *filter.Type != types.TxTypeWithdrawal {
		return nil, apperrors.NewValidationError("type", "must be deposit or withdrawal")
	}
	txs, err := s.ledger.Transactions().ListByUser(ctx, userID, filter)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []*models.Transaction{}
	}
	return txs, nil
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.NewAuthError("missing caller identity")
	}
	return nil
}

// syntheticHash builds an id that can never collide with a chain hash
func syntheticHash(prefix string, at time.Time) string {
	return fmt.Sprintf("%s%d_%s", prefix, at.UnixNano(), uuid.New().String())
}
