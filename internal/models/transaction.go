package models

import (
	"time"

	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
)

// Transaction is an append-only ledger history entry
type Transaction struct {
	ID          string                  `json:"id" db:"id"`
	UserID      string                  `json:"userId" db:"user_id"`
	Type        types.TransactionType   `json:"type" db:"type"`
	TxHash      string                  `json:"txHash" db:"tx_hash"`
	FromAddress *string                 `json:"fromAddress,omitempty" db:"from_address"`
	ToAddress   *string                 `json:"toAddress,omitempty" db:"to_address"`
	Amount      decimal.Decimal         `json:"amount" db:"amount"`
	Symbol      string                  `json:"symbol" db:"symbol"`
	USDValue    decimal.Decimal         `json:"usdValue" db:"usd_value"`
	Status      types.TransactionStatus `json:"status" db:"status"`
	Network     string                  `json:"network" db:"network"`
	CreatedAt   time.Time               `json:"createdAt" db:"created_at"`
	ConfirmedAt *time.Time              `json:"confirmedAt,omitempty" db:"confirmed_at"`
}

// TransactionFilter narrows a transaction history listing
type TransactionFilter struct {
	Limit   int
	Offset  int
	Type    *types.TransactionType
	Network *string
}

const (
	// DefaultTransactionLimit applies when a listing does not specify a limit
	DefaultTransactionLimit = 50
	// MaxTransactionLimit caps a single page
	MaxTransactionLimit = 200
)

// Normalize applies default and maximum page sizes.
func (f *TransactionFilter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultTransactionLimit
	}
	if f.Limit > MaxTransactionLimit {
		f.Limit = MaxTransactionLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}
