// Package models provides data models for the deposit custody system.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserBalance is the USD-denominated ledger row for one user
type UserBalance struct {
	UserID    string          `json:"userId" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// User is the minimal identity row the ledger tables reference
type User struct {
	ID        string    `json:"id" db:"id"`
	Email     *string   `json:"email,omitempty" db:"email"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// ProcessedTransaction marks an external transaction hash as already credited
type ProcessedTransaction struct {
	TxHash      string    `json:"txHash" db:"tx_hash"`
	UserID      *string   `json:"userId,omitempty" db:"user_id"`
	ProcessedAt time.Time `json:"processedAt" db:"processed_at"`
}
