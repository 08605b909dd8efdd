package models

import (
	"time"

	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
)

// DepositWallet maps a user to an on-chain address.
// EncryptedPrivateKey is only present for system-generated custodial wallets.
type DepositWallet struct {
	ID                  string              `json:"id" db:"id"`
	UserID              string              `json:"userId" db:"user_id"`
	Chain               types.ChainID       `json:"chain" db:"chain"`
	Address             string              `json:"address" db:"address"`
	Label               *string             `json:"label,omitempty" db:"label"`
	Purpose             types.WalletPurpose `json:"purpose" db:"purpose"`
	IsPrimary           bool                `json:"isPrimary" db:"is_primary"`
	IsActive            bool                `json:"isActive" db:"is_active"`
	EncryptedPrivateKey *string             `json:"-" db:"encrypted_private_key"`
	// Scan checkpoint: last fully scanned block for log scanning chains,
	// last observed USD value for balance diffing chains.
	LastScannedBlock uint64          `json:"lastScannedBlock" db:"last_scanned_block"`
	ObservedBalance  decimal.Decimal `json:"observedBalance" db:"observed_balance"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// IsCustodial reports whether the system holds the wallet's key.
func (w *DepositWallet) IsCustodial() bool {
	return w.EncryptedPrivateKey != nil && *w.EncryptedPrivateKey != ""
}
