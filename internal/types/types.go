// Package types provides common type definitions for the deposit custody system.
package types

// ChainID represents supported blockchain networks
type ChainID string

const (
	// ChainEthereum represents the Ethereum mainnet
	ChainEthereum ChainID = "ethereum"
	// ChainBSC represents the BNB Smart Chain
	ChainBSC ChainID = "bsc"
	// ChainTron represents the Tron mainnet
	ChainTron ChainID = "tron"
)

// SupportedChains lists every chain the custody service can provision and scan.
var SupportedChains = []ChainID{ChainEthereum, ChainBSC, ChainTron}

// ParseChainID normalizes a chain name. Common aliases ("eth", "bnb", "trx") are accepted.
func ParseChainID(s string) (ChainID, bool) {
	switch s {
	case "ethereum", "eth", "ETH":
		return ChainEthereum, true
	case "bsc", "bnb", "BSC", "BNB":
		return ChainBSC, true
	case "tron", "trx", "TRON", "TRX":
		return ChainTron, true
	default:
		return "", false
	}
}

// IsEVM reports whether the chain uses EVM-style hex addresses.
func (c ChainID) IsEVM() bool {
	return c == ChainEthereum || c == ChainBSC
}

// TransactionType represents the ledger direction of a transaction record
type TransactionType string

const (
	// TxTypeDeposit represents funds credited to a user
	TxTypeDeposit TransactionType = "deposit"
	// TxTypeWithdrawal represents funds debited from a user
	TxTypeWithdrawal TransactionType = "withdrawal"
)

// TransactionStatus represents the lifecycle state of a transaction record
type TransactionStatus string

const (
	// StatusPending represents a transaction not yet settled
	StatusPending TransactionStatus = "pending"
	// StatusConfirmed represents a settled transaction
	StatusConfirmed TransactionStatus = "confirmed"
	// StatusFailed represents a transaction that will never settle
	StatusFailed TransactionStatus = "failed"
)

// WalletPurpose distinguishes custodial deposit wallets from user-supplied addresses
type WalletPurpose string

const (
	// PurposeDeposit is a system-generated wallet holding an encrypted key
	PurposeDeposit WalletPurpose = "deposit"
	// PurposeWithdrawal is a user-supplied destination address
	PurposeWithdrawal WalletPurpose = "withdrawal"
)

// ScanStrategy names how a chain adapter discovers deposits
type ScanStrategy string

const (
	// StrategyLogScan walks a block window for native and token transfer events
	StrategyLogScan ScanStrategy = "log_scan"
	// StrategyBalanceDiff compares current on-chain balance to the last observed value
	StrategyBalanceDiff ScanStrategy = "balance_diff"
)

// Strategy returns how deposits on the chain are discovered
func (c ChainID) Strategy() ScanStrategy {
	if c.IsEVM() {
		return StrategyLogScan
	}
	return StrategyBalanceDiff
}

// Synthetic transaction hash prefixes. Real chain hashes never carry these.
const (
	SyncHashPrefix     = "sync_"
	ManualHashPrefix   = "manual_"
	WithdrawHashPrefix = "wd_"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
