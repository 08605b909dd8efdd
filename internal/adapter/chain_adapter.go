package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
)

// ChainAdapter discovers incoming transfers to one watched address on a chain.
type ChainAdapter interface {
	// Chain returns the chain identifier
	Chain() types.ChainID

	// Strategy reports how deposits are discovered (log scan or balance diff)
	Strategy() types.ScanStrategy

	// ValidateAddress checks if address format is valid for this chain
	ValidateAddress(address string) bool

	// ListIncomingTransfers returns confirmed transfers into the watched address
	// since its checkpoint, together with the checkpoint to persist afterwards.
	// A rate-limited scan returns what it gathered with Partial set.
	ListIncomingTransfers(ctx context.Context, watched WatchedAddress) (*ScanResult, error)
}

// Checkpoint is the per-wallet scan cursor persisted between runs.
type Checkpoint struct {
	// LastBlock is the last fully scanned block (log scanning)
	LastBlock uint64
	// ObservedBalance is the last observed on-chain USD value (balance diffing)
	ObservedBalance decimal.Decimal
}

// WatchedAddress is an address together with its scan cursor
type WatchedAddress struct {
	Address    string
	Checkpoint Checkpoint
}

// Transfer is a confirmed incoming transfer of a supported asset
type Transfer struct {
	TxHash     string
	From       string
	To         string
	Asset      string // token or native symbol, "USD" for balance-diff syncs
	Contract   string // empty for native transfers
	RawAmount  *big.Int
	Decimals   int32
	BlockOrSeq uint64
	Synthetic  bool
	// USDAmount is set when the adapter already valued the transfer
	USDAmount *decimal.Decimal
}

// Amount returns the transfer amount in whole units
func (t Transfer) Amount() decimal.Decimal {
	if t.RawAmount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(t.RawAmount, -t.Decimals)
}

// ScanResult is the outcome of one ListIncomingTransfers call
type ScanResult struct {
	Transfers  []Transfer
	Checkpoint Checkpoint
	Partial    bool
}

// Common error types for chain adapters

var (
	// ErrInvalidAddress indicates the address format is invalid
	ErrInvalidAddress = fmt.Errorf("invalid address format")

	// ErrProviderUnavailable indicates the data provider is unavailable
	ErrProviderUnavailable = fmt.Errorf("data provider unavailable")

	// ErrProviderRateLimit indicates the provider rate limit was exceeded
	ErrProviderRateLimit = fmt.Errorf("provider rate limit exceeded")

	// ErrUnsupportedChain indicates no adapter is configured for a chain
	ErrUnsupportedChain = fmt.Errorf("unsupported chain")

	// ErrNoBalanceSource indicates every balance source failed
	ErrNoBalanceSource = fmt.Errorf("no balance source succeeded")

	// ErrTransactionFailed indicates a broadcast transaction was mined but failed
	ErrTransactionFailed = fmt.Errorf("transaction failed on chain")
)

// AdapterError wraps errors with additional context
type AdapterError struct {
	Chain   types.ChainID
	Op      string // Operation that failed (e.g., "BlockNumber", "TokenBalance")
	Err     error
	Details map[string]interface{}
}

func (e *AdapterError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("chain adapter error [%s:%s]: %v (details: %+v)", e.Chain, e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("chain adapter error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NewAdapterError creates a new AdapterError
func NewAdapterError(chain types.ChainID, op string, err error, details map[string]interface{}) *AdapterError {
	return &AdapterError{
		Chain:   chain,
		Op:      op,
		Err:     err,
		Details: details,
	}
}

// providerError categorizes a failed chain call. Rate limits keep
// ErrProviderRateLimit in the chain so callers can test with IsRateLimited.
func providerError(chain types.ChainID, op string, err error, details map[string]interface{}) error {
	if err == nil {
		return nil
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return err
	}
	if isRateLimitError(err) {
		if !errors.Is(err, ErrProviderRateLimit) {
			err = fmt.Errorf("%w: %w", ErrProviderRateLimit, err)
		}
		return apperrors.NewProviderRateLimitError(string(chain), NewAdapterError(chain, op, err, details))
	}
	return apperrors.NewChainProviderError(string(chain), NewAdapterError(chain, op, err, details))
}

// IsRateLimited reports whether err came from a throttled provider
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrProviderRateLimit)
}

func isRateLimitError(err error) bool {
	if errors.Is(err, ErrProviderRateLimit) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429")
}

// shouldFailover determines if an error warrants failing over to another provider
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}
	if isRateLimitError(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Check for timeout errors
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") {
		return true
	}

	// Check for connection errors
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host")
}
