package adapter

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SyncTolerance is the USD difference below which balance drift is ignored
var SyncTolerance = decimal.NewFromFloat(0.01)

// syncDecimals is the precision of synthetic USD transfers
const syncDecimals int32 = 6

// PriceSource values assets in USD
type PriceSource interface {
	USDPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// TronAdapter discovers deposits by diffing the USD value of supported token
// balances against the last observed value. Each positive delta becomes one
// synthetic transfer with a fresh sync_ hash.
type TronAdapter struct {
	sources []BalanceSource
	prices  PriceSource
	logger  *zap.Logger
	now     func() time.Time
}

// NewTronAdapter creates a balance-diff adapter over sources tried in order
func NewTronAdapter(sources []BalanceSource, prices PriceSource, logger *zap.Logger) (*TronAdapter, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one balance source is required")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source cannot be nil")
	}
	return &TronAdapter{
		sources: sources,
		prices:  prices,
		logger:  logger.With(zap.String("chain", string(types.ChainTron))),
		now:     time.Now,
	}, nil
}

// Chain returns ChainTron
func (a *TronAdapter) Chain() types.ChainID {
	return types.ChainTron
}

// Strategy returns StrategyBalanceDiff
func (a *TronAdapter) Strategy() types.ScanStrategy {
	return types.ChainTron.Strategy()
}

// ValidateAddress checks if address format is a Tron base58 address
func (a *TronAdapter) ValidateAddress(address string) bool {
	return ValidateAddress(types.ChainTron, address)
}

// ListIncomingTransfers compares the current USD value of the address with
// the checkpoint. A drop only re-baselines; growth within SyncTolerance keeps
// the old baseline so small deposits accumulate.
func (a *TronAdapter) ListIncomingTransfers(ctx context.Context, watched WatchedAddress) (*ScanResult, error) {
	if !a.ValidateAddress(watched.Address) {
		return nil, apperrors.NewInvalidAddressError(watched.Address)
	}

	current, err := a.usdValue(ctx, watched.Address)
	if err != nil {
		return nil, err
	}

	previous := watched.Checkpoint.ObservedBalance
	result := &ScanResult{Checkpoint: watched.Checkpoint}
	delta := current.Sub(previous)

	switch {
	case delta.GreaterThan(SyncTolerance):
		result.Checkpoint.ObservedBalance = current
		result.Transfers = []Transfer{a.syntheticTransfer(watched.Address, delta)}
		a.logger.Info("on-chain balance increased",
			zap.String("address", watched.Address),
			zap.String("previous", previous.String()),
			zap.String("current", current.String()),
			zap.String("delta", delta.String()))
	case delta.IsNegative():
		result.Checkpoint.ObservedBalance = current
		a.logger.Debug("on-chain balance decreased, re-baselining",
			zap.String("address", watched.Address),
			zap.String("previous", previous.String()),
			zap.String("current", current.String()))
	}
	return result, nil
}

// usdValue sums the USD value of every supported token held by address
func (a *TronAdapter) usdValue(ctx context.Context, address string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, token := range TokensFor(types.ChainTron) {
		raw, source, err := firstBalance(ctx, a.sources, address, token, a.logger)
		if err != nil {
			return decimal.Zero, err
		}
		amount := decimal.NewFromBigInt(raw, -token.Decimals)
		if amount.IsZero() {
			continue
		}
		price, err := a.prices.USDPrice(ctx, token.Symbol)
		if err != nil {
			return decimal.Zero, fmt.Errorf("price %s: %w", token.Symbol, err)
		}
		a.logger.Debug("token balance read",
			zap.String("address", address),
			zap.String("token", token.Symbol),
			zap.String("source", source),
			zap.String("amount", amount.String()))
		total = total.Add(amount.Mul(price))
	}
	return total.Round(syncDecimals), nil
}

func (a *TronAdapter) syntheticTransfer(address string, delta decimal.Decimal) Transfer {
	usd := delta.Round(syncDecimals)
	return Transfer{
		TxHash:     fmt.Sprintf("%s%d_%s", types.SyncHashPrefix, a.now().UnixNano(), uuid.NewString()),
		To:         address,
		Asset:      "USD",
		RawAmount:  usd.Shift(syncDecimals).BigInt(),
		Decimals:   syncDecimals,
		BlockOrSeq: uint64(a.now().Unix()), // #nosec G115 - unix seconds are positive
		Synthetic:  true,
		USDAmount:  &usd,
	}
}
