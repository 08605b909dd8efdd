package job

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/deposit-custody/internal/adapter"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Sweep skip reasons
const (
	SkipMissingPrivateKey = "missing_private_key"
	SkipDecryptFailed     = "decrypt_failed"
	SkipDustOrZero        = "dust_or_zero"
	SkipFundingSubmitted  = "funding_submitted"
	SkipFundingPending    = "funding_pending"
	SkipNoSweeper         = "sweeper_unavailable"
	SkipNoMasterWallet    = "master_wallet_not_configured"
)

// DefaultSweepDustUSD is the balance at or below which a token is left in place
var DefaultSweepDustUSD = decimal.RequireFromString("0.01")

// SweeperSource resolves the transfer client of each chain
type SweeperSource interface {
	Sweeper(chain types.ChainID) (adapter.Sweeper, bool)
}

// KeyDecrypter opens sealed private keys
type KeyDecrypter interface {
	Decrypt(payload string) (string, error)
}

// MarkerStore holds gas funding markers. storage.RedisCache satisfies it.
type MarkerStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// MasterWallet is the consolidation target of one chain
type MasterWallet struct {
	Address       string
	PrivateKeyHex string
	// GasTopUp is the native amount sent to a deposit wallet lacking gas
	GasTopUp *big.Int
}

// SweepConfig configures a SweepJob
type SweepConfig struct {
	Masters          map[types.ChainID]MasterWallet
	DustUSD          decimal.Decimal
	FundingMarkerTTL time.Duration
	// Backoff paces provider calls after a rate limit
	Backoff        time.Duration
	AddressTimeout time.Duration
	// ConfirmTimeout bounds the wait for a balance-diff sweep to be mined
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
}

// SweepJob consolidates custodial deposit wallets into the master wallet of
// each chain. A wallet lacking gas is funded first and swept on a later run.
// Tokens go first; the native coin above the fee reserve follows on a run
// that sent no tokens.
type SweepJob struct {
	ledger    storage.Ledger
	sweepers  SweeperSource
	decrypter KeyDecrypter
	markers   MarkerStore
	prices    adapter.PriceSource
	metrics   *Metrics
	logger    *zap.Logger
	cfg       SweepConfig
}

// NewSweepJob creates a sweep job
func NewSweepJob(ledger storage.Ledger, sweepers SweeperSource, decrypter KeyDecrypter, markers MarkerStore, prices adapter.PriceSource, metrics *Metrics, cfg SweepConfig, logger *zap.Logger) *SweepJob {
	if !cfg.DustUSD.IsPositive() {
		cfg.DustUSD = DefaultSweepDustUSD
	}
	if cfg.FundingMarkerTTL <= 0 {
		cfg.FundingMarkerTTL = 30 * time.Minute
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = 2 * time.Minute
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = 3 * time.Second
	}
	return &SweepJob{
		ledger:    ledger,
		sweepers:  sweepers,
		decrypter: decrypter,
		markers:   markers,
		prices:    prices,
		metrics:   metrics,
		logger:    logger.With(zap.String("job", "sweep")),
		cfg:       cfg,
	}
}

// SweptAsset is one completed consolidation transfer
type SweptAsset struct {
	WalletID string        `json:"walletId"`
	Chain    types.ChainID `json:"chain"`
	Address  string        `json:"address"`
	Asset    string        `json:"asset"`
	Amount   string        `json:"amount"`
	TxHash   string        `json:"txHash"`
}

// SkippedAsset is a wallet or asset left in place, with the reason
type SkippedAsset struct {
	WalletID string        `json:"walletId"`
	Chain    types.ChainID `json:"chain"`
	Address  string        `json:"address"`
	Asset    string        `json:"asset,omitempty"`
	Reason   string        `json:"reason"`
	TxHash   string        `json:"txHash,omitempty"`
}

// SweepResult summarizes one run
type SweepResult struct {
	Swept   []SweptAsset   `json:"swept"`
	Skipped []SkippedAsset `json:"skipped"`
	Errors  []string       `json:"errors"`
}

// Run sweeps every active custodial wallet. Failures are isolated per wallet
// and asset; only a failure to list wallets aborts the run.
func (j *SweepJob) Run(ctx context.Context) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{Swept: []SweptAsset{}, Skipped: []SkippedAsset{}, Errors: []string{}}

	wallets, err := j.ledger.Wallets().ListCustodial(ctx)
	if err != nil {
		j.observe(start, err)
		return nil, fmt.Errorf("failed to load custodial wallets: %w", err)
	}

	pacer := &pacer{limiter: rate.NewLimiter(rate.Every(j.cfg.Backoff), 1)}
	for _, wallet := range wallets {
		if ctx.Err() != nil {
			break
		}
		if wallet.Purpose != types.PurposeDeposit {
			continue
		}
		if err := pacer.wait(ctx); err != nil {
			break
		}
		walletCtx, cancel := context.WithTimeout(ctx, j.cfg.AddressTimeout)
		j.sweepWallet(walletCtx, wallet, pacer, result)
		cancel()
	}

	j.observe(start, ctx.Err())
	j.logger.Info("sweep finished",
		zap.Int("swept", len(result.Swept)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", time.Since(start)))
	return result, ctx.Err()
}

func (j *SweepJob) sweepWallet(ctx context.Context, wallet *models.DepositWallet, pacer *pacer, result *SweepResult) {
	logger := j.logger.With(
		zap.String("chain", string(wallet.Chain)),
		zap.String("address", wallet.Address),
		zap.String("walletId", wallet.ID))
	skip := func(asset, reason, txHash string) {
		result.Skipped = append(result.Skipped, SkippedAsset{
			WalletID: wallet.ID, Chain: wallet.Chain, Address: wallet.Address,
			Asset: asset, Reason: reason, TxHash: txHash,
		})
		j.metrics.SweepOutcomes.WithLabelValues(string(wallet.Chain), reason).Inc()
	}
	fail := func(asset string, err error) {
		result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s: %v", wallet.Chain, wallet.Address, asset, err))
		j.metrics.SweepOutcomes.WithLabelValues(string(wallet.Chain), "error").Inc()
		pacer.noteError(err)
		logger.Warn("sweep step failed", zap.String("asset", asset), zap.Error(err))
	}

	if !wallet.IsCustodial() {
		skip("", SkipMissingPrivateKey, "")
		return
	}
	sweeper, ok := j.sweepers.Sweeper(wallet.Chain)
	if !ok {
		skip("", SkipNoSweeper, "")
		return
	}
	master, ok := j.cfg.Masters[wallet.Chain]
	if !ok || master.Address == "" || master.PrivateKeyHex == "" {
		skip("", SkipNoMasterWallet, "")
		return
	}
	privateKey, err := j.decrypter.Decrypt(*wallet.EncryptedPrivateKey)
	if err != nil {
		logger.Error("failed to decrypt deposit key", zap.Error(err))
		skip("", SkipDecryptFailed, "")
		return
	}

	sentTokens := false
	for _, token := range adapter.TokensFor(wallet.Chain) {
		if err := pacer.wait(ctx); err != nil {
			return
		}

		balance, err := sweeper.TokenBalance(ctx, wallet.Address, token)
		if err != nil {
			fail(token.Symbol, err)
			continue
		}
		amount := decimal.NewFromBigInt(balance, -token.Decimals)
		price, err := j.prices.USDPrice(ctx, token.Symbol)
		if err != nil {
			fail(token.Symbol, err)
			continue
		}
		if balance.Sign() <= 0 || amount.Mul(price).LessThanOrEqual(j.cfg.DustUSD) {
			skip(token.Symbol, SkipDustOrZero, "")
			continue
		}

		fee, err := sweeper.TokenTransferFee(ctx)
		if err != nil {
			fail(token.Symbol, err)
			continue
		}
		gas, err := sweeper.NativeBalance(ctx, wallet.Address)
		if err != nil {
			fail(token.Symbol, err)
			continue
		}

		if gas.Cmp(fee) < 0 {
			reason, txHash, err := j.fundGas(ctx, sweeper, master, wallet, fee)
			if err != nil {
				fail(token.Symbol, err)
				return
			}
			skip(token.Symbol, reason, txHash)
			// the remaining tokens wait for the same funding
			return
		}

		txHash, err := sweeper.SendToken(ctx, privateKey, token, master.Address, balance)
		if err != nil {
			fail(token.Symbol, err)
			continue
		}
		sentTokens = true
		if err := j.markers.Del(ctx, fundingKey(wallet)); err != nil {
			logger.Debug("failed to clear funding marker", zap.String("asset", token.Symbol), zap.Error(err))
		}

		if wallet.Chain.Strategy() == types.StrategyBalanceDiff {
			err := j.lowerBaseline(ctx, sweeper, wallet, txHash, amount.Mul(price))
			if errors.Is(err, adapter.ErrTransactionFailed) {
				fail(token.Symbol, err)
				continue
			}
			if err != nil {
				logger.Warn("swept balance not deducted from scan baseline", zap.String("txHash", txHash), zap.Error(err))
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s %s: baseline: %v", wallet.Chain, wallet.Address, token.Symbol, err))
			}
		}

		result.Swept = append(result.Swept, SweptAsset{
			WalletID: wallet.ID, Chain: wallet.Chain, Address: wallet.Address,
			Asset: token.Symbol, Amount: amount.String(), TxHash: txHash,
		})
		j.metrics.SweepOutcomes.WithLabelValues(string(wallet.Chain), "swept").Inc()
		logger.Info("swept token to master wallet",
			zap.String("asset", token.Symbol),
			zap.String("amount", amount.String()),
			zap.String("txHash", txHash))
	}

	// the native balance is stale until the token transfers are mined
	if sentTokens {
		return
	}
	if err := pacer.wait(ctx); err != nil {
		return
	}
	j.sweepNative(ctx, sweeper, privateKey, master, wallet, skip, fail, result)
}

// sweepNative sends the native coin to the master wallet, keeping back the
// fee of the transfer itself and the gas for one future token sweep.
func (j *SweepJob) sweepNative(ctx context.Context, sweeper adapter.Sweeper, privateKey string, master MasterWallet, wallet *models.DepositWallet,
	skip func(asset, reason, txHash string), fail func(asset string, err error), result *SweepResult) {
	native, ok := adapter.Native(wallet.Chain)
	if !ok {
		return
	}

	balance, err := sweeper.NativeBalance(ctx, wallet.Address)
	if err != nil {
		fail(native.Symbol, err)
		return
	}
	if balance.Sign() <= 0 {
		skip(native.Symbol, SkipDustOrZero, "")
		return
	}
	transferFee, err := sweeper.NativeTransferFee(ctx)
	if err != nil {
		fail(native.Symbol, err)
		return
	}
	reserve, err := sweeper.TokenTransferFee(ctx)
	if err != nil {
		fail(native.Symbol, err)
		return
	}

	sendable := new(big.Int).Sub(balance, transferFee)
	sendable.Sub(sendable, reserve)
	if sendable.Sign() <= 0 {
		skip(native.Symbol, SkipDustOrZero, "")
		return
	}
	amount := decimal.NewFromBigInt(sendable, -native.Decimals)
	price, err := j.prices.USDPrice(ctx, native.Symbol)
	if err != nil {
		fail(native.Symbol, err)
		return
	}
	if amount.Mul(price).LessThanOrEqual(j.cfg.DustUSD) {
		skip(native.Symbol, SkipDustOrZero, "")
		return
	}

	txHash, err := sweeper.SendNative(ctx, privateKey, master.Address, sendable)
	if err != nil {
		fail(native.Symbol, err)
		return
	}
	result.Swept = append(result.Swept, SweptAsset{
		WalletID: wallet.ID, Chain: wallet.Chain, Address: wallet.Address,
		Asset: native.Symbol, Amount: amount.String(), TxHash: txHash,
	})
	j.metrics.SweepOutcomes.WithLabelValues(string(wallet.Chain), "swept").Inc()
	j.logger.Info("swept native coin to master wallet",
		zap.String("chain", string(wallet.Chain)),
		zap.String("address", wallet.Address),
		zap.String("asset", native.Symbol),
		zap.String("amount", amount.String()),
		zap.String("txHash", txHash))
}

// lowerBaseline deducts a swept USD value from the balance-diff baseline once
// the sweep is mined. Until then a scan still sees the swept funds on chain.
func (j *SweepJob) lowerBaseline(ctx context.Context, sweeper adapter.Sweeper, wallet *models.DepositWallet, txHash string, usd decimal.Decimal) error {
	confirmer, ok := sweeper.(adapter.Confirmer)
	if !ok {
		return fmt.Errorf("%s sweeper cannot confirm transactions", wallet.Chain)
	}
	if err := j.awaitConfirmation(ctx, confirmer, txHash); err != nil {
		return err
	}
	return j.ledger.Wallets().ReduceObservedBalance(ctx, wallet.ID, usd.Round(6))
}

func (j *SweepJob) awaitConfirmation(ctx context.Context, confirmer adapter.Confirmer, txHash string) error {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(j.cfg.ConfirmInterval)
	defer ticker.Stop()

	for {
		confirmed, err := confirmer.Confirmed(ctx, txHash)
		if errors.Is(err, adapter.ErrTransactionFailed) {
			return err
		}
		if confirmed {
			return nil
		}
		if err != nil {
			j.logger.Debug("confirmation lookup failed", zap.String("txHash", txHash), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("transaction %s not confirmed: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// fundGas sends native gas from the master wallet unless a funding transfer
// is already in flight. The caller has just re-read the on-chain balance, so
// an existing marker means the earlier funding has not landed yet.
func (j *SweepJob) fundGas(ctx context.Context, sweeper adapter.Sweeper, master MasterWallet, wallet *models.DepositWallet, fee *big.Int) (string, string, error) {
	key := fundingKey(wallet)
	claimed, err := j.markers.SetNX(ctx, key, "pending", j.cfg.FundingMarkerTTL)
	if err != nil {
		return "", "", fmt.Errorf("funding marker unavailable: %w", err)
	}
	if !claimed {
		return SkipFundingPending, "", nil
	}

	topUp := fee
	if master.GasTopUp != nil && master.GasTopUp.Cmp(fee) > 0 {
		topUp = master.GasTopUp
	}

	txHash, err := sweeper.SendNative(ctx, master.PrivateKeyHex, wallet.Address, topUp)
	if err != nil {
		// nothing was submitted, let the next run try again
		if delErr := j.markers.Del(ctx, key); delErr != nil {
			j.logger.Warn("failed to release funding marker", zap.String("key", key), zap.Error(delErr))
		}
		return "", "", fmt.Errorf("gas funding failed: %w", err)
	}
	if err := j.markers.Set(ctx, key, txHash, j.cfg.FundingMarkerTTL); err != nil {
		j.logger.Warn("failed to record funding hash", zap.String("key", key), zap.Error(err))
	}

	j.logger.Info("funded deposit wallet gas",
		zap.String("chain", string(wallet.Chain)),
		zap.String("address", wallet.Address),
		zap.String("amount", topUp.String()),
		zap.String("txHash", txHash))
	return SkipFundingSubmitted, txHash, nil
}

func fundingKey(wallet *models.DepositWallet) string {
	return fmt.Sprintf("sweep:funding:%s:%s", wallet.Chain, strings.ToLower(wallet.Address))
}

func (j *SweepJob) observe(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	j.metrics.Runs.WithLabelValues("sweep", status).Inc()
	j.metrics.Duration.WithLabelValues("sweep").Observe(time.Since(start).Seconds())
}

// pacer slows the run down once a provider has rate limited it
type pacer struct {
	limiter   *rate.Limiter
	throttled bool
}

func (p *pacer) noteError(err error) {
	if adapter.IsRateLimited(err) {
		p.throttled = true
	}
}

func (p *pacer) wait(ctx context.Context) error {
	if !p.throttled {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("backoff: %w", err)
	}
	return nil
}
