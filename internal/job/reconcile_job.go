// Package job contains the periodic deposit reconciliation and sweep jobs.
package job

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/deposit-custody/internal/adapter"
	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/retry"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMinDepositUSD is the dust floor applied when none is configured
var DefaultMinDepositUSD = decimal.RequireFromString("0.01")

// AdapterSource resolves the scanner of each configured chain
type AdapterSource interface {
	Adapter(chain types.ChainID) (adapter.ChainAdapter, bool)
	Chains() []types.ChainID
}

// ReconcileConfig configures a ReconcileJob
type ReconcileConfig struct {
	MinDepositUSD decimal.Decimal
	// AddressTimeout bounds the chain calls made for one wallet
	AddressTimeout time.Duration
	// Retry governs ledger writes; nil uses retry.DefaultRetryConfig
	Retry *retry.RetryConfig
	// InternalSenders are the service's own addresses per chain, such as the
	// master wallet funding gas. Their transfers are never credited.
	InternalSenders map[types.ChainID][]string
}

// ReconcileJob credits confirmed on-chain deposits to user balances. The
// processed_transactions primary key is the only idempotency guard, so runs
// may overlap with manual triggers without double crediting.
type ReconcileJob struct {
	ledger   storage.Ledger
	adapters AdapterSource
	prices   adapter.PriceSource
	metrics  *Metrics
	logger   *zap.Logger
	cfg      ReconcileConfig
	internal map[types.ChainID]map[string]struct{}
}

// NewReconcileJob creates a reconciliation job
func NewReconcileJob(ledger storage.Ledger, adapters AdapterSource, prices adapter.PriceSource, metrics *Metrics, cfg ReconcileConfig, logger *zap.Logger) *ReconcileJob {
	if !cfg.MinDepositUSD.IsPositive() {
		cfg.MinDepositUSD = DefaultMinDepositUSD
	}
	if cfg.AddressTimeout <= 0 {
		cfg.AddressTimeout = 60 * time.Second
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.DefaultRetryConfig()
	}
	internal := make(map[types.ChainID]map[string]struct{}, len(cfg.InternalSenders))
	for chain, addresses := range cfg.InternalSenders {
		set := make(map[string]struct{}, len(addresses))
		for _, address := range addresses {
			if address != "" {
				set[senderKey(chain, address)] = struct{}{}
			}
		}
		internal[chain] = set
	}
	return &ReconcileJob{
		ledger:   ledger,
		adapters: adapters,
		prices:   prices,
		metrics:  metrics,
		logger:   logger.With(zap.String("job", "reconcile")),
		cfg:      cfg,
		internal: internal,
	}
}

// senderKey normalizes an address for set lookups. EVM hex is
// case-insensitive; Tron base58 is not.
func senderKey(chain types.ChainID, address string) string {
	if chain.IsEVM() {
		return strings.ToLower(address)
	}
	return address
}

func (j *ReconcileJob) isInternalSender(chain types.ChainID, from string) bool {
	if from == "" {
		return false
	}
	_, ok := j.internal[chain][senderKey(chain, from)]
	return ok
}

// ReconcileResult summarizes one run
type ReconcileResult struct {
	NewDeposits    int      `json:"newDeposits"`
	ProcessedCount int      `json:"processedCount"`
	Unassigned     int      `json:"unassigned"`
	PartialScans   int      `json:"partialScans"`
	Errors         []string `json:"errors"`

	mu sync.Mutex
}

func (r *ReconcileResult) addError(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ReconcileResult) record(o outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ProcessedCount++
	switch o {
	case outcomeCredited:
		r.NewDeposits++
	case outcomeUnassigned:
		r.Unassigned++
	}
}

type outcome int

const (
	outcomeCredited outcome = iota
	outcomeDuplicate
	outcomeDust
	outcomeUnassigned
	outcomeInternal
)

// errAlreadyCredited rolls back a credit whose hash was marked concurrently
var errAlreadyCredited = errors.New("already credited")

// Run reconciles every active deposit wallet. Chains run concurrently; the
// wallets of one chain run sequentially. A failure to load wallets aborts
// the run; per-address chain failures are recorded and skipped.
func (j *ReconcileJob) Run(ctx context.Context) (*ReconcileResult, error) {
	start := time.Now()
	result := &ReconcileResult{Errors: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	for _, chain := range j.adapters.Chains() {
		chain := chain
		chainAdapter, ok := j.adapters.Adapter(chain)
		if !ok {
			continue
		}
		g.Go(func() error {
			return j.reconcileChain(gctx, chain, chainAdapter, result)
		})
	}
	err := g.Wait()

	j.observe("reconcile", start, err)
	if err != nil {
		j.logger.Error("reconciliation aborted", zap.Error(err))
		return nil, err
	}

	j.logger.Info("reconciliation finished",
		zap.Int("newDeposits", result.NewDeposits),
		zap.Int("processed", result.ProcessedCount),
		zap.Int("unassigned", result.Unassigned),
		zap.Int("partialScans", result.PartialScans),
		zap.Int("errors", len(result.Errors)),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (j *ReconcileJob) reconcileChain(ctx context.Context, chain types.ChainID, chainAdapter adapter.ChainAdapter, result *ReconcileResult) error {
	wallets, err := j.ledger.Wallets().ListActiveByChain(ctx, chain)
	if err != nil {
		return fmt.Errorf("failed to load %s wallets: %w", chain, err)
	}

	for _, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wallet.Purpose != types.PurposeDeposit {
			continue
		}
		j.reconcileWallet(ctx, chainAdapter, wallet, result)
	}
	return nil
}

func (j *ReconcileJob) reconcileWallet(ctx context.Context, chainAdapter adapter.ChainAdapter, wallet *models.DepositWallet, result *ReconcileResult) {
	chain := chainAdapter.Chain()
	logger := j.logger.With(
		zap.String("chain", string(chain)),
		zap.String("address", wallet.Address),
		zap.String("walletId", wallet.ID))

	scanCtx, cancel := context.WithTimeout(ctx, j.cfg.AddressTimeout)
	scan, err := chainAdapter.ListIncomingTransfers(scanCtx, adapter.WatchedAddress{
		Address: wallet.Address,
		Checkpoint: adapter.Checkpoint{
			LastBlock:       wallet.LastScannedBlock,
			ObservedBalance: wallet.ObservedBalance,
		},
	})
	cancel()
	if err != nil {
		j.metrics.ScanErrors.WithLabelValues(string(chain)).Inc()
		logger.Warn("scan failed, skipping address", zap.Error(err))
		result.addError("%s %s: %s", chain, wallet.Address, apperrors.Categorize(err).Message)
		return
	}
	if scan.Partial {
		result.mu.Lock()
		result.PartialScans++
		result.mu.Unlock()
		logger.Warn("partial scan, checkpoint held back", zap.Uint64("checkpoint", scan.Checkpoint.LastBlock))
	}

	clean := true
	for _, transfer := range scan.Transfers {
		o, err := j.processTransfer(ctx, chain, wallet, transfer, scan.Checkpoint)
		if err != nil {
			clean = false
			logger.Error("failed to credit transfer", zap.String("txHash", transfer.TxHash), zap.Error(err))
			result.addError("%s %s: %v", chain, transfer.TxHash, err)
			continue
		}
		result.record(o)
	}

	// A failed credit keeps the old checkpoint so the transfer is seen again.
	if !clean || checkpointUnchanged(wallet, scan.Checkpoint) {
		return
	}
	if err := j.ledger.Wallets().UpdateCheckpoint(ctx, wallet.ID, scan.Checkpoint.LastBlock, scan.Checkpoint.ObservedBalance); err != nil {
		logger.Warn("failed to persist checkpoint", zap.Error(err))
		result.addError("%s %s: checkpoint: %v", chain, wallet.Address, err)
	}
}

func checkpointUnchanged(wallet *models.DepositWallet, cp adapter.Checkpoint) bool {
	return wallet.LastScannedBlock == cp.LastBlock && wallet.ObservedBalance.Equal(cp.ObservedBalance)
}

// processTransfer runs one transfer through the idempotency gate.
func (j *ReconcileJob) processTransfer(ctx context.Context, chain types.ChainID, wallet *models.DepositWallet, transfer adapter.Transfer, cp adapter.Checkpoint) (outcome, error) {
	if j.isInternalSender(chain, transfer.From) {
		return j.skipInternal(ctx, chain, transfer)
	}

	userID, err := j.resolveOwner(ctx, chain, wallet, transfer)
	if err != nil {
		return 0, err
	}
	if userID == "" {
		j.metrics.Unassigned.WithLabelValues(string(chain)).Inc()
		j.logger.Warn("unassigned transfer",
			zap.String("chain", string(chain)),
			zap.String("txHash", transfer.TxHash),
			zap.String("from", transfer.From),
			zap.String("to", transfer.To),
			zap.String("asset", transfer.Asset),
			zap.String("amount", transfer.Amount().String()))
		return outcomeUnassigned, nil
	}

	processed, err := j.ledger.Processed().IsProcessed(ctx, transfer.TxHash)
	if err != nil {
		return 0, err
	}
	if processed {
		return outcomeDuplicate, nil
	}

	usdValue, err := j.usdValue(ctx, transfer)
	if err != nil {
		return 0, err
	}
	if usdValue.LessThan(j.cfg.MinDepositUSD) {
		j.logger.Debug("ignoring dust transfer",
			zap.String("txHash", transfer.TxHash),
			zap.String("usdValue", usdValue.String()))
		return outcomeDust, nil
	}

	credit := creditRequest{
		UserID:   userID,
		Chain:    chain,
		Transfer: transfer,
		USDValue: usdValue,
	}
	if transfer.Synthetic {
		// the balance-diff baseline moves in the same transaction as the credit
		credit.WalletID = wallet.ID
		credit.Checkpoint = &cp
	}
	return j.credit(ctx, credit)
}

// skipInternal marks a transfer from one of the service's own wallets as
// processed without crediting anyone.
func (j *ReconcileJob) skipInternal(ctx context.Context, chain types.ChainID, transfer adapter.Transfer) (outcome, error) {
	if err := j.ledger.Processed().MarkProcessed(ctx, transfer.TxHash, nil); err != nil && !apperrors.IsDuplicateKey(err) {
		return 0, err
	}
	j.logger.Info("ignoring transfer from internal wallet",
		zap.String("chain", string(chain)),
		zap.String("txHash", transfer.TxHash),
		zap.String("from", transfer.From),
		zap.String("asset", transfer.Asset),
		zap.String("amount", transfer.Amount().String()))
	return outcomeInternal, nil
}

func (j *ReconcileJob) resolveOwner(ctx context.Context, chain types.ChainID, wallet *models.DepositWallet, transfer adapter.Transfer) (string, error) {
	if wallet != nil && wallet.UserID != "" {
		return wallet.UserID, nil
	}
	if transfer.From == "" {
		return "", nil
	}
	return j.ledger.Wallets().FindOwnerByAddress(ctx, chain, transfer.From)
}

func (j *ReconcileJob) usdValue(ctx context.Context, transfer adapter.Transfer) (decimal.Decimal, error) {
	if transfer.USDAmount != nil {
		return *transfer.USDAmount, nil
	}
	price, err := j.prices.USDPrice(ctx, transfer.Asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to price %s: %w", transfer.Asset, err)
	}
	return transfer.Amount().Mul(price).Round(6), nil
}

type creditRequest struct {
	UserID     string
	Chain      types.ChainID
	Transfer   adapter.Transfer
	USDValue   decimal.Decimal
	WalletID   string
	Checkpoint *adapter.Checkpoint
}

// credit marks the hash, increments the balance and appends the history
// record in one transaction. Losing the race on the hash rolls everything
// back and counts as a duplicate.
func (j *ReconcileJob) credit(ctx context.Context, req creditRequest) (outcome, error) {
	t := req.Transfer
	record := &models.Transaction{
		UserID:   req.UserID,
		Type:     types.TxTypeDeposit,
		TxHash:   t.TxHash,
		Amount:   t.Amount(),
		Symbol:   t.Asset,
		USDValue: req.USDValue,
		Status:   types.StatusConfirmed,
		Network:  string(req.Chain),
	}
	if t.From != "" {
		from := t.From
		record.FromAddress = &from
	}
	if t.To != "" {
		to := t.To
		record.ToAddress = &to
	}
	if t.Synthetic {
		record.Amount = req.USDValue
	}

	duplicate := false
	err := retry.Do(ctx, j.cfg.Retry, func(ctx context.Context, attempt int) error {
		record.ID = ""
		err := j.ledger.InTx(ctx, func(tx storage.Ledger) error {
			userID := req.UserID
			if err := tx.Processed().MarkProcessed(ctx, t.TxHash, &userID); err != nil {
				if apperrors.IsDuplicateKey(err) {
					return errAlreadyCredited
				}
				return err
			}
			if err := tx.Users().Ensure(ctx, req.UserID); err != nil {
				return err
			}
			if _, err := tx.Balances().Increment(ctx, req.UserID, req.USDValue); err != nil {
				return err
			}
			if err := tx.Transactions().Create(ctx, record); err != nil {
				return err
			}
			if req.Checkpoint != nil {
				return tx.Wallets().UpdateCheckpoint(ctx, req.WalletID, req.Checkpoint.LastBlock, req.Checkpoint.ObservedBalance)
			}
			return nil
		})
		if errors.Is(err, errAlreadyCredited) {
			duplicate = true
			return nil
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	if duplicate {
		return outcomeDuplicate, nil
	}

	usd, _ := req.USDValue.Float64()
	j.metrics.DepositsCredited.WithLabelValues(string(req.Chain)).Inc()
	j.metrics.CreditedUSD.WithLabelValues(string(req.Chain)).Add(usd)
	j.logger.Info("deposit credited",
		zap.String("chain", string(req.Chain)),
		zap.String("userId", req.UserID),
		zap.String("txHash", t.TxHash),
		zap.String("asset", t.Asset),
		zap.String("amount", record.Amount.String()),
		zap.String("usdValue", req.USDValue.String()))
	return outcomeCredited, nil
}

// ManualDepositInput is an externally reported transfer, e.g. from a
// provider webhook or an operator
type ManualDepositInput struct {
	TxHash  string          `json:"txHash"`
	UserID  string          `json:"userId"`
	Chain   types.ChainID   `json:"chain"`
	Symbol  string          `json:"symbol"`
	Amount  decimal.Decimal `json:"amount"`
	From    string          `json:"from,omitempty"`
	Address string          `json:"address,omitempty"`
}

// ManualDepositResult reports what happened to a manual deposit
type ManualDepositResult struct {
	TxHash   string          `json:"txHash"`
	Credited bool            `json:"credited"`
	Reason   string          `json:"reason,omitempty"`
	USDValue decimal.Decimal `json:"usdValue"`
}

// ProcessManualDeposit credits one reported transfer through the same
// idempotency gate as the scanner. Without a hash a manual_ id is issued,
// which makes the call non-idempotent; callers that can retry must pass one.
// When UserID is empty the owner is resolved from Address, then From.
func (j *ReconcileJob) ProcessManualDeposit(ctx context.Context, input ManualDepositInput) (*ManualDepositResult, error) {
	if !input.Amount.IsPositive() {
		return nil, apperrors.NewValidationError("amount", "must be greater than zero")
	}
	symbol := strings.ToUpper(strings.TrimSpace(input.Symbol))
	if symbol == "" {
		return nil, apperrors.NewValidationError("symbol", "is required")
	}
	if input.Chain == "" {
		input.Chain = types.ChainBSC
	}
	txHash := strings.TrimSpace(input.TxHash)
	if txHash == "" {
		txHash = fmt.Sprintf("%s%d", types.ManualHashPrefix, time.Now().UnixNano())
	}

	userID := input.UserID
	if userID == "" && input.Address != "" {
		owner, err := j.ledger.Wallets().FindOwnerByAddress(ctx, input.Chain, input.Address)
		if err != nil {
			return nil, err
		}
		userID = owner
	}
	transfer := adapter.Transfer{
		TxHash: txHash,
		From:   input.From,
		To:     input.Address,
		Asset:  symbol,
	}
	transfer.RawAmount, transfer.Decimals = rawAmount(input.Amount)

	wallet := &models.DepositWallet{UserID: userID}
	o, err := j.processTransfer(ctx, input.Chain, wallet, transfer, adapter.Checkpoint{})
	if err != nil {
		return nil, err
	}

	result := &ManualDepositResult{TxHash: txHash}
	switch o {
	case outcomeCredited:
		result.Credited = true
	case outcomeDuplicate:
		result.Reason = "already_processed"
	case outcomeDust:
		result.Reason = "below_minimum"
	case outcomeInternal:
		result.Reason = "internal_transfer"
	case outcomeUnassigned:
		return nil, apperrors.NewNotFoundError("deposit owner", input.Address)
	}
	if value, err := j.usdValue(ctx, transfer); err == nil {
		result.USDValue = value
	}
	return result, nil
}

// rawAmount expresses a decimal as an integer and exponent for a Transfer
func rawAmount(amount decimal.Decimal) (*big.Int, int32) {
	exp := amount.Exponent()
	if exp >= 0 {
		return amount.BigInt(), 0
	}
	return amount.Coefficient(), -exp
}

func (j *ReconcileJob) observe(jobName string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	j.metrics.Runs.WithLabelValues(jobName, status).Inc()
	j.metrics.Duration.WithLabelValues(jobName).Observe(time.Since(start).Seconds())
}
