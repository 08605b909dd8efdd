package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultScanWindow is the number of recent blocks inspected per scan
const DefaultScanWindow uint64 = 20

var evmChainIDs = map[types.ChainID]int64{
	types.ChainEthereum: 1,
	types.ChainBSC:      56,
}

// EVMClient is the subset of ethclient.Client the adapter needs
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*ethtypes.Block, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	Close()
}

// DialFunc opens a client for an endpoint URL
type DialFunc func(ctx context.Context, url string) (EVMClient, error)

// DialEthclient dials a real go-ethereum client
func DialEthclient(ctx context.Context, url string) (EVMClient, error) {
	return ethclient.DialContext(ctx, url)
}

// EVMAdapterConfig holds configuration for creating an EVMAdapter
type EVMAdapterConfig struct {
	// Chain is the chain identifier. Required.
	Chain types.ChainID

	// Provider holds the primary/secondary endpoints. Required.
	Provider *RPCProvider

	// Dial opens clients. Defaults to DialEthclient.
	Dial DialFunc

	// ScanWindow is the block depth inspected per scan. Default: DefaultScanWindow
	ScanWindow uint64

	// RequestTimeout bounds every RPC call. Default: 15s
	RequestTimeout time.Duration
}

// EVMAdapter scans Ethereum-style chains for native and allow-listed token
// transfers and signs outgoing sweep transfers.
type EVMAdapter struct {
	chain    types.ChainID
	chainID  *big.Int
	provider *RPCProvider
	dial     DialFunc
	breaker  *gobreaker.CircuitBreaker
	window   uint64
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	client EVMClient
}

// NewEVMAdapter creates an adapter. The client is dialed lazily on first use.
func NewEVMAdapter(cfg EVMAdapterConfig, logger *zap.Logger) (*EVMAdapter, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider cannot be nil")
	}
	numericID, ok := evmChainIDs[cfg.Chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, cfg.Chain)
	}
	if cfg.Dial == nil {
		cfg.Dial = DialEthclient
	}
	if cfg.ScanWindow == 0 {
		cfg.ScanWindow = DefaultScanWindow
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	logger = logger.With(zap.String("chain", string(cfg.Chain)))

	return &EVMAdapter{
		chain:    cfg.Chain,
		chainID:  big.NewInt(numericID),
		provider: cfg.Provider,
		dial:     cfg.Dial,
		breaker:  newBreaker("rpc-"+string(cfg.Chain), logger),
		window:   cfg.ScanWindow,
		timeout:  cfg.RequestTimeout,
		logger:   logger,
	}, nil
}

// Chain returns the chain identifier
func (a *EVMAdapter) Chain() types.ChainID {
	return a.chain
}

// Strategy returns StrategyLogScan
func (a *EVMAdapter) Strategy() types.ScanStrategy {
	return a.chain.Strategy()
}

// ValidateAddress checks if address format is valid for EVM chains
func (a *EVMAdapter) ValidateAddress(address string) bool {
	return ValidateAddress(a.chain, address)
}

// Health returns the provider health snapshot including the breaker state
func (a *EVMAdapter) Health() ProviderHealth {
	health := a.provider.Health()
	health.BreakerState = a.breaker.State().String()
	return health
}

// Close closes the current client connection
func (a *EVMAdapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		a.client.Close()
		a.client = nil
	}
}

// ListIncomingTransfers scans [max(checkpoint+1, head-window+1), head].
func (a *EVMAdapter) ListIncomingTransfers(ctx context.Context, watched WatchedAddress) (*ScanResult, error) {
	if !a.ValidateAddress(watched.Address) {
		return nil, apperrors.NewInvalidAddressError(watched.Address)
	}
	target := common.HexToAddress(watched.Address)
	result := &ScanResult{Checkpoint: watched.Checkpoint}

	head, err := callEVM(ctx, a, "BlockNumber", func(ctx context.Context, c EVMClient) (uint64, error) {
		return c.BlockNumber(ctx)
	})
	if err != nil {
		if IsRateLimited(err) {
			a.logger.Warn("rate limited before scan started", zap.String("address", watched.Address))
			result.Partial = true
			return result, nil
		}
		return nil, err
	}

	from := scanStart(head, a.window, watched.Checkpoint.LastBlock)
	if from > head {
		return result, nil
	}

	tokenTransfers, err := a.tokenTransfers(ctx, target, from, head)
	if err != nil {
		if IsRateLimited(err) {
			a.logger.Warn("rate limited while fetching transfer logs",
				zap.String("address", watched.Address),
				zap.Uint64("fromBlock", from),
				zap.Uint64("toBlock", head))
			result.Partial = true
			return result, nil
		}
		return nil, err
	}

	lastFull := head
	var candidates []Transfer
	for n := from; n <= head; n++ {
		block, err := callEVM(ctx, a, "BlockByNumber", func(ctx context.Context, c EVMClient) (*ethtypes.Block, error) {
			return c.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		})
		if err != nil {
			if !IsRateLimited(err) {
				return nil, err
			}
			a.logger.Warn("rate limited during block scan, returning partial results",
				zap.String("address", watched.Address),
				zap.Uint64("block", n))
			result.Partial = true
			lastFull = n - 1
			break
		}
		candidates = append(candidates, a.nativeTransfers(block, target)...)
	}
	for _, t := range tokenTransfers {
		if t.BlockOrSeq <= lastFull {
			candidates = append(candidates, t)
		}
	}
	slices.SortStableFunc(candidates, func(x, y Transfer) int {
		switch {
		case x.BlockOrSeq < y.BlockOrSeq:
			return -1
		case x.BlockOrSeq > y.BlockOrSeq:
			return 1
		}
		return 0
	})

	for _, cand := range candidates {
		if cand.BlockOrSeq > lastFull {
			break
		}
		receipt, err := a.receipt(ctx, cand.TxHash)
		if err != nil || receipt == nil {
			// Stop before this block so the next run re-examines it
			a.logger.Warn("receipt unavailable, returning partial results",
				zap.String("txHash", cand.TxHash),
				zap.Uint64("block", cand.BlockOrSeq),
				zap.Error(err))
			result.Partial = true
			lastFull = cand.BlockOrSeq - 1
			break
		}
		if receipt.Status != ethtypes.ReceiptStatusSuccessful {
			a.logger.Debug("skipping reverted transfer", zap.String("txHash", cand.TxHash))
			continue
		}
		result.Transfers = append(result.Transfers, cand)
	}

	if lastFull > watched.Checkpoint.LastBlock {
		result.Checkpoint.LastBlock = lastFull
	}
	return result, nil
}

// scanStart returns the first block to inspect
func scanStart(head, window, checkpoint uint64) uint64 {
	var from uint64
	if head+1 > window {
		from = head + 1 - window
	}
	if checkpoint+1 > from {
		from = checkpoint + 1
	}
	return from
}

// nativeTransfers returns value transfers whose recipient is target
func (a *EVMAdapter) nativeTransfers(block *ethtypes.Block, target common.Address) []Transfer {
	native, _ := Native(a.chain)
	var transfers []Transfer
	for _, tx := range block.Transactions() {
		if tx.To() == nil || *tx.To() != target {
			continue
		}
		if tx.Value() == nil || tx.Value().Sign() <= 0 {
			continue
		}

		from := ""
		chainID := tx.ChainId()
		if chainID == nil || chainID.Sign() == 0 {
			chainID = a.chainID
		}
		if sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx); err == nil {
			from = sender.Hex()
		}

		transfers = append(transfers, Transfer{
			TxHash:     tx.Hash().Hex(),
			From:       from,
			To:         target.Hex(),
			Asset:      native.Symbol,
			RawAmount:  new(big.Int).Set(tx.Value()),
			Decimals:   native.Decimals,
			BlockOrSeq: block.NumberU64(),
		})
	}
	return transfers
}

// tokenTransfers queries Transfer logs of allow-listed contracts with topics[2] == target
func (a *EVMAdapter) tokenTransfers(ctx context.Context, target common.Address, from, to uint64) ([]Transfer, error) {
	tokens := TokensFor(a.chain)
	if len(tokens) == 0 {
		return nil, nil
	}
	contracts := make([]common.Address, 0, len(tokens))
	for _, token := range tokens {
		contracts = append(contracts, common.HexToAddress(token.Contract))
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: contracts,
		Topics: [][]common.Hash{
			{common.HexToHash(TransferEventTopic)},
			nil,
			{common.BytesToHash(target.Bytes())},
		},
	}

	logs, err := callEVM(ctx, a, "FilterLogs", func(ctx context.Context, c EVMClient) ([]ethtypes.Log, error) {
		return c.FilterLogs(ctx, query)
	})
	if err != nil {
		return nil, err
	}

	transferTopic := common.HexToHash(TransferEventTopic)
	var transfers []Transfer
	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 3 || entry.Topics[0] != transferTopic {
			continue
		}
		token, ok := LookupToken(a.chain, entry.Address.Hex())
		if !ok {
			continue
		}
		if common.BytesToAddress(entry.Topics[2].Bytes()) != target {
			continue
		}
		value := new(big.Int).SetBytes(entry.Data)
		if value.Sign() == 0 {
			continue
		}

		transfers = append(transfers, Transfer{
			TxHash:     entry.TxHash.Hex(),
			From:       common.BytesToAddress(entry.Topics[1].Bytes()).Hex(),
			To:         target.Hex(),
			Asset:      token.Symbol,
			Contract:   token.Contract,
			RawAmount:  value,
			Decimals:   token.Decimals,
			BlockOrSeq: entry.BlockNumber,
		})
	}
	return transfers, nil
}

// receipt fetches a transaction receipt. A receipt the node does not have
// yet comes back nil without an error.
func (a *EVMAdapter) receipt(ctx context.Context, txHash string) (*ethtypes.Receipt, error) {
	return callEVM(ctx, a, "TransactionReceipt", func(ctx context.Context, c EVMClient) (*ethtypes.Receipt, error) {
		r, err := c.TransactionReceipt(ctx, common.HexToHash(txHash))
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
}

// currentClient returns the live client, dialing the current endpoint if needed
func (a *EVMAdapter) currentClient(ctx context.Context) (EVMClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	client, err := a.dial(ctx, a.provider.CurrentURL())
	if err != nil {
		return nil, err
	}
	a.client = client
	return client, nil
}

// failover switches endpoints and redials. In-flight calls keep the old client.
func (a *EVMAdapter) failover(ctx context.Context, op string, cause error) bool {
	url, err := a.provider.Failover()
	if err != nil {
		return false
	}
	client, err := a.dial(ctx, url)
	if err != nil {
		a.logger.Warn("failover dial failed", zap.String("op", op), zap.Error(err))
		return false
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.logger.Warn("switched RPC provider",
		zap.String("op", op),
		zap.String("url", redactURL(url)),
		zap.Error(cause))
	return true
}

// callEVM runs one RPC call under the timeout and circuit breaker, failing
// over once to the other endpoint on transient errors.
func callEVM[T any](ctx context.Context, a *EVMAdapter, op string, fn func(context.Context, EVMClient) (T, error)) (T, error) {
	return invokeEVM(ctx, a, op, true, fn)
}

// sendEVM runs a state-changing call. Its outcome may be unknown on error, so
// it is never repeated.
func sendEVM[T any](ctx context.Context, a *EVMAdapter, op string, fn func(context.Context, EVMClient) (T, error)) (T, error) {
	return invokeEVM(ctx, a, op, false, fn)
}

func invokeEVM[T any](ctx context.Context, a *EVMAdapter, op string, allowFailover bool, fn func(context.Context, EVMClient) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		client, err := a.currentClient(ctx)
		if err != nil {
			return zero, providerError(a.chain, op, err, nil)
		}

		callCtx, cancel := context.WithTimeout(ctx, a.timeout)
		out, err := a.breaker.Execute(func() (interface{}, error) {
			return fn(callCtx, client)
		})
		cancel()
		if err == nil {
			a.provider.RecordSuccess()
			return out.(T), nil
		}

		a.provider.RecordFailure()
		if allowFailover && attempt == 0 && ctx.Err() == nil && shouldFailover(err) && a.failover(ctx, op, err) {
			continue
		}
		return zero, providerError(a.chain, op, err, nil)
	}
}

// redactURL strips path and query, which often carry API keys
func redactURL(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		rest := url[i+3:]
		if j := strings.IndexAny(rest, "/?"); j >= 0 {
			rest = rest[:j]
		}
		return url[:i+3] + rest
	}
	return url
}
