package adapter

import (
	"context"
	"math/big"
	"sync"

	"github.com/deposit-custody/internal/config"
	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sweeper reads custodial wallet balances and moves funds out of them.
// Amounts are raw units of the asset.
type Sweeper interface {
	Chain() types.ChainID
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	TokenBalance(ctx context.Context, address string, token Token) (*big.Int, error)
	// TokenTransferFee is the native balance a wallet needs before a token transfer
	TokenTransferFee(ctx context.Context) (*big.Int, error)
	// NativeTransferFee is the native coin burned by one plain value transfer
	NativeTransferFee(ctx context.Context) (*big.Int, error)
	SendToken(ctx context.Context, privateKeyHex string, token Token, to string, amount *big.Int) (string, error)
	SendNative(ctx context.Context, privateKeyHex string, to string, amount *big.Int) (string, error)
}

// Confirmer reports whether a submitted transaction is final. Sweepers of
// balance-diff chains implement it so the scan baseline moves only after the
// swept funds have left the wallet.
type Confirmer interface {
	// Confirmed is false while the transaction is pending and returns
	// ErrTransactionFailed once it is mined unsuccessfully.
	Confirmed(ctx context.Context, txHash string) (bool, error)
}

type healthReporter interface {
	Health() ProviderHealth
}

// Registry holds the configured adapter and sweeper of each chain
type Registry struct {
	mu       sync.RWMutex
	adapters map[types.ChainID]ChainAdapter
	sweepers map[types.ChainID]Sweeper
	closers  []func()
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[types.ChainID]ChainAdapter),
		sweepers: make(map[types.ChainID]Sweeper),
	}
}

// Register adds a chain's adapter and optional sweeper
func (r *Registry) Register(adapter ChainAdapter, sweeper Sweeper) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Chain()] = adapter
	if sweeper != nil {
		r.sweepers[adapter.Chain()] = sweeper
	}
}

// Adapter returns the scanner of a chain
func (r *Registry) Adapter(chain types.ChainID) (ChainAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chain]
	return a, ok
}

// Sweeper returns the transfer client of a chain
func (r *Registry) Sweeper(chain types.ChainID) (Sweeper, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sweepers[chain]
	return s, ok
}

// Chains lists configured chains in SupportedChains order
func (r *Registry) Chains() []types.ChainID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var chains []types.ChainID
	for _, chain := range types.SupportedChains {
		if _, ok := r.adapters[chain]; ok {
			chains = append(chains, chain)
		}
	}
	return chains
}

// Health reports provider health of chains that track it
func (r *Registry) Health() map[types.ChainID]ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.ChainID]ProviderHealth)
	for chain, a := range r.adapters {
		if reporter, ok := a.(healthReporter); ok {
			out[chain] = reporter.Health()
		}
	}
	return out
}

// Close releases chain clients
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, closeFn := range r.closers {
		closeFn()
	}
	r.closers = nil
}

// BuildRegistry wires adapters from configuration. Chains without endpoints
// are skipped with a warning rather than failing startup.
func BuildRegistry(cfg *config.Config, prices PriceSource, logger *zap.Logger) (*Registry, error) {
	registry := NewRegistry()

	for _, name := range cfg.Chains.Enabled {
		chain, ok := types.ParseChainID(name)
		if !ok || !chain.IsEVM() {
			logger.Warn("ignoring unknown EVM chain", zap.String("chain", name))
			continue
		}
		chainCfg := cfg.Chains.Chains[name]
		if chainCfg.RPCPrimary == "" {
			logger.Warn("chain has no RPC endpoint configured, skipping", zap.String("chain", name))
			continue
		}

		provider, err := NewRPCProvider(chainCfg.RPCPrimary, chainCfg.RPCSecondary)
		if err != nil {
			return nil, err
		}
		evm, err := NewEVMAdapter(EVMAdapterConfig{
			Chain:          chain,
			Provider:       provider,
			ScanWindow:     chainCfg.ScanWindow,
			RequestTimeout: chainCfg.RequestTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(evm, evm)
		registry.closers = append(registry.closers, evm.Close)
		logger.Info("chain adapter configured",
			zap.String("chain", string(chain)),
			zap.String("strategy", string(evm.Strategy())),
			zap.Uint64("scanWindow", chainCfg.ScanWindow))
	}

	if cfg.Tron.Enabled {
		httpSource := NewTronGridSource(cfg.Tron.HTTPURL, cfg.Tron.APIKey, cfg.Tron.RequestTimeout, logger)
		sources := []BalanceSource{}

		var sweeper Sweeper
		node, err := DialTronNode(cfg.Tron.GRPCURL, cfg.Tron.APIKey, cfg.Tron.RequestTimeout)
		if err != nil {
			logger.Warn("TRON gRPC node unavailable, scanning over HTTP only and sweeping disabled", zap.Error(err))
		} else {
			feeReserve := decimal.NewFromFloat(cfg.Jobs.GasTopUpTRX).Shift(6).IntPart()
			client := NewTronClient(node, feeReserve, httpSource, logger)
			sources = append(sources, client)
			sweeper = client
			registry.closers = append(registry.closers, node.Stop)
		}
		sources = append(sources, httpSource)

		tron, err := NewTronAdapter(sources, prices, logger)
		if err != nil {
			return nil, err
		}
		registry.Register(tron, sweeper)
		logger.Info("chain adapter configured",
			zap.String("chain", string(types.ChainTron)),
			zap.String("strategy", string(tron.Strategy())),
			zap.Int("balanceSources", len(sources)))
	}

	return registry, nil
}
