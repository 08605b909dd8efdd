// Package app wires configuration into the services, chain adapters and jobs
// shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"math/big"

	"github.com/deposit-custody/internal/adapter"
	"github.com/deposit-custody/internal/config"
	"github.com/deposit-custody/internal/job"
	"github.com/deposit-custody/internal/keycrypt"
	"github.com/deposit-custody/internal/pricing"
	"github.com/deposit-custody/internal/service"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// App holds the long-lived components of one process
type App struct {
	Config *config.Config

	DB       *storage.PostgresDB
	Cache    *storage.RedisCache
	Registry *adapter.Registry
	Metrics  *prometheus.Registry

	Ledger     *service.LedgerService
	Addresses  *service.AddressService
	Reconciler *job.ReconcileJob
	Sweeper    *job.SweepJob

	logger *zap.Logger
}

// New connects to Postgres and Redis and builds every component. The caller
// must Close the returned App.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cipher, err := keycrypt.NewCipher(cfg.Custody.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}

	a := &App{Config: cfg, logger: logger}

	a.DB, err = storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.Cache, err = storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	logger.Info("database connections established")

	prices := pricing.NewService(pricing.DefaultPrices(), a.Cache, cfg.Jobs.PriceCacheTTL, logger)

	a.Registry, err = adapter.BuildRegistry(cfg, prices, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("chain adapters: %w", err)
	}
	if len(a.Registry.Chains()) == 0 {
		logger.Warn("no chain adapters configured, reconciliation and sweeping are idle")
	}

	masters, err := MasterWallets(cfg, a.Registry.Chains())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Metrics = prometheus.NewRegistry()
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := job.NewMetrics(a.Metrics)

	ledger := storage.NewStore(a.DB.Pool())
	a.Ledger = service.NewLedgerService(ledger, decimal.NewFromFloat(cfg.Jobs.MinWithdrawalUSD))
	a.Addresses = service.NewAddressService(ledger, cipher)
	a.Reconciler = job.NewReconcileJob(ledger, a.Registry, prices, metrics, job.ReconcileConfig{
		MinDepositUSD:   decimal.NewFromFloat(cfg.Jobs.MinDepositUSD),
		InternalSenders: InternalSenders(masters),
	}, logger)
	a.Sweeper = job.NewSweepJob(ledger, a.Registry, cipher, a.Cache, prices, metrics, job.SweepConfig{
		Masters:          masters,
		DustUSD:          decimal.NewFromFloat(cfg.Jobs.SweepDustUSD),
		FundingMarkerTTL: cfg.Jobs.FundingMarkerTTL,
		Backoff:          cfg.Jobs.SweepBackoff,
		ConfirmTimeout:   cfg.Jobs.SweepConfirmWait,
	}, logger)

	return a, nil
}

// MasterWallets derives the consolidation wallet of each chain from the
// configured master keys. Chains without a key are left out; the sweep job
// skips their wallets.
func MasterWallets(cfg *config.Config, chains []types.ChainID) (map[types.ChainID]job.MasterWallet, error) {
	evmTopUp, err := decimal.NewFromString(cfg.Jobs.GasTopUpEVM)
	if err != nil {
		return nil, fmt.Errorf("GAS_TOPUP_EVM: %w", err)
	}

	masters := make(map[types.ChainID]job.MasterWallet)
	for _, chain := range chains {
		var (
			key   string
			topUp *big.Int
		)
		if chain.IsEVM() {
			key = cfg.Custody.MasterPrivateKeyEVM
			topUp = evmTopUp.Shift(18).BigInt()
		} else {
			key = cfg.Custody.MasterPrivateKeyTron
			topUp = decimal.NewFromFloat(cfg.Jobs.GasTopUpTRX).Shift(6).BigInt()
		}
		if key == "" {
			continue
		}
		address, err := adapter.AddressFromPrivateKey(chain, key)
		if err != nil {
			return nil, fmt.Errorf("master key for %s: %w", chain, err)
		}
		masters[chain] = job.MasterWallet{Address: address, PrivateKeyHex: key, GasTopUp: topUp}
	}
	return masters, nil
}

// InternalSenders lists the master wallet of each chain as an address whose
// transfers into deposit wallets are gas top-ups, not deposits.
func InternalSenders(masters map[types.ChainID]job.MasterWallet) map[types.ChainID][]string {
	senders := make(map[types.ChainID][]string, len(masters))
	for chain, master := range masters {
		senders[chain] = []string{master.Address}
	}
	return senders
}

// PingPostgres checks the Postgres connection
func (a *App) PingPostgres(ctx context.Context) error {
	return a.DB.Ping(ctx)
}

// PingRedis checks the Redis connection
func (a *App) PingRedis(ctx context.Context) error {
	return a.Cache.Ping(ctx)
}

// Close releases connections in reverse order of creation
func (a *App) Close() {
	if a.Registry != nil {
		a.Registry.Close()
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
