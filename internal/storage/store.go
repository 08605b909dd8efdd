package storage

import (
	"context"

	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// UserStore keeps user rows in step with external identities
type UserStore interface {
	Ensure(ctx context.Context, userID string) error
}

// BalanceStore mutates balances with single atomic statements
type BalanceStore interface {
	Get(ctx context.Context, userID string) (decimal.Decimal, error)
	Increment(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)
	Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error)
	Set(ctx context.Context, userID string, value decimal.Decimal) (decimal.Decimal, error)
}

// ProcessedStore is the idempotency gate for credited hashes
type ProcessedStore interface {
	IsProcessed(ctx context.Context, txHash string) (bool, error)
	MarkProcessed(ctx context.Context, txHash string, userID *string) error
}

// TransactionStore is the append-only ledger history
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) error
	ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error)
}

// WalletStore is the address registry
type WalletStore interface {
	GetPrimary(ctx context.Context, userID string, chain types.ChainID, purpose types.WalletPurpose) (*models.DepositWallet, error)
	GetByID(ctx context.Context, userID, walletID string) (*models.DepositWallet, error)
	ListByUser(ctx context.Context, userID string) ([]*models.DepositWallet, error)
	ListActiveByChain(ctx context.Context, chain types.ChainID) ([]*models.DepositWallet, error)
	ListCustodial(ctx context.Context) ([]*models.DepositWallet, error)
	FindOwnerByAddress(ctx context.Context, chain types.ChainID, address string) (string, error)
	ExistsForUser(ctx context.Context, userID string, chain types.ChainID, address string) (bool, error)
	CreatePrimary(ctx context.Context, w *models.DepositWallet) error
	Create(ctx context.Context, w *models.DepositWallet) error
	SetPrimary(ctx context.Context, userID, walletID string) error
	Deactivate(ctx context.Context, userID, walletID string) error
	UpdateCheckpoint(ctx context.Context, walletID string, lastBlock uint64, observed decimal.Decimal) error
	ReduceObservedBalance(ctx context.Context, walletID string, amount decimal.Decimal) error
}

// Ledger groups the five tables. InTx hands fn a Ledger whose writes commit
// together or not at all.
type Ledger interface {
	Users() UserStore
	Balances() BalanceStore
	Processed() ProcessedStore
	Transactions() TransactionStore
	Wallets() WalletStore
	InTx(ctx context.Context, fn func(tx Ledger) error) error
}

// Store is the Postgres Ledger over one connection pool or one transaction.
type Store struct {
	db DBTX

	users        *UserRepository
	balances     *BalanceRepository
	processed    *ProcessedRepository
	transactions *TransactionRepository
	wallets      *WalletRepository
}

// NewStore creates repositories sharing db
func NewStore(db DBTX) *Store {
	return &Store{
		db:           db,
		users:        NewUserRepository(db),
		balances:     NewBalanceRepository(db),
		processed:    NewProcessedRepository(db),
		transactions: NewTransactionRepository(db),
		wallets:      NewWalletRepository(db),
	}
}

func (s *Store) Users() UserStore               { return s.users }
func (s *Store) Balances() BalanceStore         { return s.balances }
func (s *Store) Processed() ProcessedStore      { return s.processed }
func (s *Store) Transactions() TransactionStore { return s.transactions }
func (s *Store) Wallets() WalletStore           { return s.wallets }

// InTx runs fn against repositories bound to a single transaction. Begin and
// commit failures are reported as LedgerUnavailable; errors from fn roll the
// transaction back and are returned unchanged.
func (s *Store) InTx(ctx context.Context, fn func(tx Ledger) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ledgerError("begin transaction", err)
	}
	if err := fn(NewStore(tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return ledgerError("commit transaction", err)
	}
	return nil
}

var (
	_ DBTX   = (pgx.Tx)(nil)
	_ Ledger = (*Store)(nil)
)
