// Package storagetest provides an in-memory storage.Ledger for service and
// job tests. It mirrors the Postgres semantics the callers depend on: atomic
// increments, guarded debits, hash uniqueness and transactional rollback.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type state struct {
	users        map[string]time.Time
	balances     map[string]decimal.Decimal
	processed    map[string]*string
	transactions []*models.Transaction
	wallets      []*models.DepositWallet
}

func newState() *state {
	return &state{
		users:     make(map[string]time.Time),
		balances:  make(map[string]decimal.Decimal),
		processed: make(map[string]*string),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.balances {
		out.balances[k] = v
	}
	for k, v := range s.processed {
		out.processed[k] = v
	}
	for _, tx := range s.transactions {
		c := *tx
		out.transactions = append(out.transactions, &c)
	}
	for _, w := range s.wallets {
		c := *w
		out.wallets = append(out.wallets, &c)
	}
	return out
}

// MemoryLedger is a storage.Ledger held in process memory.
type MemoryLedger struct {
	mu   *sync.Mutex
	root *MemoryLedger
	st   *state
	inTx bool

	// failures maps an operation name ("Balances.Increment") to the error it
	// returns instead of running.
	failures map[string]error
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	l := &MemoryLedger{mu: &sync.Mutex{}, st: newState(), failures: make(map[string]error)}
	l.root = l
	return l
}

// FailOn makes op return err until cleared with a nil err.
func (l *MemoryLedger) FailOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.root.failures, op)
		return
	}
	l.root.failures[op] = err
}

func (l *MemoryLedger) lock(op string) (unlock func(), err error) {
	unlock = func() {}
	if !l.inTx {
		l.mu.Lock()
		unlock = l.mu.Unlock
	}
	if failure, ok := l.root.failures[op]; ok {
		unlock()
		return func() {}, failure
	}
	return unlock, nil
}

func (l *MemoryLedger) Users() storage.UserStore               { return userStore{l} }
func (l *MemoryLedger) Balances() storage.BalanceStore         { return balanceStore{l} }
func (l *MemoryLedger) Processed() storage.ProcessedStore      { return processedStore{l} }
func (l *MemoryLedger) Transactions() storage.TransactionStore { return transactionStore{l} }
func (l *MemoryLedger) Wallets() storage.WalletStore           { return walletStore{l} }

// InTx runs fn on a copy of the state and keeps the copy only if fn succeeds.
func (l *MemoryLedger) InTx(ctx context.Context, fn func(tx storage.Ledger) error) error {
	if l.inTx {
		return fn(l)
	}
	unlock, err := l.lock("InTx")
	if err != nil {
		return err
	}
	defer unlock()

	tx := &MemoryLedger{mu: l.mu, root: l.root, st: l.st.clone(), inTx: true}
	if err := fn(tx); err != nil {
		return err
	}
	l.st = tx.st
	return nil
}

// Balance returns the stored balance without creating a row
func (l *MemoryLedger) Balance(userID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.balances[userID]
}

// AllTransactions returns a copy of every record, oldest first
func (l *MemoryLedger) AllTransactions() []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Transaction, 0, len(l.st.transactions))
	for _, tx := range l.st.transactions {
		out = append(out, *tx)
	}
	return out
}

// Wallet returns a copy of the wallet with the given id
func (l *MemoryLedger) Wallet(id string) (models.DepositWallet, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.st.wallets {
		if w.ID == id {
			return *w, true
		}
	}
	return models.DepositWallet{}, false
}

// AddWallet stores w as given, bypassing primary bookkeeping
func (l *MemoryLedger) AddWallet(w models.DepositWallet) *models.DepositWallet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Purpose == "" {
		w.Purpose = types.PurposeDeposit
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC().Add(time.Duration(len(l.st.wallets)) * time.Millisecond)
	}
	w.IsActive = true
	stored := w
	l.st.wallets = append(l.st.wallets, &stored)
	c := stored
	return &c
}

type userStore struct{ l *MemoryLedger }

func (s userStore) Ensure(ctx context.Context, userID string) error {
	unlock, err := s.l.lock("Users.Ensure")
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.l.st.users[userID]; !ok {
		s.l.st.users[userID] = time.Now().UTC()
	}
	return nil
}

type balanceStore struct{ l *MemoryLedger }

func (s balanceStore) Get(ctx context.Context, userID string) (decimal.Decimal, error) {
	unlock, err := s.l.lock("Balances.Get")
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()
	if _, ok := s.l.st.balances[userID]; !ok {
		s.l.st.balances[userID] = decimal.Zero
	}
	return s.l.st.balances[userID], nil
}

func (s balanceStore) Increment(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	unlock, err := s.l.lock("Balances.Increment")
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()
	next := s.l.st.balances[userID].Add(delta)
	if next.IsNegative() {
		return decimal.Zero, apperrors.NewInsufficientBalanceError()
	}
	s.l.st.balances[userID] = next
	return next, nil
}

func (s balanceStore) Debit(ctx context.Context, userID string, amount decimal.Decimal) (decimal.Decimal, error) {
	unlock, err := s.l.lock("Balances.Debit")
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()
	current, ok := s.l.st.balances[userID]
	if !ok || current.LessThan(amount) {
		return decimal.Zero, apperrors.NewInsufficientBalanceError()
	}
	next := current.Sub(amount)
	s.l.st.balances[userID] = next
	return next, nil
}

func (s balanceStore) Set(ctx context.Context, userID string, value decimal.Decimal) (decimal.Decimal, error) {
	unlock, err := s.l.lock("Balances.Set")
	if err != nil {
		return decimal.Zero, err
	}
	defer unlock()
	prev := s.l.st.balances[userID]
	s.l.st.balances[userID] = value
	return prev, nil
}

type processedStore struct{ l *MemoryLedger }

func (s processedStore) IsProcessed(ctx context.Context, txHash string) (bool, error) {
	unlock, err := s.l.lock("Processed.IsProcessed")
	if err != nil {
		return false, err
	}
	defer unlock()
	_, ok := s.l.st.processed[strings.ToLower(txHash)]
	return ok, nil
}

func (s processedStore) MarkProcessed(ctx context.Context, txHash string, userID *string) error {
	unlock, err := s.l.lock("Processed.MarkProcessed")
	if err != nil {
		return err
	}
	defer unlock()
	hash := strings.ToLower(txHash)
	if _, ok := s.l.st.processed[hash]; ok {
		return fmt.Errorf("tx %s: %w", hash, apperrors.ErrDuplicateKey)
	}
	s.l.st.processed[hash] = userID
	return nil
}

type transactionStore struct{ l *MemoryLedger }

func (s transactionStore) Create(ctx context.Context, tx *models.Transaction) error {
	unlock, err := s.l.lock("Transactions.Create")
	if err != nil {
		return err
	}
	defer unlock()
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == types.StatusConfirmed && tx.ConfirmedAt == nil {
		at := tx.CreatedAt
		tx.ConfirmedAt = &at
	}
	c := *tx
	s.l.st.transactions = append(s.l.st.transactions, &c)
	return nil
}

func (s transactionStore) ListByUser(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error) {
	unlock, err := s.l.lock("Transactions.ListByUser")
	if err != nil {
		return nil, err
	}
	defer unlock()
	filter.Normalize()

	var matched []*models.Transaction
	for i := len(s.l.st.transactions) - 1; i >= 0; i-- {
		tx := s.l.st.transactions[i]
		if tx.UserID != userID {
			continue
		}
		if filter.Type != nil && tx.Type != *filter.Type {
			continue
		}
		if filter.Network != nil && tx.Network != *filter.Network {
			continue
		}
		c := *tx
		matched = append(matched, &c)
	}
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

type walletStore struct{ l *MemoryLedger }

func (s walletStore) find(userID, walletID string) *models.DepositWallet {
	for _, w := range s.l.st.wallets {
		if w.ID == walletID && w.UserID == userID {
			return w
		}
	}
	return nil
}

func (s walletStore) GetPrimary(ctx context.Context, userID string, chain types.ChainID, purpose types.WalletPurpose) (*models.DepositWallet, error) {
	unlock, err := s.l.lock("Wallets.GetPrimary")
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, w := range s.l.st.wallets {
		if w.UserID == userID && w.Chain == chain && w.Purpose == purpose && w.IsPrimary && w.IsActive {
			c := *w
			return &c, nil
		}
	}
	return nil, nil
}

func (s walletStore) GetByID(ctx context.Context, userID, walletID string) (*models.DepositWallet, error) {
	unlock, err := s.l.lock("Wallets.GetByID")
	if err != nil {
		return nil, err
	}
	defer unlock()
	w := s.find(userID, walletID)
	if w == nil {
		return nil, apperrors.NewNotFoundError("wallet", walletID)
	}
	c := *w
	return &c, nil
}

func (s walletStore) ListByUser(ctx context.Context, userID string) ([]*models.DepositWallet, error) {
	unlock, err := s.l.lock("Wallets.ListByUser")
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := s.filter(func(w *models.DepositWallet) bool { return w.UserID == userID && w.IsActive })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s walletStore) ListActiveByChain(ctx context.Context, chain types.ChainID) ([]*models.DepositWallet, error) {
	unlock, err := s.l.lock("Wallets.ListActiveByChain")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.filter(func(w *models.DepositWallet) bool { return w.Chain == chain && w.IsActive }), nil
}

func (s walletStore) ListCustodial(ctx context.Context) ([]*models.DepositWallet, error) {
	unlock, err := s.l.lock("Wallets.ListCustodial")
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.filter(func(w *models.DepositWallet) bool { return w.IsActive && w.EncryptedPrivateKey != nil }), nil
}

func (s walletStore) filter(keep func(*models.DepositWallet) bool) []*models.DepositWallet {
	var out []*models.DepositWallet
	for _, w := range s.l.st.wallets {
		if keep(w) {
			c := *w
			out = append(out, &c)
		}
	}
	return out
}

func (s walletStore) FindOwnerByAddress(ctx context.Context, chain types.ChainID, address string) (string, error) {
	unlock, err := s.l.lock("Wallets.FindOwnerByAddress")
	if err != nil {
		return "", err
	}
	defer unlock()
	owner := ""
	for _, w := range s.l.st.wallets {
		if w.Chain == chain && w.IsActive && strings.EqualFold(w.Address, address) {
			if owner == "" || w.IsPrimary {
				owner = w.UserID
			}
		}
	}
	return owner, nil
}

func (s walletStore) ExistsForUser(ctx context.Context, userID string, chain types.ChainID, address string) (bool, error) {
	unlock, err := s.l.lock("Wallets.ExistsForUser")
	if err != nil {
		return false, err
	}
	defer unlock()
	for _, w := range s.l.st.wallets {
		if w.UserID == userID && w.Chain == chain && w.IsActive && strings.EqualFold(w.Address, address) {
			return true, nil
		}
	}
	return false, nil
}

func (s walletStore) CreatePrimary(ctx context.Context, w *models.DepositWallet) error {
	unlock, err := s.l.lock("Wallets.CreatePrimary")
	if err != nil {
		return err
	}
	defer unlock()
	prepare(w)
	if s.duplicate(w) {
		return apperrors.NewConflictError("wallet already registered")
	}
	s.demote(w.UserID, w.Chain, w.Purpose)
	w.IsPrimary = true
	c := *w
	s.l.st.wallets = append(s.l.st.wallets, &c)
	return nil
}

func (s walletStore) Create(ctx context.Context, w *models.DepositWallet) error {
	unlock, err := s.l.lock("Wallets.Create")
	if err != nil {
		return err
	}
	defer unlock()
	prepare(w)
	if s.duplicate(w) {
		return apperrors.NewConflictError("wallet already registered")
	}
	c := *w
	s.l.st.wallets = append(s.l.st.wallets, &c)
	return nil
}

func (s walletStore) duplicate(w *models.DepositWallet) bool {
	for _, existing := range s.l.st.wallets {
		if existing.UserID == w.UserID && existing.Chain == w.Chain && existing.IsActive &&
			strings.EqualFold(existing.Address, w.Address) {
			return true
		}
	}
	return false
}

func (s walletStore) demote(userID string, chain types.ChainID, purpose types.WalletPurpose) {
	for _, existing := range s.l.st.wallets {
		if existing.UserID == userID && existing.Chain == chain && existing.Purpose == purpose {
			existing.IsPrimary = false
		}
	}
}

func (s walletStore) SetPrimary(ctx context.Context, userID, walletID string) error {
	unlock, err := s.l.lock("Wallets.SetPrimary")
	if err != nil {
		return err
	}
	defer unlock()
	w := s.find(userID, walletID)
	if w == nil || !w.IsActive {
		return apperrors.NewNotFoundError("wallet", walletID)
	}
	s.demote(userID, w.Chain, w.Purpose)
	w.IsPrimary = true
	return nil
}

func (s walletStore) Deactivate(ctx context.Context, userID, walletID string) error {
	unlock, err := s.l.lock("Wallets.Deactivate")
	if err != nil {
		return err
	}
	defer unlock()
	w := s.find(userID, walletID)
	if w == nil || !w.IsActive {
		return apperrors.NewNotFoundError("wallet", walletID)
	}
	wasPrimary := w.IsPrimary
	w.IsActive = false
	w.IsPrimary = false
	if !wasPrimary {
		return nil
	}

	var newest *models.DepositWallet
	for _, other := range s.l.st.wallets {
		if other.UserID == userID && other.Chain == w.Chain && other.Purpose == w.Purpose && other.IsActive {
			if newest == nil || other.CreatedAt.After(newest.CreatedAt) {
				newest = other
			}
		}
	}
	if newest != nil {
		newest.IsPrimary = true
	}
	return nil
}

func (s walletStore) UpdateCheckpoint(ctx context.Context, walletID string, lastBlock uint64, observed decimal.Decimal) error {
	unlock, err := s.l.lock("Wallets.UpdateCheckpoint")
	if err != nil {
		return err
	}
	defer unlock()
	for _, w := range s.l.st.wallets {
		if w.ID == walletID {
			w.LastScannedBlock = lastBlock
			w.ObservedBalance = observed
			return nil
		}
	}
	return errors.New("wallet not found")
}

func (s walletStore) ReduceObservedBalance(ctx context.Context, walletID string, amount decimal.Decimal) error {
	unlock, err := s.l.lock("Wallets.ReduceObservedBalance")
	if err != nil {
		return err
	}
	defer unlock()
	for _, w := range s.l.st.wallets {
		if w.ID == walletID {
			w.ObservedBalance = decimal.Max(w.ObservedBalance.Sub(amount), decimal.Zero)
			return nil
		}
	}
	return errors.New("wallet not found")
}

func prepare(w *models.DepositWallet) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Purpose == "" {
		w.Purpose = types.PurposeDeposit
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.IsActive = true
}

var _ storage.Ledger = (*MemoryLedger)(nil)
