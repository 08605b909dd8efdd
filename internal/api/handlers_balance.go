package api

import (
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/logging"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/service"
	"github.com/deposit-custody/internal/types"
	"github.com/shopspring/decimal"
)

// WithdrawRequest represents the request body for a withdrawal
type WithdrawRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Address string          `json:"address"`
	Chain   string          `json:"chain,omitempty"`
}

// SyncBalanceRequest sets a user's balance to an operator-verified value
type SyncBalanceRequest struct {
	UserID  string          `json:"userId"`
	Balance decimal.Decimal `json:"balance"`
	Chain   string          `json:"chain,omitempty"`
	Address string          `json:"address,omitempty"`
}

// TransactionsResponse is a page of ledger history
type TransactionsResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

// handleGetBalance returns the caller's USD balance.
// GET /api/balance
func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	balance, err := s.deps.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, service.BalanceView{UserID: userID, Balance: balance})
}

// handleSyncBalance overwrites a balance to correct drift against on-chain
// holdings. An increase is recorded as a sync_ deposit.
// POST /api/deposits/sync-balance
func (s *Server) handleSyncBalance(w http.ResponseWriter, r *http.Request) {
	var req SyncBalanceRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		respondServiceError(w, r, apperrors.NewValidationError("userId", "is required"))
		return
	}
	if err := s.deps.Ledger.SetBalance(r.Context(), userID, req.Balance, string(chain), req.Address); err != nil {
		respondServiceError(w, r, err)
		return
	}
	balance, err := s.deps.Ledger.GetBalance(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"userId":  userID,
		"balance": balance.String(),
		"network": string(chain),
	}).Warn("balance overwritten by operator")
	respondJSON(w, http.StatusOK, service.BalanceView{UserID: userID, Balance: balance})
}

// handleListTransactions returns the caller's history, newest first.
// GET /api/transactions?limit=50&offset=0&type=deposit&network=bsc
func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := models.TransactionFilter{}

	// Malformed paging values fall back to defaults
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		filter.Offset = offset
	}
	filter.Normalize()

	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		txType := types.TransactionType(strings.ToLower(raw))
		filter.Type = &txType
	}
	if raw := strings.TrimSpace(query.Get("network")); raw != "" {
		chain, ok := types.ParseChainID(strings.ToLower(raw))
		if !ok {
			respondServiceError(w, r, apperrors.NewValidationError("network", "must be one of ethereum, bsc, tron"))
			return
		}
		network := string(chain)
		filter.Network = &network
	}

	txs, err := s.deps.Ledger.ListTransactions(r.Context(), userIDFromContext(r.Context()), filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, TransactionsResponse{
		Transactions: txs,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
}

// handleWithdraw debits the caller and queues a pending withdrawal.
// POST /api/account/withdraw
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	record, err := s.deps.Ledger.Withdraw(r.Context(), service.WithdrawInput{
		UserID:      userIDFromContext(r.Context()),
		Chain:       chain,
		Destination: req.Address,
		Amount:      req.Amount,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}
