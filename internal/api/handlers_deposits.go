package api

import (
	"context"
	"net/http"
	"time"

	"github.com/deposit-custody/internal/job"
	"github.com/deposit-custody/internal/logging"
	"github.com/shopspring/decimal"
)

// ProcessDepositRequest reports a transfer observed outside the scanner.
// When userId is empty the owner is resolved from address, then from.
type ProcessDepositRequest struct {
	TxHash  string          `json:"txHash"`
	UserID  string          `json:"userId,omitempty"`
	Chain   string          `json:"chain,omitempty"`
	Symbol  string          `json:"symbol"`
	Amount  decimal.Decimal `json:"amount"`
	From    string          `json:"from,omitempty"`
	Address string          `json:"address,omitempty"`
}

// handleTriggerReconciliation runs one reconciliation pass synchronously.
// POST /api/deposits/check
func (s *Server) handleTriggerReconciliation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.JobTimeout)
	defer cancel()

	start := time.Now()
	result, err := s.deps.Reconciler.Run(ctx)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"newDeposits": result.NewDeposits,
		"processed":   result.ProcessedCount,
		"durationMs":  time.Since(start).Milliseconds(),
	}).Info("manual reconciliation finished")
	respondJSON(w, http.StatusOK, result)
}

// handleProcessDeposit credits one reported deposit through the
// idempotency gate.
// POST /api/deposits/process
func (s *Server) handleProcessDeposit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Reconciliation is not configured", nil)
		return
	}
	var req ProcessDepositRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.deps.Reconciler.ProcessManualDeposit(r.Context(), job.ManualDepositInput{
		TxHash:  req.TxHash,
		UserID:  req.UserID,
		Chain:   chain,
		Symbol:  req.Symbol,
		Amount:  req.Amount,
		From:    req.From,
		Address: req.Address,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleTriggerSweep runs one sweep pass synchronously.
// POST /api/deposits/sweep
func (s *Server) handleTriggerSweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Sweeping is not configured", nil)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.config.JobTimeout)
	defer cancel()

	result, err := s.deps.Sweeper.Run(ctx)
	if err != nil && result == nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
