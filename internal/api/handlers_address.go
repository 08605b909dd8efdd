package api

import (
	"net/http"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/service"
	"github.com/deposit-custody/internal/types"
	"github.com/gorilla/mux"
)

// BindWalletRequest represents the request body for binding a user address
type BindWalletRequest struct {
	Chain   string  `json:"chain"`
	Address string  `json:"address"`
	Label   *string `json:"label,omitempty"`
}

// parseChain resolves a chain name, defaulting to BSC when empty
func parseChain(raw string) (types.ChainID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return types.ChainBSC, nil
	}
	chain, ok := types.ParseChainID(strings.ToLower(raw))
	if !ok {
		return "", apperrors.NewValidationError("chain", "must be one of ethereum, bsc, tron")
	}
	return chain, nil
}

// handleGetDepositAddress returns the caller's deposit address on a chain,
// provisioning a custodial wallet on first use.
// GET /api/deposits/address?chain=bsc
func (s *Server) handleGetDepositAddress(w http.ResponseWriter, r *http.Request) {
	chain, err := parseChain(r.URL.Query().Get("chain"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	result, err := s.deps.Addresses.ProvisionDepositAddress(r.Context(), userIDFromContext(r.Context()), chain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	respondJSON(w, status, result)
}

// handleListWallets lists the caller's active wallets, primary first.
// GET /api/wallets
func (s *Server) handleListWallets(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.deps.Addresses.ListDepositWallets(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// handleBindWallet registers a user-controlled address.
// POST /api/wallets
func (s *Server) handleBindWallet(w http.ResponseWriter, r *http.Request) {
	var req BindWalletRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondInvalidBody(w, err)
		return
	}
	chain, err := parseChain(req.Chain)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	wallet, err := s.deps.Addresses.BindUserAddress(r.Context(), service.BindAddressInput{
		UserID:  userIDFromContext(r.Context()),
		Chain:   chain,
		Address: strings.TrimSpace(req.Address),
		Label:   req.Label,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, wallet)
}

// handleSetPrimaryWallet makes a wallet the primary for its chain and purpose.
// PUT /api/wallets/{id}/primary
func (s *Server) handleSetPrimaryWallet(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]
	if err := s.deps.Addresses.SetPrimaryWallet(r.Context(), userIDFromContext(r.Context()), walletID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":        walletID,
		"isPrimary": true,
	})
}

// handleDeactivateWallet removes a wallet; the newest remaining wallet
// becomes primary if needed.
// DELETE /api/wallets/{id}
func (s *Server) handleDeactivateWallet(w http.ResponseWriter, r *http.Request) {
	walletID := mux.Vars(r)["id"]
	if err := s.deps.Addresses.DeactivateWallet(r.Context(), userIDFromContext(r.Context()), walletID); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
