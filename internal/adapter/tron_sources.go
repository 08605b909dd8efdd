package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/deposit-custody/internal/types"
	"go.uber.org/zap"
)

// BalanceSource reads a token balance of an address in raw units.
// Sources are tried in order; the first success wins.
type BalanceSource interface {
	Name() string
	TokenBalance(ctx context.Context, owner string, token Token) (*big.Int, error)
}

// TronGridSource reads TRC20 balances from the TronGrid account endpoint
type TronGridSource struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewTronGridSource creates a TronGrid HTTP balance source
func NewTronGridSource(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *TronGridSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &TronGridSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// tronGridAccountResponse is the subset of /v1/accounts/{address} we read
type tronGridAccountResponse struct {
	Success bool `json:"success"`
	Data    []struct {
		Balance int64               `json:"balance"`
		TRC20   []map[string]string `json:"trc20"`
	} `json:"data"`
}

// Name identifies the source in logs
func (s *TronGridSource) Name() string {
	return "trongrid-http"
}

// TokenBalance returns the TRC20 balance listed for the account. An account
// that was never activated has no data and a zero balance.
func (s *TronGridSource) TokenBalance(ctx context.Context, owner string, token Token) (*big.Int, error) {
	account, err := s.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(account.Data) == 0 {
		return big.NewInt(0), nil
	}

	for _, entry := range account.Data[0].TRC20 {
		raw, ok := entry[token.Contract]
		if !ok {
			continue
		}
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("malformed trc20 balance %q for %s", raw, token.Symbol)
		}
		return value, nil
	}
	return big.NewInt(0), nil
}

// NativeBalance returns the TRX balance in sun
func (s *TronGridSource) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	account, err := s.account(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(account.Data) == 0 {
		return big.NewInt(0), nil
	}
	return big.NewInt(account.Data[0].Balance), nil
}

func (s *TronGridSource) account(ctx context.Context, owner string) (*tronGridAccountResponse, error) {
	url := fmt.Sprintf("%s/v1/accounts/%s", s.baseURL, owner)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: trongrid status 429", ErrProviderRateLimit)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("trongrid error (status %d): %s", resp.StatusCode, string(body))
	}

	var result tronGridAccountResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &result, nil
}

// firstBalance walks sources in order and returns the first successful read.
func firstBalance(ctx context.Context, sources []BalanceSource, owner string, token Token, logger *zap.Logger) (*big.Int, string, error) {
	var lastErr error
	for _, source := range sources {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		balance, err := source.TokenBalance(ctx, owner, token)
		if err == nil {
			return balance, source.Name(), nil
		}
		lastErr = err
		logger.Debug("balance source failed, trying next",
			zap.String("source", source.Name()),
			zap.String("token", token.Symbol),
			zap.Error(err))
	}
	if lastErr == nil {
		lastErr = ErrNoBalanceSource
	}
	return nil, "", providerError(types.ChainTron, "TokenBalance", fmt.Errorf("%w: %w", ErrNoBalanceSource, lastErr), map[string]interface{}{
		"token": token.Symbol,
	})
}
