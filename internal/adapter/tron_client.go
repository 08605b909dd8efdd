package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/deposit-custody/internal/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/client"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/api"
	"github.com/fbsobreira/gotron-sdk/pkg/proto/core"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
)

// TRC20FeeLimit caps the energy a token transfer may burn, in sun
const TRC20FeeLimit int64 = 50_000_000

// TRXTransferFee bounds the bandwidth a TRX transfer burns when the sender
// has no free bandwidth left, in sun
const TRXTransferFee int64 = 1_000_000

// TronNode is the subset of the gotron gRPC client the adapter needs
type TronNode interface {
	TRC20ContractBalance(addr, contractAddress string) (*big.Int, error)
	GetAccount(addr string) (*core.Account, error)
	Transfer(from, toAddress string, amount int64) (*api.TransactionExtention, error)
	TRC20Send(from, to, contract string, amount *big.Int, feeLimit int64) (*api.TransactionExtention, error)
	Broadcast(tx *core.Transaction) (*api.Return, error)
	GetTransactionInfoByID(id string) (*core.TransactionInfo, error)
}

// DialTronNode starts a gotron gRPC client against a full node
func DialTronNode(grpcURL, apiKey string, timeout time.Duration) (*client.GrpcClient, error) {
	node := client.NewGrpcClientWithTimeout(grpcURL, timeout)
	if apiKey != "" {
		node.SetAPIKey(apiKey)
	}
	if err := node.Start(grpc.WithTransportCredentials(insecure.NewCredentials())); err != nil {
		return nil, fmt.Errorf("failed to start TRON gRPC client: %w", err)
	}
	return node, nil
}

// TronClient reads balances and signs transfers through a Tron full node.
// It doubles as the first balance source of the Tron adapter.
type TronClient struct {
	node       TronNode
	breaker    *gobreaker.CircuitBreaker
	feeReserve *big.Int
	httpBackup *TronGridSource
	logger     *zap.Logger
}

// NewTronClient wraps a node. feeReserveSun is the TRX (in sun) a deposit
// wallet must hold before a token transfer is attempted.
func NewTronClient(node TronNode, feeReserveSun int64, httpBackup *TronGridSource, logger *zap.Logger) *TronClient {
	logger = logger.With(zap.String("chain", string(types.ChainTron)))
	return &TronClient{
		node:       node,
		breaker:    newBreaker("grpc-tron", logger),
		feeReserve: big.NewInt(feeReserveSun),
		httpBackup: httpBackup,
		logger:     logger,
	}
}

// Name identifies the source in logs
func (c *TronClient) Name() string {
	return "tron-grpc"
}

// Chain returns ChainTron
func (c *TronClient) Chain() types.ChainID {
	return types.ChainTron
}

// TokenBalance calls balanceOf on the token contract
func (c *TronClient) TokenBalance(ctx context.Context, owner string, token Token) (*big.Int, error) {
	return tronCall(ctx, c, "TRC20ContractBalance", func() (*big.Int, error) {
		return c.node.TRC20ContractBalance(owner, token.Contract)
	})
}

// NativeBalance returns the TRX balance in sun. Accounts that were never
// activated report zero. The HTTP API is consulted when the node fails.
func (c *TronClient) NativeBalance(ctx context.Context, owner string) (*big.Int, error) {
	balance, err := tronCall(ctx, c, "GetAccount", func() (*big.Int, error) {
		account, err := c.node.GetAccount(owner)
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "not found") {
				return big.NewInt(0), nil
			}
			return nil, err
		}
		return big.NewInt(account.GetBalance()), nil
	})
	if err != nil && c.httpBackup != nil {
		c.logger.Debug("gRPC account lookup failed, using HTTP API", zap.Error(err))
		if fallback, httpErr := c.httpBackup.NativeBalance(ctx, owner); httpErr == nil {
			return fallback, nil
		}
	}
	return balance, err
}

// TokenTransferFee returns the TRX reserve needed for one TRC20 transfer
func (c *TronClient) TokenTransferFee(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.feeReserve), nil
}

// NativeTransferFee returns TRXTransferFee
func (c *TronClient) NativeTransferFee(ctx context.Context) (*big.Int, error) {
	return big.NewInt(TRXTransferFee), nil
}

// SendToken transfers a TRC20 token from the key's address to to
func (c *TronClient) SendToken(ctx context.Context, privateKeyHex string, token Token, to string, amount *big.Int) (string, error) {
	if !ValidateAddress(types.ChainTron, to) {
		return "", NewAdapterError(types.ChainTron, "SendToken", ErrInvalidAddress, map[string]interface{}{"to": to})
	}
	from, err := AddressFromPrivateKey(types.ChainTron, privateKeyHex)
	if err != nil {
		return "", err
	}
	tx, err := tronCall(ctx, c, "TRC20Send", func() (*api.TransactionExtention, error) {
		return c.node.TRC20Send(from, to, token.Contract, amount, TRC20FeeLimit)
	})
	if err != nil {
		return "", err
	}
	return c.signAndBroadcast(ctx, tx, privateKeyHex, "SendToken")
}

// SendNative transfers amount sun of TRX. Sending TRX to a fresh address
// also activates it.
func (c *TronClient) SendNative(ctx context.Context, privateKeyHex string, to string, amount *big.Int) (string, error) {
	if !ValidateAddress(types.ChainTron, to) {
		return "", NewAdapterError(types.ChainTron, "SendNative", ErrInvalidAddress, map[string]interface{}{"to": to})
	}
	if !amount.IsInt64() {
		return "", NewAdapterError(types.ChainTron, "SendNative", fmt.Errorf("amount out of range"), nil)
	}
	from, err := AddressFromPrivateKey(types.ChainTron, privateKeyHex)
	if err != nil {
		return "", err
	}
	tx, err := tronCall(ctx, c, "Transfer", func() (*api.TransactionExtention, error) {
		return c.node.Transfer(from, to, amount.Int64())
	})
	if err != nil {
		return "", err
	}
	return c.signAndBroadcast(ctx, tx, privateKeyHex, "SendNative")
}

// Confirmed reports whether a broadcast transaction is in a block. A
// transaction the node has not indexed yet is pending.
func (c *TronClient) Confirmed(ctx context.Context, txHash string) (bool, error) {
	info, err := tronCall(ctx, c, "GetTransactionInfoByID", func() (*core.TransactionInfo, error) {
		info, err := c.node.GetTransactionInfoByID(txHash)
		if err != nil && strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, nil
		}
		return info, err
	})
	if err != nil {
		return false, err
	}
	if info == nil || info.GetBlockNumber() == 0 {
		return false, nil
	}
	if info.GetResult() == core.TransactionInfo_FAILED {
		return false, NewAdapterError(types.ChainTron, "Confirmed", ErrTransactionFailed, map[string]interface{}{
			"txHash":  txHash,
			"message": string(info.GetResMessage()),
		})
	}
	if receipt := info.GetReceipt(); receipt != nil {
		switch receipt.GetResult() {
		case core.Transaction_Result_DEFAULT, core.Transaction_Result_SUCCESS:
		default:
			return false, NewAdapterError(types.ChainTron, "Confirmed", ErrTransactionFailed, map[string]interface{}{
				"txHash": txHash,
				"result": receipt.GetResult().String(),
			})
		}
	}
	return true, nil
}

func (c *TronClient) signAndBroadcast(ctx context.Context, ext *api.TransactionExtention, privateKeyHex, op string) (string, error) {
	if ext == nil || ext.Transaction == nil {
		return "", NewAdapterError(types.ChainTron, op, fmt.Errorf("node returned an empty transaction"), nil)
	}
	if ext.Result != nil && ext.Result.Code != 0 {
		return "", NewAdapterError(types.ChainTron, op, fmt.Errorf("transaction build failed: %s", string(ext.Result.Message)), nil)
	}

	txHash, err := signTronTransaction(ext.Transaction, privateKeyHex)
	if err != nil {
		return "", err
	}

	// Broadcast is a submission: its outcome may be unknown on error, so the
	// breaker records it but nothing retries it.
	result, err := tronCall(ctx, c, "Broadcast", func() (*api.Return, error) {
		return c.node.Broadcast(ext.Transaction)
	})
	if err != nil {
		return "", err
	}
	if !result.GetResult() {
		return "", NewAdapterError(types.ChainTron, op, fmt.Errorf("broadcast rejected: %s", string(result.GetMessage())), nil)
	}

	c.logger.Info("transaction submitted", zap.String("op", op), zap.String("txHash", txHash))
	return txHash, nil
}

// signTronTransaction signs sha256(raw_data) in place and returns the txid
func signTronTransaction(tx *core.Transaction, privateKeyHex string) (string, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	rawData, err := proto.Marshal(tx.GetRawData())
	if err != nil {
		return "", fmt.Errorf("failed to marshal raw data: %w", err)
	}
	hash := sha256.Sum256(rawData)

	signature, err := crypto.Sign(hash[:], key)
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	tx.Signature = append(tx.Signature, signature)
	return hex.EncodeToString(hash[:]), nil
}

// tronCall runs a blocking node call under the breaker. The gotron client has
// its own gRPC timeout; ctx cancellation abandons the wait.
func tronCall[T any](ctx context.Context, c *TronClient, op string, fn func() (T, error)) (T, error) {
	var zero T
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := c.breaker.Execute(func() (interface{}, error) {
			return fn()
		})
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, providerError(types.ChainTron, op, ctx.Err(), nil)
	case res := <-done:
		if res.err != nil {
			return zero, providerError(types.ChainTron, op, res.err, nil)
		}
		return res.value.(T), nil
	}
}
