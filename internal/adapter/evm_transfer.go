package adapter

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

const (
	erc20TransferGas  = uint64(65000)
	nativeTransferGas = uint64(21000)
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// NativeBalance returns the gas coin balance in wei
func (a *EVMAdapter) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if !a.ValidateAddress(address) {
		return nil, NewAdapterError(a.chain, "NativeBalance", ErrInvalidAddress, map[string]interface{}{"address": address})
	}
	return callEVM(ctx, a, "BalanceAt", func(ctx context.Context, c EVMClient) (*big.Int, error) {
		return c.BalanceAt(ctx, common.HexToAddress(address), nil)
	})
}

// TokenBalance returns balanceOf(address) for an allow-listed token in raw units
func (a *EVMAdapter) TokenBalance(ctx context.Context, address string, token Token) (*big.Int, error) {
	if !a.ValidateAddress(address) {
		return nil, NewAdapterError(a.chain, "TokenBalance", ErrInvalidAddress, map[string]interface{}{"address": address})
	}
	data, err := erc20ABI.Pack("balanceOf", common.HexToAddress(address))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	contract := common.HexToAddress(token.Contract)

	out, err := callEVM(ctx, a, "CallContract", func(ctx context.Context, c EVMClient) ([]byte, error) {
		return c.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}

	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, providerError(a.chain, "TokenBalance", fmt.Errorf("malformed balanceOf response: %v", err), map[string]interface{}{
			"token": token.Symbol,
		})
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, providerError(a.chain, "TokenBalance", fmt.Errorf("unexpected balanceOf type %T", values[0]), nil)
	}
	return balance, nil
}

// TokenTransferFee estimates the native coin needed for one token transfer
func (a *EVMAdapter) TokenTransferFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := callEVM(ctx, a, "SuggestGasPrice", func(ctx context.Context, c EVMClient) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(erc20TransferGas)), nil
}

// NativeTransferFee estimates the native coin burned by one value transfer
func (a *EVMAdapter) NativeTransferFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := callEVM(ctx, a, "SuggestGasPrice", func(ctx context.Context, c EVMClient) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return nil, err
	}
	return new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(nativeTransferGas)), nil
}

// SendToken transfers amount of token from the key's address to to
func (a *EVMAdapter) SendToken(ctx context.Context, privateKeyHex string, token Token, to string, amount *big.Int) (string, error) {
	if !a.ValidateAddress(to) {
		return "", NewAdapterError(a.chain, "SendToken", ErrInvalidAddress, map[string]interface{}{"to": to})
	}
	data, err := erc20ABI.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("failed to pack transfer: %w", err)
	}
	contract := common.HexToAddress(token.Contract)
	return a.send(ctx, privateKeyHex, contract, big.NewInt(0), erc20TransferGas, data)
}

// SendNative transfers amount wei from the key's address to to
func (a *EVMAdapter) SendNative(ctx context.Context, privateKeyHex string, to string, amount *big.Int) (string, error) {
	if !a.ValidateAddress(to) {
		return "", NewAdapterError(a.chain, "SendNative", ErrInvalidAddress, map[string]interface{}{"to": to})
	}
	return a.send(ctx, privateKeyHex, common.HexToAddress(to), amount, nativeTransferGas, nil)
}

func (a *EVMAdapter) send(ctx context.Context, privateKeyHex string, to common.Address, value *big.Int, gas uint64, data []byte) (string, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := callEVM(ctx, a, "PendingNonceAt", func(ctx context.Context, c EVMClient) (uint64, error) {
		return c.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return "", err
	}
	gasPrice, err := callEVM(ctx, a, "SuggestGasPrice", func(ctx context.Context, c EVMClient) (*big.Int, error) {
		return c.SuggestGasPrice(ctx)
	})
	if err != nil {
		return "", err
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(a.chainID), key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	if _, err := sendEVM(ctx, a, "SendTransaction", func(ctx context.Context, c EVMClient) (struct{}, error) {
		return struct{}{}, c.SendTransaction(ctx, signed)
	}); err != nil {
		return "", err
	}

	a.logger.Info("transaction submitted",
		zap.String("txHash", signed.Hash().Hex()),
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.String("value", value.String()))
	return signed.Hash().Hex(), nil
}
