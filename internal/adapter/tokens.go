package adapter

import (
	"strings"

	"github.com/deposit-custody/internal/types"
)

// TransferEventTopic is keccak256("Transfer(address,address,uint256)")
const TransferEventTopic = "0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef"

// Token is an allow-listed token contract
type Token struct {
	Chain    types.ChainID
	Symbol   string
	Contract string
	Decimals int32
}

// NativeAsset describes a chain's gas coin
type NativeAsset struct {
	Symbol   string
	Decimals int32
}

var tokenRegistry = map[types.ChainID][]Token{
	types.ChainEthereum: {
		{Chain: types.ChainEthereum, Symbol: "USDT", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{Chain: types.ChainEthereum, Symbol: "USDC", Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
	},
	types.ChainBSC: {
		{Chain: types.ChainBSC, Symbol: "USDT", Contract: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Chain: types.ChainBSC, Symbol: "USDC", Contract: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
	},
	types.ChainTron: {
		{Chain: types.ChainTron, Symbol: "USDT", Contract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t", Decimals: 6},
		{Chain: types.ChainTron, Symbol: "USDC", Contract: "TEkxiTehnzSmSe2XqrBj4w32RUN966rdz8", Decimals: 6},
	},
}

var nativeAssets = map[types.ChainID]NativeAsset{
	types.ChainEthereum: {Symbol: "ETH", Decimals: 18},
	types.ChainBSC:      {Symbol: "BNB", Decimals: 18},
	types.ChainTron:     {Symbol: "TRX", Decimals: 6},
}

// TokensFor returns the allow-listed tokens of a chain
func TokensFor(chain types.ChainID) []Token {
	tokens := tokenRegistry[chain]
	out := make([]Token, len(tokens))
	copy(out, tokens)
	return out
}

// LookupToken finds an allow-listed token by contract. EVM contracts match
// case-insensitively; Tron base58 contracts are case-sensitive.
func LookupToken(chain types.ChainID, contract string) (Token, bool) {
	for _, token := range tokenRegistry[chain] {
		if chain.IsEVM() {
			if strings.EqualFold(token.Contract, contract) {
				return token, true
			}
			continue
		}
		if token.Contract == contract {
			return token, true
		}
	}
	return Token{}, false
}

// Native returns the gas coin of a chain
func Native(chain types.ChainID) (NativeAsset, bool) {
	asset, ok := nativeAssets[chain]
	return asset, ok
}
