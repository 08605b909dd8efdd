package adapter

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/deposit-custody/internal/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fbsobreira/gotron-sdk/pkg/address"
)

var evmAddressPattern = regexp.MustCompile("^0x[a-fA-F0-9]{40}$")

// KeyPair is a freshly generated custodial key. PrivateKeyHex must be
// encrypted before it leaves the process.
type KeyPair struct {
	Address       string
	PrivateKeyHex string
}

// GenerateKeyPair creates a secp256k1 keypair and derives the chain's address format
func GenerateKeyPair(chain types.ChainID) (*KeyPair, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	addr, err := addressFromKey(chain, privateKey)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Address:       addr,
		PrivateKeyHex: hex.EncodeToString(crypto.FromECDSA(privateKey)),
	}, nil
}

// AddressFromPrivateKey derives the address of a hex private key, with or without 0x prefix
func AddressFromPrivateKey(chain types.ChainID, privateKeyHex string) (string, error) {
	privateKey, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	return addressFromKey(chain, privateKey)
}

func addressFromKey(chain types.ChainID, privateKey *ecdsa.PrivateKey) (string, error) {
	switch {
	case chain.IsEVM():
		return crypto.PubkeyToAddress(privateKey.PublicKey).Hex(), nil
	case chain == types.ChainTron:
		return address.PubkeyToAddress(privateKey.PublicKey).String(), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
}

func parsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return privateKey, nil
}

// ValidateAddress checks an address against the chain's format rules
func ValidateAddress(chain types.ChainID, addr string) bool {
	switch {
	case chain.IsEVM():
		return evmAddressPattern.MatchString(addr)
	case chain == types.ChainTron:
		if len(addr) != 34 || !strings.HasPrefix(addr, "T") {
			return false
		}
		_, err := address.Base58ToAddress(addr)
		return err == nil
	default:
		return false
	}
}
