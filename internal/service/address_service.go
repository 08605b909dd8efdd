package service

import (
	"context"
	"strings"

	"github.com/deposit-custody/internal/adapter"
	apperrors "github.com/deposit-custody/internal/errors"
	"github.com/deposit-custody/internal/logging"
	"github.com/deposit-custody/internal/models"
	"github.com/deposit-custody/internal/storage"
	"github.com/deposit-custody/internal/types"
)

// KeyEncrypter seals private keys before they are stored
type KeyEncrypter interface {
	Encrypt(plaintext string) (string, error)
}

// KeyGenerator creates a keypair in a chain's address format
type KeyGenerator func(chain types.ChainID) (*adapter.KeyPair, error)

// AddressService is the registry mapping users to on-chain addresses
type AddressService struct {
	ledger    storage.Ledger
	encrypter KeyEncrypter
	generate  KeyGenerator
}

// NewAddressService creates an address service using secp256k1 key generation
func NewAddressService(ledger storage.Ledger, encrypter KeyEncrypter) *AddressService {
	return &AddressService{
		ledger:    ledger,
		encrypter: encrypter,
		generate:  adapter.GenerateKeyPair,
	}
}

// DepositAddress is the result of ProvisionDepositAddress
type DepositAddress struct {
	Chain   types.ChainID `json:"chain"`
	Address string        `json:"address"`
	Created bool          `json:"created"`
}

// ProvisionDepositAddress returns the user's custodial deposit address on
// chain, generating one on first request. Repeated calls return the same
// address.
func (s *AddressService) ProvisionDepositAddress(ctx context.Context, userID string, chain types.ChainID) (*DepositAddress, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if !isSupportedChain(chain) {
		return nil, apperrors.NewValidationError("chain", "unsupported chain: "+string(chain))
	}
	if err := s.ledger.Users().Ensure(ctx, userID); err != nil {
		return nil, err
	}

	existing, err := s.ledger.Wallets().GetPrimary(ctx, userID, chain, types.PurposeDeposit)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsCustodial() {
		return &DepositAddress{Chain: chain, Address: existing.Address}, nil
	}

	keyPair, err := s.generate(chain)
	if err != nil {
		return nil, apperrors.NewCryptoError("failed to generate deposit key", err)
	}
	sealed, err := s.encrypter.Encrypt(keyPair.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	label := "Deposit"
	wallet := &models.DepositWallet{
		UserID:              userID,
		Chain:               chain,
		Address:             keyPair.Address,
		Label:               &label,
		Purpose:             types.PurposeDeposit,
		EncryptedPrivateKey: &sealed,
	}
	if err := s.ledger.Wallets().CreatePrimary(ctx, wallet); err != nil {
		if apperrors.IsCategory(err, apperrors.CategoryConflict) {
			// a concurrent request won; hand back its address
			if winner, getErr := s.ledger.Wallets().GetPrimary(ctx, userID, chain, types.PurposeDeposit); getErr == nil && winner != nil {
				return &DepositAddress{Chain: chain, Address: winner.Address}, nil
			}
		}
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":  userID,
		"chain":   chain,
		"address": wallet.Address,
	}).Info("deposit address provisioned")

	return &DepositAddress{Chain: chain, Address: wallet.Address, Created: true}, nil
}

// BindAddressInput is a user-supplied address registration
type BindAddressInput struct {
	UserID  string
	Chain   types.ChainID
	Address string
	Label   *string
}

// BindUserAddress registers an address the user controls. The first such
// address on a chain becomes the primary.
func (s *AddressService) BindUserAddress(ctx context.Context, input BindAddressInput) (*models.DepositWallet, error) {
	if err := requireUser(input.UserID); err != nil {
		return nil, err
	}
	if !isSupportedChain(input.Chain) {
		return nil, apperrors.NewValidationError("chain", "unsupported chain: "+string(input.Chain))
	}
	address := strings.TrimSpace(input.Address)
	if !adapter.ValidateAddress(input.Chain, address) {
		return nil, apperrors.NewInvalidAddressError(address)
	}
	if input.Label != nil {
		trimmed := strings.TrimSpace(*input.Label)
		if len(trimmed) > 64 {
			return nil, apperrors.NewValidationError("label", "must be at most 64 characters")
		}
		input.Label = &trimmed
	}

	if err := s.ledger.Users().Ensure(ctx, input.UserID); err != nil {
		return nil, err
	}
	exists, err := s.ledger.Wallets().ExistsForUser(ctx, input.UserID, input.Chain, address)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperrors.NewConflictError("address already registered")
	}

	primary, err := s.ledger.Wallets().GetPrimary(ctx, input.UserID, input.Chain, types.PurposeWithdrawal)
	if err != nil {
		return nil, err
	}

	wallet := &models.DepositWallet{
		UserID:    input.UserID,
		Chain:     input.Chain,
		Address:   address,
		Label:     input.Label,
		Purpose:   types.PurposeWithdrawal,
		IsPrimary: primary == nil,
	}
	if err := s.ledger.Wallets().Create(ctx, wallet); err != nil {
		return nil, err
	}
	return wallet, nil
}

// ListDepositWallets returns the user's active wallets, primary first
func (s *AddressService) ListDepositWallets(ctx context.Context, userID string) ([]*models.DepositWallet, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	wallets, err := s.ledger.Wallets().ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if wallets == nil {
		wallets = []*models.DepositWallet{}
	}
	return wallets, nil
}

// SetPrimaryWallet makes walletID the primary for its chain and purpose
func (s *AddressService) SetPrimaryWallet(ctx context.Context, userID, walletID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	return s.ledger.Wallets().SetPrimary(ctx, userID, walletID)
}

// DeactivateWallet soft-deletes a wallet. A deactivated custodial wallet is
// neither scanned nor swept afterwards.
func (s *AddressService) DeactivateWallet(ctx context.Context, userID, walletID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}
	if err := s.ledger.Wallets().Deactivate(ctx, userID, walletID); err != nil {
		return err
	}
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"userId":   userID,
		"walletId": walletID,
	}).Info("wallet deactivated")
	return nil
}

func isSupportedChain(chain types.ChainID) bool {
	for _, c := range types.SupportedChains {
		if c == chain {
			return true
		}
	}
	return false
}
