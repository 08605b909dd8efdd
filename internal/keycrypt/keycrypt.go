// Package keycrypt encrypts custodial private keys at rest with AES-256-GCM.
//
// A single server-held secret protects every deposit wallet key. Anyone who
// obtains ENCRYPTION_KEY together with the deposit_wallets table can move all
// custodied funds. The secret must therefore live outside the database and be
// rotated by re-encrypting every stored key.
//
// Payload format: base64(nonce) ":" base64(tag) ":" base64(ciphertext)
package keycrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	apperrors "github.com/deposit-custody/internal/errors"
)

const (
	// KeySize is the AES-256 key length. Longer secrets are truncated.
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Cipher encrypts and decrypts key material. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a server secret of at least KeySize bytes.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < KeySize {
		return nil, apperrors.NewCryptoError(
			fmt.Sprintf("encryption key must be at least %d characters", KeySize), nil)
	}

	block, err := aes.NewCipher([]byte(secret[:KeySize]))
	if err != nil {
		return nil, apperrors.NewCryptoError("failed to initialize cipher", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, apperrors.NewCryptoError("failed to initialize GCM", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", apperrors.NewCryptoError("failed to generate nonce", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return enc.EncodeToString(nonce) + ":" + enc.EncodeToString(tag) + ":" + enc.EncodeToString(ct), nil
}

// Decrypt opens a payload produced by Encrypt. Any tampering fails authentication.
func (c *Cipher) Decrypt(payload string) (string, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return "", apperrors.NewCryptoError("invalid encrypted payload format", nil)
	}

	enc := base64.StdEncoding
	nonce, err := enc.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", apperrors.NewCryptoError("invalid nonce", err)
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", apperrors.NewCryptoError("invalid auth tag", err)
	}
	ct, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", apperrors.NewCryptoError("invalid ciphertext", err)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", apperrors.NewCryptoError("decryption failed", err)
	}
	return string(plain), nil
}
