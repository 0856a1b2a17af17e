package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/relayflow-go/internal/domain/credential"
	"github.com/relayflow-go/pkg/logger"
)

const keySize = 32

var hkdfInfo = []byte("relayflow credential vault")

// VaultManager seals credential secrets with AES-256-GCM. Ciphertexts are
// base64(nonce || sealed).
type VaultManager struct {
	encryptionKey []byte
	logger        logger.Logger
}

// NewVaultManager accepts a raw 32-byte key; any other non-empty key is
// stretched to 32 bytes with HKDF-SHA256.
func NewVaultManager(key string, logger logger.Logger) (*VaultManager, error) {
	if key == "" {
		return nil, errors.New("encryption key is required")
	}

	derived := []byte(key)
	if len(derived) != keySize {
		derived = make([]byte, keySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, hkdfInfo), derived); err != nil {
			return nil, fmt.Errorf("failed to derive key: %w", err)
		}
	}

	return &VaultManager{
		encryptionKey: derived,
		logger:        logger,
	}, nil
}

func (v *VaultManager) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(v.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext with AES-GCM and returns it base64 encoded.
func (v *VaultManager) Encrypt(plaintext string) (string, error) {
	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input is an error.
func (v *VaultManager) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := v.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptCredential seals every string value of cred.Data in place and marks
// the bundle encrypted. Already encrypted bundles are left alone.
func (v *VaultManager) EncryptCredential(_ context.Context, cred *credential.Credential) error {
	if cred.IsEncrypted() {
		return nil
	}

	sealed := make(map[string]interface{}, len(cred.Data)+1)
	for key, value := range cred.Data {
		s, ok := value.(string)
		if !ok {
			sealed[key] = value
			continue
		}
		encrypted, err := v.Encrypt(s)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", key, err)
		}
		sealed[key] = encrypted
	}
	sealed[credential.KeyEncrypted] = true
	cred.Data = sealed
	return nil
}

// DecryptCredential replaces cred.Data with a decrypted copy. Plain bundles are
// returned unchanged.
func (v *VaultManager) DecryptCredential(_ context.Context, cred *credential.Credential) error {
	if !cred.IsEncrypted() {
		return nil
	}

	plain := make(map[string]interface{}, len(cred.Data))
	for key, value := range cred.Data {
		if key == credential.KeyEncrypted {
			continue
		}
		s, ok := value.(string)
		if !ok {
			plain[key] = value
			continue
		}
		decrypted, err := v.Decrypt(s)
		if err != nil {
			v.logger.Error("Failed to decrypt credential field", "credentialId", cred.ID, "field", key)
			return fmt.Errorf("failed to decrypt %s: %w", key, err)
		}
		plain[key] = decrypted
	}
	cred.Data = plain
	return nil
}
