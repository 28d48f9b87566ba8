package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService provides data encryption and decryption capabilities
type EncryptionService struct {
	key []byte
}

// NewEncryptionService creates a new encryption service with the provided key
func NewEncryptionService(key string) *EncryptionService {
	// Derive a 32-byte key using PBKDF2
	salt := []byte("fotopipeline-salt-2026") // In production, use a random salt per installation
	derivedKey := pbkdf2.Key([]byte(key), salt, 10000, 32, sha256.New)

	return &EncryptionService{
		key: derivedKey,
	}
}

// Encrypt encrypts plaintext data using AES-GCM
func (e *EncryptionService) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext data using AES-GCM
func (e *EncryptionService) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
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

// EncryptValues encrypts the named values in a metadata map, leaving the
// remaining entries untouched.
func (e *EncryptionService) EncryptValues(data map[string]string, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(data))
	for k, v := range data {
		if contains(keys, k) && v != "" {
			encrypted, err := e.Encrypt(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt field %s: %w", k, err)
			}
			result[k] = encrypted
		} else {
			result[k] = v
		}
	}

	return result, nil
}

// DecryptValues reverses EncryptValues for the named keys
func (e *EncryptionService) DecryptValues(data map[string]string, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(data))
	for k, v := range data {
		if contains(keys, k) && v != "" {
			decrypted, err := e.Decrypt(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt field %s: %w", k, err)
			}
			result[k] = decrypted
		} else {
			result[k] = v
		}
	}

	return result, nil
}

// GenerateSecureToken generates a cryptographically secure random token
func (e *EncryptionService) GenerateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secure token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
