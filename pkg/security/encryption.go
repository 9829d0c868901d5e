package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// AlgorithmAES256GCM is the only algorithm AESGCM accepts.
const AlgorithmAES256GCM = "AES-256-GCM"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new data. Must be 32 bytes.
	ActiveKey []byte
	// FallbackKeys are tried in order when the active key cannot decrypt.
	FallbackKeys [][]byte
}

// AESGCM encrypts with AES-256-GCM and supports key rotation on decrypt.
type AESGCM struct {
	config EncryptionConfig
}

// NewAESGCM validates key sizes and returns an encryptor.
func NewAESGCM(config EncryptionConfig) (*AESGCM, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}

	for i, key := range config.FallbackKeys {
		if len(key) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i)
		}
	}

	return &AESGCM{config: config}, nil
}

func (e *AESGCM) Encrypt(_ context.Context, plaintext []byte, algorithm string) ([]byte, error) {
	if algorithm != AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	return encrypt(plaintext, e.config.ActiveKey)
}

func (e *AESGCM) Decrypt(_ context.Context, ciphertext []byte, algorithm string) ([]byte, error) {
	if algorithm != AlgorithmAES256GCM {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}

	if plain, err := decrypt(ciphertext, e.config.ActiveKey); err == nil {
		return plain, nil
	}

	for _, key := range e.config.FallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}

	return nil, ErrDecryption
}

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]

	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
