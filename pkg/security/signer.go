package security

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/dukex/strata/pkg/models"
)

const (
	AlgorithmHMACSHA256 = "hmac-sha256"
	AlgorithmEd25519    = "ed25519"
)

// HMACSigner signs with per-key HMAC-SHA256 secrets. Unknown key ids fall back
// to the default key when one is configured.
type HMACSigner struct {
	mu         sync.RWMutex
	keys       map[string][]byte
	defaultKey []byte
}

// NewHMACSigner creates a signer whose default key is defaultKey.
func NewHMACSigner(defaultKey []byte) *HMACSigner {
	return &HMACSigner{keys: make(map[string][]byte), defaultKey: defaultKey}
}

// AddKey registers a dedicated secret for keyID.
func (s *HMACSigner) AddKey(keyID string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[keyID] = secret
}

func (s *HMACSigner) key(keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key, ok := s.keys[keyID]; ok {
		return key, nil
	}

	if len(s.defaultKey) > 0 {
		return s.defaultKey, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

func (s *HMACSigner) Sign(_ context.Context, keyID string, data []byte) (*models.Signature, error) {
	key, err := s.key(keyID)
	if err != nil {
		return nil, err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)

	return &models.Signature{Algorithm: AlgorithmHMACSHA256, KeyID: keyID, Value: mac.Sum(nil)}, nil
}

func (s *HMACSigner) Verify(_ context.Context, data []byte, sig *models.Signature) error {
	if sig == nil {
		return ErrMissingSignature
	}

	if sig.Algorithm != AlgorithmHMACSHA256 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sig.Algorithm)
	}

	key, err := s.key(sig.KeyID)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)

	if !hmac.Equal(mac.Sum(nil), sig.Value) {
		return ErrInvalidSignature
	}

	return nil
}

// Ed25519Signer signs with per-key Ed25519 private keys and verifies with the
// matching public keys, so verifiers can hold only public material.
type Ed25519Signer struct {
	mu      sync.RWMutex
	private map[string]ed25519.PrivateKey
	public  map[string]ed25519.PublicKey
}

// NewEd25519Signer creates an empty keyring.
func NewEd25519Signer() *Ed25519Signer {
	return &Ed25519Signer{
		private: make(map[string]ed25519.PrivateKey),
		public:  make(map[string]ed25519.PublicKey),
	}
}

// AddPrivateKey registers a signing key; its public half is registered too.
func (s *Ed25519Signer) AddPrivateKey(keyID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.private[keyID] = key
	s.public[keyID] = key.Public().(ed25519.PublicKey)
}

// AddPublicKey registers a verification-only key.
func (s *Ed25519Signer) AddPublicKey(keyID string, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.public[keyID] = key
}

func (s *Ed25519Signer) Sign(_ context.Context, keyID string, data []byte) (*models.Signature, error) {
	s.mu.RLock()
	key, ok := s.private[keyID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}

	return &models.Signature{Algorithm: AlgorithmEd25519, KeyID: keyID, Value: ed25519.Sign(key, data)}, nil
}

func (s *Ed25519Signer) Verify(_ context.Context, data []byte, sig *models.Signature) error {
	if sig == nil {
		return ErrMissingSignature
	}

	if sig.Algorithm != AlgorithmEd25519 {
		return fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sig.Algorithm)
	}

	s.mu.RLock()
	key, ok := s.public[sig.KeyID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, sig.KeyID)
	}

	if !ed25519.Verify(key, data, sig.Value) {
		return ErrInvalidSignature
	}

	return nil
}
