// Package statestore persists execution state as checksummed, optionally signed
// and encrypted envelopes in a content-addressed store.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/contentstore"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
)

const (
	envelopeVersion = 1
	// DefaultKeyID is the signing key used for state envelopes.
	DefaultKeyID = "strata-state"
	// EncryptionAlgorithm is requested from the Encryptor.
	EncryptionAlgorithm = "AES-256-GCM"
)

// Envelope is the stored form of one state snapshot.
type Envelope struct {
	ExecutionID string            `json:"execution_id"`
	Version     int               `json:"version"`
	Payload     []byte            `json:"payload"`
	Checksum    string            `json:"checksum"`
	Signature   *models.Signature `json:"signature,omitempty"`
	Encrypted   bool              `json:"encrypted"`
	Algorithm   string            `json:"algorithm,omitempty"`
	SavedAt     time.Time         `json:"saved_at"`
}

type Store struct {
	content   protocol.ContentStore
	states    persistence.StateRepository
	signer    protocol.Signer
	encryptor protocol.Encryptor
	keyID     string
	logger    *slog.Logger
	now       func() time.Time

	locks sync.Map
}

type Option func(*Store)

// WithSigner signs every envelope with keyID.
func WithSigner(signer protocol.Signer, keyID string) Option {
	return func(s *Store) {
		s.signer = signer
		if keyID != "" {
			s.keyID = keyID
		}
	}
}

// WithEncryptor encrypts envelope payloads.
func WithEncryptor(encryptor protocol.Encryptor) Option {
	return func(s *Store) {
		s.encryptor = encryptor
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(content protocol.ContentStore, states persistence.StateRepository, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		content: content,
		states:  states,
		keyID:   DefaultKeyID,
		logger:  logger.With("module", "statestore"),
		now:     func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) lock(executionID string) func() {
	mu, _ := s.locks.LoadOrStore(executionID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// Save stores state as the execution's latest snapshot and returns its address.
// Signing and encryption failures degrade to an unsigned or plaintext envelope.
func (s *Store) Save(ctx context.Context, state *models.ExecutionState) (string, error) {
	unlock := s.lock(state.ExecutionID)
	defer unlock()

	logger := s.logger.With("execution_id", state.ExecutionID)

	plaintext, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}

	envelope := Envelope{
		ExecutionID: state.ExecutionID,
		Version:     envelopeVersion,
		Payload:     plaintext,
		Checksum:    checksum(plaintext),
		SavedAt:     s.now(),
	}

	if s.signer != nil {
		sig, err := s.signer.Sign(ctx, s.keyID, plaintext)
		if err != nil {
			logger.WarnContext(ctx, "state saved unsigned, signer unavailable", "error", err)
		} else {
			envelope.Signature = sig
		}
	}

	if s.encryptor != nil {
		ciphertext, err := s.encryptor.Encrypt(ctx, plaintext, EncryptionAlgorithm)
		if err != nil {
			logger.WarnContext(ctx, "state saved unencrypted, encryptor unavailable", "error", err)
		} else {
			envelope.Payload = ciphertext
			envelope.Encrypted = true
			envelope.Algorithm = EncryptionAlgorithm
		}
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode state envelope: %w", err)
	}

	address, err := s.content.Add(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}

	if err := s.content.Pin(ctx, address); err != nil {
		return "", fmt.Errorf("failed to pin state %s: %w", address, err)
	}

	previous, err := s.states.Latest(ctx, state.ExecutionID)
	if err != nil && !persistence.IsNotFound(err) {
		return "", fmt.Errorf("failed to read state pointer: %w", err)
	}

	if err := s.states.SetLatest(ctx, state.ExecutionID, address); err != nil {
		return "", fmt.Errorf("failed to update state pointer: %w", err)
	}

	if previous != "" && previous != address {
		s.release(ctx, state.ExecutionID, previous)
	}

	logger.DebugContext(ctx, "state saved", "address", address, "status", state.Status)

	return address, nil
}

// release unpins a superseded snapshot unless a checkpoint still refers to it.
func (s *Store) release(ctx context.Context, executionID, address string) {
	checkpoints, err := s.states.Checkpoints(ctx, executionID)
	if err != nil {
		s.logger.WarnContext(ctx, "could not list checkpoints, keeping previous state pinned",
			"execution_id", executionID, "error", err)

		return
	}

	for _, cp := range checkpoints {
		if cp.Address == address {
			return
		}
	}

	if err := s.content.Unpin(ctx, address); err != nil {
		s.logger.WarnContext(ctx, "failed to unpin previous state", "execution_id", executionID, "address", address, "error", err)
	}
}

// Load returns the latest verified state of an execution.
func (s *Store) Load(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	address, err := s.states.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}

	return s.LoadAddress(ctx, executionID, address)
}

// LoadAddress fetches and verifies one snapshot. Any checksum, signature or
// decryption failure is returned as an IntegrityError.
func (s *Store) LoadAddress(ctx context.Context, executionID, address string) (*models.ExecutionState, error) {
	raw, err := s.content.Cat(ctx, address)
	if err != nil {
		if errors.Is(err, contentstore.ErrContentMismatch) {
			return nil, &IntegrityError{ExecutionID: executionID, Address: address, Reason: "content does not match address", Err: err}
		}

		return nil, fmt.Errorf("failed to fetch state %s: %w", address, err)
	}

	fail := func(reason string, cause error) error {
		return &IntegrityError{ExecutionID: executionID, Address: address, Reason: reason, Err: cause}
	}

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fail("malformed envelope", err)
	}

	if envelope.ExecutionID != executionID {
		return nil, fail(fmt.Sprintf("envelope belongs to execution %s", envelope.ExecutionID), nil)
	}

	plaintext := envelope.Payload

	if envelope.Encrypted {
		if s.encryptor == nil {
			return nil, fail("state is encrypted but no encryptor is configured", nil)
		}

		plaintext, err = s.encryptor.Decrypt(ctx, envelope.Payload, envelope.Algorithm)
		if err != nil {
			return nil, fail("decryption failed", err)
		}
	}

	if checksum(plaintext) != envelope.Checksum {
		return nil, fail("checksum mismatch", nil)
	}

	if err := s.verifySignature(ctx, executionID, plaintext, envelope.Signature); err != nil {
		return nil, fail("signature verification failed", err)
	}

	var state models.ExecutionState
	if err := json.Unmarshal(plaintext, &state); err != nil {
		return nil, fail("malformed state payload", err)
	}

	return &state, nil
}

// verifySignature rejects unsigned snapshots once a signer is configured, and
// treats an unreachable verifier as a failed check.
func (s *Store) verifySignature(ctx context.Context, executionID string, data []byte, sig *models.Signature) error {
	switch {
	case sig == nil && s.signer != nil:
		return ErrUnsigned
	case sig == nil:
		return nil
	case s.signer == nil:
		s.logger.WarnContext(ctx, "state signature not verified, no signer configured", "execution_id", executionID)

		return nil
	}

	return s.signer.Verify(ctx, data, sig)
}

// CreateCheckpoint pins the current snapshot under name. An existing checkpoint
// with the same name is replaced.
func (s *Store) CreateCheckpoint(ctx context.Context, executionID, name string) (*models.Checkpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: checkpoint name is required", models.ErrValidation)
	}

	unlock := s.lock(executionID)
	defer unlock()

	address, err := s.states.Latest(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if _, err := s.LoadAddress(ctx, executionID, address); err != nil {
		return nil, err
	}

	if err := s.content.Pin(ctx, address); err != nil {
		return nil, fmt.Errorf("failed to pin checkpoint: %w", err)
	}

	if old, err := s.states.Checkpoint(ctx, executionID, name); err == nil {
		if err := s.content.Unpin(ctx, old.Address); err != nil {
			s.logger.WarnContext(ctx, "failed to unpin replaced checkpoint", "execution_id", executionID, "checkpoint", name, "error", err)
		}
	}

	checkpoint := &models.Checkpoint{
		ExecutionID: executionID,
		Name:        name,
		Address:     address,
		CreatedAt:   s.now(),
	}

	if err := s.states.SaveCheckpoint(ctx, checkpoint); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.InfoContext(ctx, "checkpoint created", "execution_id", executionID, "checkpoint", name, "address", address)

	return checkpoint, nil
}

// RestoreCheckpoint makes a checkpoint's snapshot the latest state again and returns it.
func (s *Store) RestoreCheckpoint(ctx context.Context, executionID, name string) (*models.ExecutionState, *models.Checkpoint, error) {
	unlock := s.lock(executionID)
	defer unlock()

	checkpoint, err := s.states.Checkpoint(ctx, executionID, name)
	if err != nil {
		return nil, nil, err
	}

	state, err := s.LoadAddress(ctx, executionID, checkpoint.Address)
	if err != nil {
		return nil, nil, err
	}

	previous, err := s.states.Latest(ctx, executionID)
	if err != nil && !persistence.IsNotFound(err) {
		return nil, nil, fmt.Errorf("failed to read state pointer: %w", err)
	}

	if err := s.states.SetLatest(ctx, executionID, checkpoint.Address); err != nil {
		return nil, nil, fmt.Errorf("failed to update state pointer: %w", err)
	}

	if previous != "" && previous != checkpoint.Address {
		s.release(ctx, executionID, previous)
	}

	s.logger.InfoContext(ctx, "checkpoint restored", "execution_id", executionID, "checkpoint", name)

	return state, checkpoint, nil
}

// Checkpoints lists the named snapshots of an execution.
func (s *Store) Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	return s.states.Checkpoints(ctx, executionID)
}
