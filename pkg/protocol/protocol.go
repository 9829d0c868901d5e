// Package protocol defines the contracts between the execution substrate and its
// pluggable collaborators: step executors and the external trust, storage and
// validation services.
package protocol

import (
	"context"
	"errors"

	"github.com/dukex/strata/pkg/models"
)

// ErrServiceUnavailable is returned by collaborators that cannot currently answer.
var ErrServiceUnavailable = errors.New("service unavailable")

// IsServiceUnavailable reports whether err came from an unreachable collaborator.
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}

// Validator runs an operation through the requested validation layers.
type Validator interface {
	Validate(ctx context.Context, op models.Operation, layers ...models.ValidationLayer) (*models.ValidationResult, error)
}

// IdentityService resolves principals and their permissions.
type IdentityService interface {
	Resolve(ctx context.Context, id string) (*models.Identity, error)
	HasPermission(ctx context.Context, id, permission string) (bool, error)
	// VerifyDelegation checks that child was derived from parent and that sig over
	// child's id verifies against parent's key.
	VerifyDelegation(ctx context.Context, childID, parentID string, sig []byte) error
}

// Signer produces and checks detached signatures.
type Signer interface {
	Sign(ctx context.Context, keyID string, data []byte) (*models.Signature, error)
	Verify(ctx context.Context, data []byte, sig *models.Signature) error
}

// Encryptor encrypts and decrypts opaque payloads.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext []byte, algorithm string) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, algorithm string) ([]byte, error)
}

// ConsentService decides whether a principal may act within the given scopes.
type ConsentService interface {
	CheckScopes(ctx context.Context, principal string, scopes []string) (*models.ConsentDecision, error)
}

// RiskCandidate is the material a risk assessor scores.
type RiskCandidate struct {
	Endpoint      string
	SourceID      string
	SourceAddress string
	Payload       []byte
	Headers       map[string]string
}

// RiskAssessor scores an inbound event between 0 and 100.
type RiskAssessor interface {
	Assess(ctx context.Context, candidate RiskCandidate) (*models.RiskAssessment, error)
}

// ContentStore is content-addressed blob storage.
type ContentStore interface {
	Add(ctx context.Context, data []byte) (string, error)
	Cat(ctx context.Context, address string) ([]byte, error)
	Pin(ctx context.Context, address string) error
	Unpin(ctx context.Context, address string) error
}

// UsageSampler reports the current usage vector of a running allocation.
type UsageSampler interface {
	Sample(ctx context.Context) (models.ResourceUsage, error)
}
