package security

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/dukex/strata/pkg/models"
)

// MatchPermission reports whether granted covers required. A grant of "*"
// covers everything and "ns:*" covers every permission in namespace ns.
func MatchPermission(granted, required string) bool {
	if granted == "*" || granted == required {
		return true
	}

	if ns, ok := strings.CutSuffix(granted, ":*"); ok {
		return strings.HasPrefix(required, ns+":")
	}

	return false
}

// HasAny reports whether any of granted covers required.
func HasAny(granted []string, required string) bool {
	for _, g := range granted {
		if MatchPermission(g, required) {
			return true
		}
	}

	return false
}

// StaticIdentityService resolves identities from an in-memory directory.
type StaticIdentityService struct {
	mu         sync.RWMutex
	identities map[string]*models.Identity
}

// NewStaticIdentityService seeds the directory with identities.
func NewStaticIdentityService(identities ...*models.Identity) *StaticIdentityService {
	s := &StaticIdentityService{identities: make(map[string]*models.Identity)}
	for _, identity := range identities {
		s.Register(identity)
	}

	return s
}

// Register adds or replaces an identity.
func (s *StaticIdentityService) Register(identity *models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *identity
	s.identities[identity.ID] = &c
}

func (s *StaticIdentityService) Resolve(_ context.Context, id string) (*models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[id]
	if !ok || identity.Disabled {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	}

	c := *identity

	return &c, nil
}

func (s *StaticIdentityService) HasPermission(ctx context.Context, id, permission string) (bool, error) {
	identity, err := s.Resolve(ctx, id)
	if err != nil {
		return false, err
	}

	return HasAny(identity.Permissions, permission), nil
}

// VerifyDelegation checks child names parent as its parent and that sig is
// parent's Ed25519 signature over the child id.
func (s *StaticIdentityService) VerifyDelegation(ctx context.Context, childID, parentID string, sig []byte) error {
	child, err := s.Resolve(ctx, childID)
	if err != nil {
		return err
	}

	parent, err := s.Resolve(ctx, parentID)
	if err != nil {
		return err
	}

	if child.ParentID != parent.ID {
		return fmt.Errorf("%w: %s is not derived from %s", ErrInvalidDelegation, childID, parentID)
	}

	key, err := base64.StdEncoding.DecodeString(parent.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: parent %s has no usable public key", ErrInvalidDelegation, parentID)
	}

	if !ed25519.Verify(key, []byte(child.ID), sig) {
		return fmt.Errorf("%w: signature does not verify", ErrInvalidDelegation)
	}

	return nil
}
