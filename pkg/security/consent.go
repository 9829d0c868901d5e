package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/ratelimit"
)

// StaticConsentService grants scopes from an in-memory table and optionally
// rate limits consent checks per principal.
type StaticConsentService struct {
	mu      sync.RWMutex
	grants  map[string][]string
	limiter ratelimit.Limiter
	limit   int
	window  time.Duration
}

// NewStaticConsentService creates an empty grant table.
func NewStaticConsentService() *StaticConsentService {
	return &StaticConsentService{grants: make(map[string][]string)}
}

// WithRateLimit caps consent checks to limit per window per principal.
func (s *StaticConsentService) WithRateLimit(limiter ratelimit.Limiter, limit int, window time.Duration) *StaticConsentService {
	s.limiter = limiter
	s.limit = limit
	s.window = window

	return s
}

// Grant gives principal the listed scopes.
func (s *StaticConsentService) Grant(principal string, scopes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grants[principal] = append(s.grants[principal], scopes...)
}

// Revoke removes all of principal's scopes.
func (s *StaticConsentService) Revoke(principal string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.grants, principal)
}

func (s *StaticConsentService) CheckScopes(ctx context.Context, principal string, scopes []string) (*models.ConsentDecision, error) {
	if s.limiter != nil && s.limit > 0 {
		decision, err := s.limiter.Allow(ctx, "consent:"+principal, s.limit, s.window)
		if err != nil {
			return nil, fmt.Errorf("consent rate limit: %w", err)
		}

		if !decision.Allowed {
			return &models.ConsentDecision{Granted: false, RateLimited: true}, nil
		}
	}

	s.mu.RLock()
	granted := s.grants[principal]
	s.mu.RUnlock()

	var missing []string

	for _, scope := range scopes {
		if !HasAny(granted, scope) {
			missing = append(missing, scope)
		}
	}

	return &models.ConsentDecision{Granted: len(missing) == 0, MissingScopes: missing}, nil
}
