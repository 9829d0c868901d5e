package admission

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/ratelimit"
	"github.com/dukex/strata/pkg/validation"
)

const (
	// DefaultMaxPayloadBytes is the size above which a payload counts as oversized.
	DefaultMaxPayloadBytes = 64 << 10
	// DefaultFrequencyLimit is the per-source request count per window above
	// which a source counts as high frequency.
	DefaultFrequencyLimit = 30

	riskSourceLocal = "local"
)

var severityWeights = map[validation.Severity]int{
	validation.SeverityLow:      5,
	validation.SeverityMedium:   15,
	validation.SeverityHigh:     30,
	validation.SeverityCritical: 40,
}

// Scorer computes a risk score from local heuristics when no external risk
// service is configured.
type Scorer struct {
	limiter         ratelimit.Limiter
	detector        *validation.Detector
	blocked         []netip.Prefix
	maxPayloadBytes int
	frequencyLimit  int
}

type ScorerOption func(*Scorer)

// WithBlockedNetworks marks CIDR ranges whose callers score as high risk.
func WithBlockedNetworks(prefixes ...netip.Prefix) ScorerOption {
	return func(s *Scorer) {
		s.blocked = append(s.blocked, prefixes...)
	}
}

func WithMaxPayloadBytes(n int) ScorerOption {
	return func(s *Scorer) {
		if n > 0 {
			s.maxPayloadBytes = n
		}
	}
}

func WithFrequencyLimit(n int) ScorerOption {
	return func(s *Scorer) {
		if n > 0 {
			s.frequencyLimit = n
		}
	}
}

func NewScorer(limiter ratelimit.Limiter, detector *validation.Detector, opts ...ScorerOption) *Scorer {
	s := &Scorer{
		limiter:         limiter,
		detector:        detector,
		maxPayloadBytes: DefaultMaxPayloadBytes,
		frequencyLimit:  DefaultFrequencyLimit,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.detector == nil {
		s.detector = validation.NewDetector()
	}

	return s
}

// ParseNetworks parses CIDR strings such as "10.0.0.0/8".
func ParseNetworks(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))

	for _, cidr := range cidrs {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", cidr, err)
		}

		prefixes = append(prefixes, prefix.Masked())
	}

	return prefixes, nil
}

// Score returns an assessment clamped to 0..100. verified reports whether the
// declared source identity was resolved by the identity service.
func (s *Scorer) Score(ctx context.Context, candidate protocol.RiskCandidate, verified bool, window time.Duration) *models.RiskAssessment {
	score := 0
	factors := []string{}

	add := func(points int, factor string) {
		score += points
		factors = append(factors, factor)
	}

	if len(candidate.Payload) > s.maxPayloadBytes {
		add(20, fmt.Sprintf("oversized payload: %d bytes", len(candidate.Payload)))
	}

	var decoded any
	if err := json.Unmarshal(candidate.Payload, &decoded); err != nil {
		decoded = string(candidate.Payload)
	}

	for _, detection := range s.detector.Analyze(decoded) {
		add(severityWeights[detection.Severity], fmt.Sprintf("%s (%s)", detection.Pattern, detection.Severity))
	}

	switch {
	case candidate.SourceID == "":
		add(10, "anonymous source")
	case !verified:
		add(5, "unverified source")
	}

	addr, hasAddr := parseAddress(candidate.SourceAddress)
	switch {
	case !hasAddr:
		add(10, "missing source address")
	case s.isBlocked(addr):
		add(50, "blocked network")
	}

	if key := frequencyKey(candidate); key != "" && s.limiter != nil {
		decision, err := s.limiter.Allow(ctx, "risk:"+key, s.frequencyLimit, window)
		if err == nil && !decision.Allowed {
			add(25, "high request frequency")
		}
	}

	return &models.RiskAssessment{
		Score:   clamp(score),
		Factors: factors,
		Source:  riskSourceLocal,
	}
}

func (s *Scorer) isBlocked(addr netip.Addr) bool {
	for _, prefix := range s.blocked {
		if prefix.Contains(addr) {
			return true
		}
	}

	return false
}

func frequencyKey(candidate protocol.RiskCandidate) string {
	if candidate.SourceID != "" {
		return candidate.SourceID
	}

	if addr, ok := parseAddress(candidate.SourceAddress); ok {
		return addr.String()
	}

	return ""
}

func clamp(score int) int {
	return max(0, min(100, score))
}
