// Package config loads tenant tier policy from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/dukex/strata/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultWarningRatio is the utilization at which an alert is raised.
	DefaultWarningRatio = 0.8
	// DefaultTierName is the tier used by DefaultTenantPolicy.
	DefaultTierName = "standard"
)

var ErrInvalidPolicy = errors.New("invalid tenant policy")

// TenantConfig describes how one tenant subnet is governed.
type TenantConfig struct {
	Tier          string `yaml:"tier"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// BudgetUnits caps the cost units all open and released allocations may consume. Zero is unlimited.
	BudgetUnits  float64                  `yaml:"budget_units"`
	OnHardLimit  models.EnforcementAction `yaml:"on_hard_limit"`
	WarningRatio float64                  `yaml:"warning_ratio"`
}

// TenantPolicy maps tenant subnets to resource tiers.
type TenantPolicy struct {
	Tiers       map[string]models.ResourceLimits `yaml:"tiers"`
	Tenants     map[string]TenantConfig          `yaml:"tenants"`
	DefaultTier string                           `yaml:"default_tier"`
}

// DefaultTenantPolicy admits any tenant on a single modest tier.
func DefaultTenantPolicy() *TenantPolicy {
	return &TenantPolicy{
		Tiers: map[string]models.ResourceLimits{
			DefaultTierName: {
				MemoryMB:           512,
				CPUTimeMs:          60_000,
				WallClockMs:        300_000,
				FileDescriptors:    256,
				NetworkConnections: 32,
				DiskMB:             1024,
			},
		},
		Tenants:     map[string]TenantConfig{},
		DefaultTier: DefaultTierName,
	}
}

// LoadTenantPolicy reads a policy file.
func LoadTenantPolicy(path string) (*TenantPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant policy %s: %w", path, err)
	}

	return ParseTenantPolicy(data)
}

// LoadTenantPolicyOrDefault returns DefaultTenantPolicy when path is empty.
func LoadTenantPolicyOrDefault(path string) (*TenantPolicy, error) {
	if path == "" {
		return DefaultTenantPolicy(), nil
	}

	return LoadTenantPolicy(path)
}

// ParseTenantPolicy decodes and validates a YAML policy.
func ParseTenantPolicy(data []byte) (*TenantPolicy, error) {
	var policy TenantPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse tenant policy: %w", err)
	}

	if policy.Tenants == nil {
		policy.Tenants = map[string]TenantConfig{}
	}

	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &policy, nil
}

// Validate checks every tenant refers to a known tier and uses a known action.
func (p *TenantPolicy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("%w: at least one tier is required", ErrInvalidPolicy)
	}

	if p.DefaultTier != "" {
		if _, ok := p.Tiers[p.DefaultTier]; !ok {
			return fmt.Errorf("%w: default tier %q is not defined", ErrInvalidPolicy, p.DefaultTier)
		}
	}

	for name, tenant := range p.Tenants {
		if _, ok := p.Tiers[tenant.Tier]; !ok {
			return fmt.Errorf("%w: tenant %q uses unknown tier %q", ErrInvalidPolicy, name, tenant.Tier)
		}

		switch tenant.OnHardLimit {
		case "", models.ActionThrottle, models.ActionTerminate:
		default:
			return fmt.Errorf("%w: tenant %q has unsupported on_hard_limit %q", ErrInvalidPolicy, name, tenant.OnHardLimit)
		}

		if tenant.WarningRatio < 0 || tenant.WarningRatio > 1 {
			return fmt.Errorf("%w: tenant %q warning_ratio must be within [0,1]", ErrInvalidPolicy, name)
		}

		if tenant.MaxConcurrent < 0 || tenant.BudgetUnits < 0 {
			return fmt.Errorf("%w: tenant %q has negative quota", ErrInvalidPolicy, name)
		}
	}

	return nil
}

// Resolve returns the effective configuration and tier ceilings for tenant.
// Unknown tenants fall back to the default tier; ok is false when there is none.
func (p *TenantPolicy) Resolve(tenant string) (TenantConfig, models.ResourceLimits, bool) {
	cfg, known := p.Tenants[tenant]
	if !known {
		if p.DefaultTier == "" {
			return TenantConfig{}, models.ResourceLimits{}, false
		}

		cfg = TenantConfig{Tier: p.DefaultTier}
	}

	limits, ok := p.Tiers[cfg.Tier]
	if !ok {
		return TenantConfig{}, models.ResourceLimits{}, false
	}

	if cfg.OnHardLimit == "" {
		cfg.OnHardLimit = models.ActionTerminate
	}

	if cfg.WarningRatio == 0 {
		cfg.WarningRatio = DefaultWarningRatio
	}

	return cfg, limits, true
}
