// Package governor grants per-execution resource ceilings out of tenant tiers,
// monitors usage against them and finalizes billing on release.
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/config"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultInterval is the monitoring period.
	DefaultInterval = time.Second
	// MinInterval is the shortest period the cron scheduler honours.
	MinInterval = time.Second
	// DefaultRetention is how long released allocations stay queryable.
	DefaultRetention = 10 * time.Minute

	pruneSpec = "@every 1m"
)

// ViolationHandler receives the violations found for one execution in one tick
// together with the most severe action among them.
type ViolationHandler func(ctx context.Context, executionID string, action models.EnforcementAction, violations []models.ResourceViolation)

// SamplerFunc adapts a function to protocol.UsageSampler.
type SamplerFunc func(ctx context.Context) (models.ResourceUsage, error)

func (f SamplerFunc) Sample(ctx context.Context) (models.ResourceUsage, error) {
	return f(ctx)
}

type lease struct {
	allocation models.ResourceAllocation
	config     config.TenantConfig
	sampler    protocol.UsageSampler
	handler    ViolationHandler
	lastUsage  models.ResourceUsage
	reported   map[models.Resource]models.ViolationSeverity
	violations []models.ResourceViolation
	record     *models.UsageRecord
}

type housekeepingJob struct {
	spec string
	run  func()
}

// Governor is safe for concurrent use.
type Governor struct {
	mu     sync.Mutex
	policy *config.TenantPolicy
	// leases holds open allocations; released ones move to released until pruned.
	leases   map[string]*lease
	released map[string]*lease
	active   map[string]int
	spent    map[string]float64

	usage        persistence.UsageRepository
	metrics      *metrics.Metrics
	logger       *slog.Logger
	interval     time.Duration
	retention    time.Duration
	housekeeping []housekeepingJob
	now          func() time.Time
	cron         *cron.Cron
}

type Option func(*Governor)

// WithUsageRepository persists a UsageRecord for every release.
func WithUsageRepository(repo persistence.UsageRepository) Option {
	return func(g *Governor) {
		g.usage = repo
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Governor) {
		g.metrics = m
	}
}

// WithInterval sets the monitoring period used by Start.
func WithInterval(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.interval = d
		}
	}
}

// WithRetention sets how long a released allocation is kept for lookups.
func WithRetention(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.retention = d
		}
	}
}

// WithHousekeeping runs fn on the monitor's scheduler using a cron spec.
func WithHousekeeping(spec string, fn func()) Option {
	return func(g *Governor) {
		g.housekeeping = append(g.housekeeping, housekeepingJob{spec: spec, run: fn})
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// New creates a governor for the given tenant policy.
func New(policy *config.TenantPolicy, logger *slog.Logger, opts ...Option) *Governor {
	g := &Governor{
		policy:    policy,
		leases:    make(map[string]*lease),
		released:  make(map[string]*lease),
		active:    make(map[string]int),
		spent:     make(map[string]float64),
		logger:    logger.With("module", "governor"),
		interval:  DefaultInterval,
		retention: DefaultRetention,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Allocate grants a ceiling vector to tenant. Zero dimensions in requested take
// the tier ceiling; a dimension above the tier ceiling is denied.
func (g *Governor) Allocate(ctx context.Context, tenant string, requested models.ResourceLimits) (*models.ResourceAllocation, error) {
	cfg, tier, ok := g.policy.Resolve(tenant)
	if !ok {
		return nil, g.deny(ctx, tenant, "no resource tier configured for tenant")
	}

	var granted models.ResourceLimits

	for _, r := range models.Resources {
		req, ceiling := requested.Get(r), tier.Get(r)

		switch {
		case req < 0:
			return nil, g.deny(ctx, tenant, fmt.Sprintf("requested %s must not be negative", r))
		case req == 0:
			granted.Set(r, ceiling)
		case ceiling > 0 && req > ceiling:
			return nil, g.deny(ctx, tenant, fmt.Sprintf("requested %s %d exceeds %s tier ceiling %d", r, req, cfg.Tier, ceiling))
		default:
			granted.Set(r, req)
		}
	}

	g.mu.Lock()

	if cfg.MaxConcurrent > 0 && g.active[tenant] >= cfg.MaxConcurrent {
		g.mu.Unlock()

		return nil, g.deny(ctx, tenant, fmt.Sprintf("concurrency limit of %d executions reached", cfg.MaxConcurrent))
	}

	if cfg.BudgetUnits > 0 && g.spent[tenant] >= cfg.BudgetUnits {
		spent := g.spent[tenant]
		g.mu.Unlock()

		return nil, g.deny(ctx, tenant, fmt.Sprintf("budget exhausted: %.2f of %.2f units used", spent, cfg.BudgetUnits))
	}

	allocation := models.ResourceAllocation{
		ID:          uuid.NewString(),
		Tenant:      tenant,
		Tier:        cfg.Tier,
		Limits:      granted,
		OnHardLimit: cfg.OnHardLimit,
		GrantedAt:   g.now(),
	}

	g.leases[allocation.ID] = &lease{
		allocation: allocation,
		config:     cfg,
		reported:   make(map[models.Resource]models.ViolationSeverity),
	}
	g.active[tenant]++
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.AllocationsTotal.WithLabelValues(tenant, "granted").Inc()
	}

	g.logger.DebugContext(ctx, "allocation granted", "allocation_id", allocation.ID, "tenant", tenant, "tier", cfg.Tier)

	return &allocation, nil
}

func (g *Governor) deny(ctx context.Context, tenant, reason string) error {
	if g.metrics != nil {
		g.metrics.AllocationsTotal.WithLabelValues(tenant, "denied").Inc()
	}

	g.logger.InfoContext(ctx, "allocation denied", "tenant", tenant, "reason", reason)

	return &DeniedError{Tenant: tenant, Reason: reason}
}

// Attach binds a running execution to its allocation so the monitor can sample it.
func (g *Governor) Attach(allocationID, executionID string, sampler protocol.UsageSampler, handler ViolationHandler) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.leases[allocationID]
	if !ok || l.record != nil {
		return fmt.Errorf("%w: %s", ErrAllocationNotFound, allocationID)
	}

	l.allocation.ExecutionID = executionID
	l.sampler = sampler
	l.handler = handler

	return nil
}

// lookup finds an open or recently released lease. Callers hold g.mu.
func (g *Governor) lookup(allocationID string) (*lease, bool) {
	if l, ok := g.leases[allocationID]; ok {
		return l, true
	}

	l, ok := g.released[allocationID]

	return l, ok
}

// Allocation returns a copy of an allocation.
func (g *Governor) Allocation(allocationID string) (models.ResourceAllocation, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lookup(allocationID)
	if !ok {
		return models.ResourceAllocation{}, false
	}

	return l.allocation, true
}

// Violations returns every violation recorded against an allocation.
func (g *Governor) Violations(allocationID string) []models.ResourceViolation {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lookup(allocationID)
	if !ok {
		return nil
	}

	return append([]models.ResourceViolation(nil), l.violations...)
}

// TenantUsage reports open allocations and consumed cost units for tenant.
func (g *Governor) TenantUsage(tenant string) (active int, spent float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.active[tenant], g.spent[tenant]
}

// Release finalizes an allocation. Repeated calls return the first record and
// never credit the tenant twice. Unknown or pruned allocations are ignored.
func (g *Governor) Release(ctx context.Context, allocationID string) (*models.UsageRecord, error) {
	g.mu.Lock()

	l, ok := g.lookup(allocationID)
	if !ok {
		g.mu.Unlock()
		g.logger.DebugContext(ctx, "release of unknown allocation ignored", "allocation_id", allocationID)

		return nil, nil
	}

	if l.record != nil {
		record := *l.record
		g.mu.Unlock()

		return &record, nil
	}

	sampler := l.sampler
	g.mu.Unlock()

	var (
		final   models.ResourceUsage
		sampled bool
	)

	if sampler != nil {
		usage, err := sampler.Sample(ctx)
		if err != nil {
			g.logger.WarnContext(ctx, "final usage sample failed", "allocation_id", allocationID, "error", err)
		} else {
			final, sampled = usage, true
		}
	}

	g.mu.Lock()

	if l.record != nil {
		record := *l.record
		g.mu.Unlock()

		return &record, nil
	}

	if !sampled {
		final = l.lastUsage
	}

	now := g.now()
	if wall := now.Sub(l.allocation.GrantedAt).Milliseconds(); final.WallClockMs < wall {
		final.WallClockMs = wall
	}

	record := &models.UsageRecord{
		AllocationID: allocationID,
		Tenant:       l.allocation.Tenant,
		ExecutionID:  l.allocation.ExecutionID,
		Usage:        final,
		CostUnits:    Cost(final),
		StartedAt:    l.allocation.GrantedAt,
		EndedAt:      now,
	}

	l.record = record
	l.sampler = nil
	l.handler = nil
	l.allocation.ReleasedAt = &now
	delete(g.leases, allocationID)
	g.released[allocationID] = l
	g.active[l.allocation.Tenant]--
	g.spent[l.allocation.Tenant] += record.CostUnits
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.CostUnits.WithLabelValues(record.Tenant).Add(record.CostUnits)
	}

	g.logger.DebugContext(ctx, "allocation released",
		"allocation_id", allocationID, "tenant", record.Tenant, "cost_units", record.CostUnits)

	out := *record

	if g.usage != nil {
		if err := g.usage.SaveUsage(ctx, record); err != nil {
			return &out, fmt.Errorf("failed to persist usage record: %w", err)
		}
	}

	return &out, nil
}

// Prune forgets released allocations older than the retention period and
// returns how many were dropped.
func (g *Governor) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.retention)
	pruned := 0

	for id, l := range g.released {
		if l.record.EndedAt.Before(cutoff) {
			delete(g.released, id)
			pruned++
		}
	}

	return pruned
}

// Cost converts a usage vector to billing units: one unit per CPU second plus
// one unit per GB-second of memory held.
func Cost(usage models.ResourceUsage) float64 {
	cpu := float64(usage.CPUTimeMs) / 1000
	memory := float64(usage.MemoryMB) * float64(usage.WallClockMs) / (1024 * 1000)

	return cpu + memory
}
