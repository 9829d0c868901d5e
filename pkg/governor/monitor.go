package governor

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/robfig/cron/v3"
)

type pendingAction struct {
	executionID string
	handler     ViolationHandler
	action      models.EnforcementAction
	violations  []models.ResourceViolation
}

// Tick samples every attached allocation once and enforces its ceilings.
func (g *Governor) Tick(ctx context.Context) {
	type target struct {
		id      string
		sampler protocol.UsageSampler
	}

	g.mu.Lock()

	targets := make([]target, 0, len(g.leases))
	for id, l := range g.leases {
		if l.sampler != nil && l.record == nil {
			targets = append(targets, target{id: id, sampler: l.sampler})
		}
	}
	g.mu.Unlock()

	var actions []pendingAction

	for _, t := range targets {
		usage, err := t.sampler.Sample(ctx)
		if err != nil {
			g.logger.WarnContext(ctx, "usage sample failed", "allocation_id", t.id, "error", err)

			continue
		}

		if pending, ok := g.evaluate(t.id, usage); ok {
			actions = append(actions, pending)
		}
	}

	for _, a := range actions {
		if a.handler != nil {
			a.handler(ctx, a.executionID, a.action, a.violations)
		}
	}
}

// evaluate records each newly crossed threshold independently and picks the
// most severe action among them.
func (g *Governor) evaluate(allocationID string, usage models.ResourceUsage) (pendingAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.leases[allocationID]
	if !ok || l.record != nil {
		return pendingAction{}, false
	}

	l.lastUsage = usage
	now := g.now()

	var found []models.ResourceViolation

	for _, r := range models.Resources {
		limit := l.allocation.Limits.Get(r)
		if limit <= 0 {
			continue
		}

		actual := usage.Get(r)
		utilization := float64(actual) / float64(limit)

		var (
			severity models.ViolationSeverity
			action   models.EnforcementAction
		)

		switch {
		case actual > limit:
			severity, action = models.SeverityCritical, l.config.OnHardLimit
		case utilization >= l.config.WarningRatio:
			severity, action = models.SeverityWarning, models.ActionAlert
		default:
			continue
		}

		if l.reported[r] == severity || l.reported[r] == models.SeverityCritical {
			continue
		}

		l.reported[r] = severity

		violation := models.ResourceViolation{
			AllocationID: allocationID,
			ExecutionID:  l.allocation.ExecutionID,
			Tenant:       l.allocation.Tenant,
			Resource:     r,
			Limit:        limit,
			Actual:       actual,
			Utilization:  utilization,
			Severity:     severity,
			Action:       action,
			DetectedAt:   now,
		}

		found = append(found, violation)

		if g.metrics != nil {
			g.metrics.ResourceViolations.WithLabelValues(string(r), string(severity), string(action)).Inc()
		}

		g.logger.Warn("resource threshold crossed",
			"allocation_id", allocationID,
			"execution_id", l.allocation.ExecutionID,
			"resource", r,
			"limit", limit,
			"actual", actual,
			"severity", severity,
			"action", action)
	}

	if len(found) == 0 {
		return pendingAction{}, false
	}

	l.violations = append(l.violations, found...)

	worst := found[0].Action
	for _, v := range found[1:] {
		if v.Action.Rank() > worst.Rank() {
			worst = v.Action
		}
	}

	return pendingAction{
		executionID: l.allocation.ExecutionID,
		handler:     l.handler,
		action:      worst,
		violations:  found,
	}, true
}

// Start runs Tick on the configured interval until Stop is called, together
// with pruning and any housekeeping jobs.
func (g *Governor) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cron != nil {
		return nil
	}

	if g.interval < MinInterval {
		return fmt.Errorf("monitor interval %s is below the %s minimum", g.interval, MinInterval)
	}

	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", g.interval), func() { g.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule resource monitor: %w", err)
	}

	if _, err := c.AddFunc(pruneSpec, func() { g.Prune() }); err != nil {
		return fmt.Errorf("failed to schedule allocation pruning: %w", err)
	}

	for _, job := range g.housekeeping {
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return fmt.Errorf("failed to schedule housekeeping %q: %w", job.spec, err)
		}
	}

	c.Start()
	g.cron = c

	g.logger.Info("resource monitor started", "interval", g.interval)

	return nil
}

// Stop halts the monitor and waits for a running tick to finish.
func (g *Governor) Stop() {
	g.mu.Lock()
	c := g.cron
	g.cron = nil
	g.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
