package engine

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
)

// CreateCheckpoint pins the execution's latest saved state under name and
// records the checkpoint in the audit trail.
func (e *Engine) CreateCheckpoint(ctx context.Context, executionID, name, actor string) (*models.Checkpoint, error) {
	if e.states == nil {
		return nil, ErrNoStateStore
	}

	state, err := e.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	checkpoint, err := e.states.CreateCheckpoint(ctx, executionID, name)
	if err != nil {
		return nil, err
	}

	if err := e.emit(ctx, events.CheckpointCreated{
		BaseEvent: events.NewBase(events.CheckpointCreatedEvent, executionID, state.FlowID, actorOr(actor)),
		Name:      checkpoint.Name,
		Address:   checkpoint.Address,
	}); err != nil {
		return nil, fmt.Errorf("failed to record checkpoint: %w", err)
	}

	e.logger.InfoContext(ctx, "checkpoint created", "execution_id", executionID, "name", name, "address", checkpoint.Address)

	return checkpoint, nil
}

func (e *Engine) Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	if e.states == nil {
		return nil, ErrNoStateStore
	}

	if _, err := e.Get(ctx, executionID); err != nil {
		return nil, err
	}

	return e.states.Checkpoints(ctx, executionID)
}

// RestoreCheckpoint rewinds the execution to a checkpoint and leaves it paused;
// Resume continues from the checkpoint's current step. The audit chain is
// extended, never rewound. A live execution must be paused at a step boundary;
// a failed or aborted one is re-owned with a fresh allocation.
func (e *Engine) RestoreCheckpoint(ctx context.Context, executionID, name, actor string) (*models.ExecutionState, error) {
	if e.states == nil {
		return nil, ErrNoStateStore
	}

	if r, ok := e.run(executionID); ok {
		return e.restoreLive(ctx, r, name, actor)
	}

	state, err := e.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch state.Status {
	case models.ExecutionStatusPaused, models.ExecutionStatusFailed, models.ExecutionStatusAborted:
	default:
		return nil, conflict("restore", state, nil)
	}

	return e.restoreDetached(ctx, state, name, actor)
}

func (e *Engine) restoreLive(ctx context.Context, r *run, name, actor string) (*models.ExecutionState, error) {
	r.mu.Lock()

	if r.state.Status != models.ExecutionStatusPaused || r.stop != nil {
		defer r.mu.Unlock()

		return nil, conflict("restore", r.state, r.stop)
	}

	if !r.atBoundary {
		defer r.mu.Unlock()

		return nil, &StateConflictError{Op: "restore", ExecutionID: r.id, Status: r.state.Status, Reason: "a step is still in flight"}
	}

	restored, checkpoint, err := e.states.RestoreCheckpoint(ctx, r.id, name)
	if err != nil {
		r.mu.Unlock()

		return nil, err
	}

	reopen(restored, r.state.AllocationID)
	restored.Context.Throttled = r.state.Context.Throttled
	restored.Violations = r.state.Violations
	r.state = restored
	r.requestedBy = actorOr(actor)
	r.mu.Unlock()

	return e.recordRestore(ctx, r, checkpoint, actor)
}

func (e *Engine) restoreDetached(ctx context.Context, current *models.ExecutionState, name, actor string) (*models.ExecutionState, error) {
	flow, err := e.loadFlow(ctx, current.FlowID, current.FlowVersion)
	if err != nil {
		return nil, err
	}

	var allocationID string

	if e.governor != nil {
		var requested models.ResourceLimits
		if current.Context.Resources != nil {
			requested = *current.Context.Resources
		}

		allocation, err := e.governor.Allocate(ctx, current.Context.TenantSubnet, requested)
		if err != nil {
			return nil, err
		}

		allocationID = allocation.ID
	}

	restored, checkpoint, err := e.states.RestoreCheckpoint(ctx, current.ExecutionID, name)
	if err != nil {
		if e.governor != nil {
			_, _ = e.governor.Release(ctx, allocationID)
		}

		return nil, err
	}

	reopen(restored, allocationID)

	r := newRun(restored, flow, 0)
	r.pauseApplied = true
	r.requestedBy = actorOr(actor)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()

		if e.governor != nil {
			_, _ = e.governor.Release(ctx, allocationID)
		}

		return nil, ErrShuttingDown
	}

	if _, taken := e.runs[r.id]; taken {
		e.mu.Unlock()

		if e.governor != nil {
			_, _ = e.governor.Release(ctx, allocationID)
		}

		return nil, &StateConflictError{Op: "restore", ExecutionID: r.id, Status: current.Status, Reason: "execution was restored concurrently"}
	}

	e.runs[r.id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if e.governor != nil {
		if err := e.governor.Attach(allocationID, r.id, r.sampler(), e.handleViolations); err != nil {
			e.logger.WarnContext(ctx, "failed to attach allocation monitor", "execution_id", r.id, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
	}

	snapshot, err := e.recordRestore(ctx, r, checkpoint, actor)

	go e.drive(r)

	return snapshot, err
}

func (e *Engine) recordRestore(ctx context.Context, r *run, checkpoint *models.Checkpoint, actor string) (*models.ExecutionState, error) {
	if err := e.emit(ctx, events.CheckpointRestored{
		BaseEvent: events.NewBase(events.CheckpointRestoredEvent, r.id, r.flow.ID, actorOr(actor)),
		Name:      checkpoint.Name,
		Address:   checkpoint.Address,
	}); err != nil {
		return nil, fmt.Errorf("failed to record restore: %w", err)
	}

	if err := e.persist(ctx, r); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "checkpoint restored", "execution_id", r.id, "name", checkpoint.Name)

	return r.snapshot(), nil
}

// reopen turns a restored snapshot into a paused, non-terminal state.
func reopen(state *models.ExecutionState, allocationID string) {
	state.Status = models.ExecutionStatusPaused
	state.EndedAt = nil
	state.Error = nil
	state.Cause = ""
	state.AbortedBy = ""
	state.AllocationID = allocationID
}

func actorOr(actor string) string {
	if actor == "" {
		return Actor
	}

	return actor
}
