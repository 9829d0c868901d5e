package engine

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
)

// Pause asks the owner to stop before the next step. The step in flight, if
// any, runs to completion.
func (e *Engine) Pause(ctx context.Context, executionID, actor string) (*models.ExecutionState, error) {
	r, ok := e.run(executionID)
	if !ok {
		return nil, e.notLive(ctx, executionID, "pause")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Status != models.ExecutionStatusRunning || r.stop != nil {
		return nil, conflict("pause", r.state, r.stop)
	}

	r.state.Status = models.ExecutionStatusPaused
	r.requestedBy = actor

	e.logger.InfoContext(ctx, "execution pause requested", "execution_id", executionID, "actor", actor)

	return r.state.Clone(), nil
}

func (e *Engine) Resume(ctx context.Context, executionID, actor string) (*models.ExecutionState, error) {
	r, ok := e.run(executionID)
	if !ok {
		return nil, e.notLive(ctx, executionID, "resume")
	}

	r.mu.Lock()

	if r.state.Status != models.ExecutionStatusPaused || r.stop != nil {
		defer r.mu.Unlock()

		return nil, conflict("resume", r.state, r.stop)
	}

	r.state.Status = models.ExecutionStatusRunning
	r.requestedBy = actor
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.signal()

	e.logger.InfoContext(ctx, "execution resumed", "execution_id", executionID, "actor", actor)

	return snapshot, nil
}

// Abort asks the owner to stop at the next step boundary. The returned snapshot
// still shows the pre-abort status; Wait observes the final one.
func (e *Engine) Abort(ctx context.Context, executionID, actor string) (*models.ExecutionState, error) {
	r, ok := e.run(executionID)
	if !ok {
		return nil, e.notLive(ctx, executionID, "abort")
	}

	r.mu.Lock()

	status := r.state.Status
	if (status != models.ExecutionStatusRunning && status != models.ExecutionStatusPaused) || r.stop != nil {
		defer r.mu.Unlock()

		return nil, conflict("abort", r.state, r.stop)
	}

	r.stop = &stopRequest{cause: models.TerminationAborted, by: actor}
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.signal()

	e.logger.InfoContext(ctx, "execution abort requested", "execution_id", executionID, "actor", actor)

	return snapshot, nil
}

// notLive explains why an execution that has no owner cannot transition.
func (e *Engine) notLive(ctx context.Context, executionID, op string) error {
	state, err := e.Get(ctx, executionID)
	if err != nil {
		return err
	}

	return conflict(op, state, nil)
}

func conflict(op string, state *models.ExecutionState, stop *stopRequest) error {
	err := &StateConflictError{Op: op, ExecutionID: state.ExecutionID, Status: state.Status}
	if stop != nil {
		err.Reason = fmt.Sprintf("%s already requested", stop.cause)
	}

	return err
}

// handleViolations is the governor's callback. Throttling applies from the
// next step; termination is observed at the next step boundary.
func (e *Engine) handleViolations(ctx context.Context, executionID string, action models.EnforcementAction, violations []models.ResourceViolation) {
	r, ok := e.run(executionID)
	if !ok {
		return
	}

	r.mu.Lock()
	r.state.Violations = append(r.state.Violations, violations...)
	flowID := r.state.FlowID

	switch action {
	case models.ActionThrottle:
		r.state.Context.Throttled = true
	case models.ActionTerminate:
		if r.stop == nil {
			r.stop = &stopRequest{cause: models.TerminationResourceViolation, by: "governor", violations: violations}
		}
	}
	r.mu.Unlock()

	for _, v := range violations {
		e.publish(ctx, events.ResourceViolationDetected{
			BaseEvent: events.NewBase(events.ResourceViolationEvent, executionID, flowID, "governor"),
			Violation: v,
		})
	}

	e.logger.WarnContext(ctx, "resource violation",
		"execution_id", executionID,
		"action", action,
		"violations", len(violations),
	)

	if action == models.ActionTerminate {
		r.signal()
	}
}
