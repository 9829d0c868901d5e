package engine

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
)

// drive is the owner loop of one execution.
func (e *Engine) drive(r *run) {
	ctx := e.ctx

	defer func() {
		if e.metrics != nil {
			e.metrics.ActiveExecutions.Dec()
		}

		e.wg.Done()
	}()

	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("execution owner panicked", "execution_id", r.id, "panic", rec)
			e.fail(ctx, r, models.TerminationEngineError, fmt.Sprintf("engine error: %v", rec))
		}
	}()

	for iteration := 0; ; iteration++ {
		if !e.boundary(ctx, r) {
			return
		}

		r.mu.Lock()
		stepID := r.state.CurrentStep
		r.mu.Unlock()

		if stepID == "" {
			e.finish(ctx, r, models.ExecutionStatusCompleted, "", nil)

			return
		}

		if iteration >= MaxStepIterations {
			e.fail(ctx, r, models.TerminationEngineError, fmt.Sprintf("exceeded %d step iterations", MaxStepIterations))

			return
		}

		step, ok := r.flow.StepByID(stepID)
		if !ok {
			e.fail(ctx, r, models.TerminationEngineError, fmt.Sprintf("step %q not found in flow %s", stepID, r.flow.ID))

			return
		}

		outcome := e.executeStep(ctx, r, step)
		if outcome.fatal != nil {
			e.logger.Error("execution failed on engine error", "execution_id", r.id, "step_id", step.ID, "error", outcome.fatal)
			e.fail(ctx, r, models.TerminationEngineError, outcome.fatal.Error())

			return
		}

		if ctx.Err() != nil {
			e.fail(ctx, r, models.TerminationEngineError, ErrShuttingDown.Error())

			return
		}

		next, failed := route(r.flow, step, outcome)

		r.mu.Lock()
		merge(r.state, step, outcome)
		if !failed {
			r.state.CurrentStep = next
		}
		r.mu.Unlock()

		if failed {
			e.finish(ctx, r, models.ExecutionStatusFailed, models.TerminationStepFailure, outcome.err)

			return
		}

		if err := e.persist(ctx, r); err != nil {
			e.logger.Error("failed to persist execution", "execution_id", r.id, "error", err)
			e.fail(ctx, r, models.TerminationEngineError, err.Error())

			return
		}
	}
}

// boundary applies pending lifecycle requests. It returns false when the
// execution has reached a terminal state.
func (e *Engine) boundary(ctx context.Context, r *run) bool {
	for {
		r.mu.Lock()

		if r.stop != nil {
			req := r.stop
			r.mu.Unlock()
			e.terminate(ctx, r, req)

			return false
		}

		if ctx.Err() != nil {
			r.mu.Unlock()
			e.fail(ctx, r, models.TerminationEngineError, ErrShuttingDown.Error())

			return false
		}

		status := r.state.Status
		step := r.state.CurrentStep
		actor := r.requestedBy
		flowID := r.state.FlowID

		switch {
		case status == models.ExecutionStatusPaused && !r.pauseApplied:
			r.pauseApplied = true
			r.mu.Unlock()

			if !e.transitionRecord(ctx, r, events.ExecutionPaused{
				BaseEvent: events.NewBase(events.ExecutionPausedEvent, r.id, flowID, actor),
				StepID:    step,
			}) {
				return false
			}

		case status == models.ExecutionStatusPaused:
			r.atBoundary = true
			r.mu.Unlock()

			select {
			case <-r.wake:
			case <-ctx.Done():
			}

			r.mu.Lock()
			r.atBoundary = false
			r.mu.Unlock()

		case r.pauseApplied:
			r.pauseApplied = false
			r.mu.Unlock()

			if !e.transitionRecord(ctx, r, events.ExecutionResumed{
				BaseEvent: events.NewBase(events.ExecutionResumedEvent, r.id, flowID, actor),
				StepID:    step,
			}) {
				return false
			}

		default:
			throttled := r.state.Context.Throttled
			r.mu.Unlock()

			if throttled && e.throttleDelay > 0 {
				timer := time.NewTimer(e.throttleDelay)
				select {
				case <-timer.C:
				case <-ctx.Done():
				}
				timer.Stop()
			}

			return true
		}
	}
}

// transitionRecord records a pause or resume and persists the new status.
func (e *Engine) transitionRecord(ctx context.Context, r *run, event events.Event) bool {
	if err := e.emit(ctx, event); err != nil {
		e.fail(ctx, r, models.TerminationEngineError, fmt.Sprintf("failed to record %s: %v", event.GetType(), err))

		return false
	}

	if err := e.persist(ctx, r); err != nil {
		e.logger.WarnContext(ctx, "failed to persist execution", "execution_id", r.id, "error", err)
	}

	return true
}

// route picks the next step. A false condition (Alternate) follows on_failure
// like a failure but does not fail the execution.
func route(flow *models.FlowDefinition, step *models.Step, outcome stepOutcome) (next string, failed bool) {
	switch {
	case outcome.err != nil && step.OnFailure != nil:
		return *step.OnFailure, false
	case outcome.err != nil:
		return "", true
	case outcome.out.Alternate && step.OnFailure != nil:
		return *step.OnFailure, false
	case outcome.out.Alternate:
		return flow.DefaultNext(step.ID), false
	case step.OnSuccess != nil:
		return *step.OnSuccess, false
	case step.Terminal:
		return "", false
	default:
		return flow.DefaultNext(step.ID), false
	}
}

// merge folds a step outcome, and the outcomes of any branches it ran, into state.
func merge(state *models.ExecutionState, step *models.Step, outcome stepOutcome) {
	for _, branchID := range step.Branches {
		if branch, ok := outcome.branches.get(branchID); ok {
			if branchStep, found := lookupStep(outcome.branches, branchID); found {
				merge(state, branchStep, branch)
			}
		}
	}

	if outcome.err != nil {
		state.FailedSteps = append(state.FailedSteps, step.ID)
		state.Error = outcome.err

		return
	}

	if state.StepResults == nil {
		state.StepResults = map[string]any{}
	}

	if state.Variables == nil {
		state.Variables = map[string]any{}
	}

	state.StepResults[step.ID] = outcome.out.Data
	maps.Copy(state.Variables, outcome.out.Variables)
	state.CompletedSteps = append(state.CompletedSteps, step.ID)
}

func lookupStep(c *branchCollector, id string) (*models.Step, bool) {
	if c == nil {
		return nil, false
	}

	return c.flow.StepByID(id)
}

func (e *Engine) fail(ctx context.Context, r *run, cause models.TerminationCause, message string) {
	e.finish(ctx, r, models.ExecutionStatusFailed, cause, &models.StepError{Type: models.StepErrorInternal, Message: message})
}

// terminate ends an execution on a stop request. A resource violation fails
// the execution; a user abort leaves it aborted.
func (e *Engine) terminate(ctx context.Context, r *run, req *stopRequest) {
	if req.cause == models.TerminationResourceViolation {
		msg := "terminated after resource violation"
		if len(req.violations) > 0 {
			v := req.violations[0]
			msg = fmt.Sprintf("%s: %s %d exceeds limit %d", msg, v.Resource, v.Actual, v.Limit)
		}

		e.finish(ctx, r, models.ExecutionStatusFailed, req.cause, &models.StepError{Type: models.StepErrorResource, Message: msg})

		return
	}

	r.mu.Lock()
	r.state.AbortedBy = req.by
	r.mu.Unlock()

	e.finish(ctx, r, models.ExecutionStatusAborted, req.cause, nil)
}

// finish moves the execution into a terminal state: it releases the
// allocation, records the terminal event and persists the final snapshot.
func (e *Engine) finish(ctx context.Context, r *run, status models.ExecutionStatus, cause models.TerminationCause, stepErr *models.StepError) {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if r.state.Status.IsTerminal() {
		r.mu.Unlock()

		return
	}

	now := e.now()
	r.state.Status = status
	r.state.Cause = cause
	r.state.EndedAt = &now

	switch {
	case stepErr != nil:
		r.state.Error = stepErr
	case status == models.ExecutionStatusCompleted:
		r.state.Error = nil
	}

	state := r.state.Clone()
	r.mu.Unlock()

	usage := e.releaseAllocation(ctx, r)
	duration := state.Duration(now)
	base := func(t events.EventType, actor string) events.BaseEvent {
		return events.NewBase(t, state.ExecutionID, state.FlowID, actor)
	}

	var event events.Event

	switch status {
	case models.ExecutionStatusCompleted:
		completed := events.ExecutionCompleted{
			BaseEvent:      base(events.ExecutionCompletedEvent, Actor),
			CompletedSteps: state.CompletedSteps,
			DurationMs:     duration.Milliseconds(),
		}
		if usage != nil {
			completed.Usage = &usage.Usage
		}

		event = completed
	case models.ExecutionStatusAborted:
		event = events.ExecutionAborted{
			BaseEvent:  base(events.ExecutionAbortedEvent, actorOr(state.AbortedBy)),
			StepID:     state.CurrentStep,
			Cause:      cause,
			AbortedBy:  state.AbortedBy,
			DurationMs: duration.Milliseconds(),
			Violations: state.Violations,
		}
	default:
		event = events.ExecutionFailed{
			BaseEvent:  base(events.ExecutionFailedEvent, Actor),
			StepID:     state.CurrentStep,
			Error:      state.Error,
			Cause:      cause,
			DurationMs: duration.Milliseconds(),
			Input:      state.Context.Input,
			Violations: state.Violations,
		}
	}

	if err := e.emit(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to record terminal event", "execution_id", state.ExecutionID, "status", status, "error", err)
	}

	if err := e.persist(ctx, r); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist terminal state", "execution_id", state.ExecutionID, "error", err)
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(state.FlowID).Observe(duration.Seconds())
	}

	e.logger.InfoContext(ctx, "execution finished",
		"execution_id", state.ExecutionID,
		"flow_id", state.FlowID,
		"status", status,
		"cause", cause,
		"duration", duration,
	)

	e.mu.Lock()
	if e.runs[r.id] == r {
		delete(e.runs, r.id)
	}
	e.mu.Unlock()

	close(r.done)
}
