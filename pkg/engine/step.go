package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/otelhelper"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/dukex/strata/pkg/template"
	"github.com/dukex/strata/pkg/validation"
	"go.opentelemetry.io/otel/attribute"
)

// stepOutcome is the result of running one step through all of its attempts.
type stepOutcome struct {
	out      *protocol.StepOutput
	err      *models.StepError
	fatal    error
	branches *branchCollector
}

func failed(err *models.StepError) stepOutcome {
	return stepOutcome{err: err}
}

// executeStep renders, validates and runs step, retrying retryable failures
// per its policy. Every attempt is bracketed by dispatch and completion records.
func (e *Engine) executeStep(ctx context.Context, r *run, step *models.Step) stepOutcome {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.step",
		attribute.String(otelhelper.ExecutionIDKey, r.id),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	)
	defer span.End()

	collector := &branchCollector{flow: r.flow, results: map[string]stepOutcome{}}
	in := e.stepInput(r, step)
	in.Branches = &branchRunner{engine: e, run: r, collector: collector}
	in.Children = &childRunner{engine: e, parent: r}

	outcome := e.attempt(ctx, r, step, in)
	outcome.branches = collector

	if outcome.fatal == nil {
		outcome.fatal = collector.fatal()
	}

	switch {
	case outcome.fatal != nil:
		otelhelper.SetError(span, outcome.fatal)
	case outcome.err != nil:
		otelhelper.SetError(span, outcome.err)
	}

	return outcome
}

func (e *Engine) attempt(ctx context.Context, r *run, step *models.Step, in protocol.StepInput) stepOutcome {
	logger := e.logger.With("execution_id", r.id, "step_id", step.ID, "step_type", step.Type)

	params, err := template.RenderParams(step.Parameters, in.TemplateData())
	if err != nil {
		return e.rejectStep(ctx, r, step, &models.StepError{Type: models.StepErrorValidation, Message: err.Error()})
	}

	if in.Throttled && step.Type == models.StepTypeParallel {
		params = maps.Clone(params)
		if params == nil {
			params = map[string]any{}
		}

		params["max_concurrency"] = 1
	}

	in.Parameters = params

	if stepErr := e.validateStep(ctx, step, params); stepErr != nil {
		logger.InfoContext(ctx, "step rejected by validation", "error", stepErr.Message)

		return e.rejectStep(ctx, r, step, stepErr)
	}

	executor, err := e.executors.Executor(ctx, step.Type)
	if err != nil {
		return e.rejectStep(ctx, r, step, &models.StepError{Type: models.StepErrorValidation, Message: err.Error()})
	}

	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, step.Retry.Delay(attempt)); err != nil {
				return stepOutcome{fatal: err}
			}
		}

		in.Attempt = attempt

		if err := e.emit(ctx, events.StepDispatched{
			BaseEvent: events.NewBase(events.StepDispatchedEvent, r.id, r.flow.ID, Actor),
			StepID:    step.ID,
			StepType:  step.Type,
			Attempt:   attempt,
		}); err != nil {
			return stepOutcome{fatal: fmt.Errorf("failed to record dispatch: %w", err)}
		}

		started := time.Now()
		out, execErr := e.invoke(ctx, executor, step, in)
		duration := time.Since(started)

		e.observeStep(step, duration, execErr == nil)

		if execErr == nil {
			r.addUsage(out.Usage)

			if err := e.emit(ctx, events.StepCompleted{
				BaseEvent:  events.NewBase(events.StepCompletedEvent, r.id, r.flow.ID, Actor),
				StepID:     step.ID,
				StepType:   step.Type,
				Attempt:    attempt,
				DurationMs: duration.Milliseconds(),
				Output:     out.Data,
			}); err != nil {
				return stepOutcome{fatal: fmt.Errorf("failed to record completion: %w", err)}
			}

			logger.DebugContext(ctx, "step completed", "attempt", attempt, "duration", duration)

			return stepOutcome{out: out}
		}

		stepErr := models.AsStepError(execErr)
		willRetry := stepErr.Retryable && attempt < maxAttempts && ctx.Err() == nil && !r.stopRequested()

		if err := e.emit(ctx, events.StepFailed{
			BaseEvent:  events.NewBase(events.StepFailedEvent, r.id, r.flow.ID, Actor),
			StepID:     step.ID,
			StepType:   step.Type,
			Attempt:    attempt,
			DurationMs: duration.Milliseconds(),
			Error:      stepErr,
			WillRetry:  willRetry,
		}); err != nil {
			return stepOutcome{fatal: fmt.Errorf("failed to record failure: %w", err)}
		}

		logger.InfoContext(ctx, "step failed", "attempt", attempt, "error", stepErr.Message, "will_retry", willRetry)

		if !willRetry {
			return failed(stepErr)
		}
	}
}

// rejectStep records a failure for a step that was never dispatched.
func (e *Engine) rejectStep(ctx context.Context, r *run, step *models.Step, stepErr *models.StepError) stepOutcome {
	if err := e.emit(ctx, events.StepFailed{
		BaseEvent: events.NewBase(events.StepFailedEvent, r.id, r.flow.ID, Actor),
		StepID:    step.ID,
		StepType:  step.Type,
		Error:     stepErr,
	}); err != nil {
		return stepOutcome{fatal: fmt.Errorf("failed to record failure: %w", err)}
	}

	e.observeStep(step, 0, false)

	return failed(stepErr)
}

func (e *Engine) validateStep(ctx context.Context, step *models.Step, params map[string]any) *models.StepError {
	if e.validator == nil {
		return nil
	}

	result, err := e.validator.Validate(ctx, models.Operation{
		Kind:       validation.StepKind(step.Type),
		Action:     step.Action,
		Parameters: params,
		Schema:     step.ParameterSchema,
	})
	if err != nil {
		return &models.StepError{Type: models.StepErrorValidation, Message: fmt.Sprintf("validation unavailable: %v", err)}
	}

	if result.OverallStatus == models.ValidationFailed {
		return &models.StepError{Type: models.StepErrorValidation, Message: strings.Join(result.Errors(), "; ")}
	}

	return nil
}

// invoke runs one attempt under the step timeout. Panics become internal step errors.
func (e *Engine) invoke(ctx context.Context, executor protocol.StepExecutor, step *models.Step, in protocol.StepInput) (out *protocol.StepOutput, err error) {
	stepCtx := ctx

	if step.Timeout > 0 {
		var cancel context.CancelFunc

		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, &models.StepError{Type: models.StepErrorInternal, Message: fmt.Sprintf("step panicked: %v", rec)}
		}
	}()

	out, err = executor.Execute(stepCtx, in)

	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return nil, &models.StepError{
			Type:      models.StepErrorTimeout,
			Message:   fmt.Sprintf("step %q timed out after %s", step.ID, step.Timeout),
			Retryable: true,
		}
	}

	if err == nil && out == nil {
		out = &protocol.StepOutput{}
	}

	return out, err
}

func (e *Engine) observeStep(step *models.Step, duration time.Duration, ok bool) {
	if e.metrics == nil {
		return
	}

	outcome := "failed"
	if ok {
		outcome = "completed"
	}

	e.metrics.StepsTotal.WithLabelValues(string(step.Type), outcome).Inc()
	e.metrics.StepDuration.WithLabelValues(string(step.Type)).Observe(duration.Seconds())
}

func (e *Engine) stepInput(r *run, step *models.Step) protocol.StepInput {
	r.mu.Lock()
	defer r.mu.Unlock()

	return protocol.StepInput{
		ExecutionID: r.id,
		FlowID:      r.flow.ID,
		Tenant:      r.state.Context.TenantSubnet,
		Step:        step,
		Variables:   maps.Clone(r.state.Variables),
		StepResults: maps.Clone(r.state.StepResults),
		Input:       r.state.Context.Input,
		Throttled:   r.state.Context.Throttled,
	}
}

func (r *run) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stop != nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// branchCollector gathers the outcomes of a parallel step's branches.
type branchCollector struct {
	flow    *models.FlowDefinition
	mu      sync.Mutex
	results map[string]stepOutcome
}

func (c *branchCollector) get(id string) (stepOutcome, bool) {
	if c == nil {
		return stepOutcome{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	outcome, ok := c.results[id]

	return outcome, ok
}

func (c *branchCollector) fatal() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, outcome := range c.results {
		if outcome.fatal != nil {
			return outcome.fatal
		}
	}

	return nil
}

type branchRunner struct {
	engine    *Engine
	run       *run
	collector *branchCollector
}

func (b *branchRunner) RunBranch(ctx context.Context, stepID string) (*protocol.StepOutput, error) {
	step, ok := b.run.flow.StepByID(stepID)
	if !ok {
		return nil, &models.StepError{Type: models.StepErrorValidation, Message: fmt.Sprintf("unknown branch step %q", stepID)}
	}

	outcome := b.engine.executeStep(ctx, b.run, step)

	b.collector.mu.Lock()
	b.collector.results[stepID] = outcome
	b.collector.mu.Unlock()

	switch {
	case outcome.fatal != nil:
		return nil, outcome.fatal
	case outcome.err != nil:
		return nil, outcome.err
	default:
		return outcome.out, nil
	}
}

type childRunner struct {
	engine *Engine
	parent *run
}

// RunChild starts flowID as a child of the parent execution and waits for it.
// Cancelling ctx aborts the child.
func (c *childRunner) RunChild(ctx context.Context, flowID string, input map[string]any) (*models.ExecutionState, error) {
	parent := c.parent.snapshot()

	child, err := c.engine.start(ctx, flowID, models.ExecutionContext{
		TriggeredBy:  parent.Context.TriggeredBy,
		TriggerType:  "module-call",
		TenantSubnet: parent.Context.TenantSubnet,
		Input:        input,
	}, startOptions{parent: c.parent})
	if err != nil {
		return nil, err
	}

	r, ok := c.engine.run(child.ExecutionID)
	if !ok {
		return c.engine.Get(ctx, child.ExecutionID)
	}

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		if _, err := c.engine.Abort(context.WithoutCancel(ctx), child.ExecutionID, Actor); err != nil {
			c.engine.logger.WarnContext(ctx, "failed to abort child execution", "execution_id", child.ExecutionID, "error", err)
		}

		return nil, ctx.Err()
	}
}
