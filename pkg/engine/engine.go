// Package engine is the step-sequencing state machine. Every execution is driven
// by a single owner goroutine; lifecycle requests from other goroutines are
// applied by that owner at step boundaries.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/eventbus"
	"github.com/dukex/strata/pkg/events"
	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/metrics"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/otelhelper"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// Actor is recorded on events the engine originates itself.
	Actor = "engine"
	// MaxStepIterations bounds the steps one execution may run, catching routing loops.
	MaxStepIterations = 1000
	// MaxCallDepth bounds nested module-call executions.
	MaxCallDepth = 8
	// DefaultThrottleDelay is the pause inserted before each step of a throttled execution.
	DefaultThrottleDelay = 250 * time.Millisecond
)

// ExecutorSource resolves step executors; implemented by the registry.
type ExecutorSource interface {
	Executor(ctx context.Context, stepType models.StepType) (protocol.StepExecutor, error)
}

// AuditSink appends lifecycle events to the audit trail synchronously.
type AuditSink interface {
	Record(ctx context.Context, event events.Event) (*models.HistoricalRecord, error)
}

// StateStore persists execution snapshots and named checkpoints.
type StateStore interface {
	Save(ctx context.Context, state *models.ExecutionState) (string, error)
	CreateCheckpoint(ctx context.Context, executionID, name string) (*models.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, executionID, name string) (*models.ExecutionState, *models.Checkpoint, error)
	Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error)
}

// ResourceGovernor grants, monitors and releases resource allocations.
type ResourceGovernor interface {
	Allocate(ctx context.Context, tenant string, requested models.ResourceLimits) (*models.ResourceAllocation, error)
	Attach(allocationID, executionID string, sampler protocol.UsageSampler, handler governor.ViolationHandler) error
	Release(ctx context.Context, allocationID string) (*models.UsageRecord, error)
}

type Option func(*Engine)

func WithValidator(v protocol.Validator) Option {
	return func(e *Engine) {
		e.validator = v
	}
}

func WithGovernor(g ResourceGovernor) Option {
	return func(e *Engine) {
		e.governor = g
	}
}

func WithStateStore(s StateStore) Option {
	return func(e *Engine) {
		e.states = s
	}
}

func WithAuditSink(a AuditSink) Option {
	return func(e *Engine) {
		e.audit = a
	}
}

// WithPublisher fans every lifecycle event out to the event bus. Publishing is
// best effort; failures are logged.
func WithPublisher(p eventbus.EventPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func WithThrottleDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.throttleDelay = d
	}
}

type Engine struct {
	flows      persistence.FlowRepository
	executions persistence.ExecutionRepository
	executors  ExecutorSource

	validator protocol.Validator
	governor  ResourceGovernor
	states    StateStore
	audit     AuditSink
	publisher eventbus.EventPublisher
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time

	throttleDelay time.Duration

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(
	flows persistence.FlowRepository,
	executions persistence.ExecutionRepository,
	executors ExecutorSource,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		flows:         flows,
		executions:    executions,
		executors:     executors,
		logger:        logger.With("module", "engine"),
		tracer:        otelhelper.NoopTracer(),
		now:           func() time.Time { return time.Now().UTC() },
		throttleDelay: DefaultThrottleDelay,
		runs:          make(map[string]*run),
		ctx:           ctx,
		cancel:        cancel,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

type startOptions struct {
	version int
	parent  *run
}

type StartOption func(*startOptions)

// WithFlowVersion pins the flow version to run instead of the latest.
func WithFlowVersion(version int) StartOption {
	return func(o *startOptions) {
		o.version = version
	}
}

// Start allocates resources, records the start and hands the execution to its
// owner goroutine. It returns as soon as the execution is running.
func (e *Engine) Start(ctx context.Context, flowID string, execCtx models.ExecutionContext, opts ...StartOption) (*models.ExecutionState, error) {
	var so startOptions
	for _, opt := range opts {
		opt(&so)
	}

	return e.start(ctx, flowID, execCtx, so)
}

func (e *Engine) start(ctx context.Context, flowID string, execCtx models.ExecutionContext, so startOptions) (*models.ExecutionState, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start", attribute.String(otelhelper.FlowIDKey, flowID))
	defer span.End()

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return nil, ErrShuttingDown
	}

	flow, err := e.loadFlow(ctx, flowID, so.version)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	entry := flow.EntryStep()
	if entry == nil {
		return nil, fmt.Errorf("%w: flow %s has no entry step", models.ErrValidation, flow.ID)
	}

	if execCtx.TenantSubnet == "" {
		execCtx.TenantSubnet = flow.Metadata.TenantSubnet
	}

	depth := 0
	if so.parent != nil {
		depth = so.parent.depth + 1
		execCtx.ParentExecutionID = so.parent.id
	}

	if depth > MaxCallDepth {
		return nil, fmt.Errorf("%w: module calls nested deeper than %d", models.ErrValidation, MaxCallDepth)
	}

	now := e.now()
	state := &models.ExecutionState{
		ExecutionID:    uuid.NewString(),
		FlowID:         flow.ID,
		FlowVersion:    flow.Version,
		Status:         models.ExecutionStatusPending,
		CurrentStep:    entry.ID,
		CompletedSteps: []string{},
		Variables:      map[string]any{},
		StepResults:    map[string]any{},
		Context:        execCtx,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	span.SetAttributes(
		attribute.String(otelhelper.ExecutionIDKey, state.ExecutionID),
		attribute.String(otelhelper.TenantKey, execCtx.TenantSubnet),
	)

	var allocation *models.ResourceAllocation

	if e.governor != nil {
		var requested models.ResourceLimits
		if execCtx.Resources != nil {
			requested = *execCtx.Resources
		}

		allocation, err = e.governor.Allocate(ctx, execCtx.TenantSubnet, requested)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		state.AllocationID = allocation.ID
	}

	r := newRun(state, flow, depth)

	if err := e.executions.SaveExecution(ctx, state.Clone()); err != nil {
		e.releaseAllocation(ctx, r)

		return nil, fmt.Errorf("failed to save execution: %w", err)
	}

	state.Status = models.ExecutionStatusRunning

	started := events.ExecutionStarted{
		BaseEvent:   events.NewBase(events.ExecutionStartedEvent, state.ExecutionID, flow.ID, actorOf(execCtx)),
		FlowVersion: flow.Version,
		TriggerType: execCtx.TriggerType,
		Tenant:      execCtx.TenantSubnet,
		Input:       execCtx.Input,
	}
	if allocation != nil {
		started.AllocationID = allocation.ID
	}

	if err := e.emit(ctx, started); err != nil {
		e.releaseAllocation(ctx, r)

		state.Status = models.ExecutionStatusFailed
		state.Cause = models.TerminationEngineError
		state.Error = &models.StepError{Type: models.StepErrorInternal, Message: err.Error()}
		ended := e.now()
		state.EndedAt = &ended
		_ = e.executions.SaveExecution(ctx, state.Clone())

		return nil, fmt.Errorf("failed to record execution start: %w", err)
	}

	if err := e.persist(ctx, r); err != nil {
		e.logger.WarnContext(ctx, "failed to persist initial state", "execution_id", state.ExecutionID, "error", err)
	}

	if e.governor != nil && allocation != nil {
		if err := e.governor.Attach(allocation.ID, state.ExecutionID, r.sampler(), e.handleViolations); err != nil {
			e.logger.WarnContext(ctx, "failed to attach allocation monitor", "execution_id", state.ExecutionID, "error", err)
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.finish(ctx, r, models.ExecutionStatusFailed, models.TerminationEngineError,
			&models.StepError{Type: models.StepErrorInternal, Message: ErrShuttingDown.Error()})

		return nil, ErrShuttingDown
	}

	e.runs[state.ExecutionID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.ActiveExecutions.Inc()
	}

	e.logger.InfoContext(ctx, "execution started",
		"execution_id", state.ExecutionID,
		"flow_id", flow.ID,
		"flow_version", flow.Version,
		"tenant", execCtx.TenantSubnet,
	)

	snapshot := r.snapshot()

	go e.drive(r)

	return snapshot, nil
}

func (e *Engine) loadFlow(ctx context.Context, flowID string, version int) (*models.FlowDefinition, error) {
	var (
		flow *models.FlowDefinition
		err  error
	)

	if version > 0 {
		flow, err = e.flows.FlowVersion(ctx, flowID, version)
	} else {
		flow, err = e.flows.FlowByID(ctx, flowID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", flowID, err)
	}

	return flow, nil
}

// Get returns a snapshot of the execution, live if it is still owned here.
func (e *Engine) Get(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	if r, ok := e.run(executionID); ok {
		return r.snapshot(), nil
	}

	state, err := e.executions.ExecutionByID(ctx, executionID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %w", ErrExecutionNotFound, err)
		}

		return nil, err
	}

	return state, nil
}

// Wait blocks until the execution reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (*models.ExecutionState, error) {
	r, ok := e.run(executionID)
	if !ok {
		return e.Get(ctx, executionID)
	}

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting executions, cancels running ones and waits for
// their owners to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) run(executionID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.runs[executionID]

	return r, ok
}

// emit records event in the audit trail, then publishes it. Only the audit
// append can fail the caller.
func (e *Engine) emit(ctx context.Context, event events.Event) error {
	if e.audit != nil {
		if _, err := e.audit.Record(ctx, event); err != nil {
			return err
		}
	}

	e.publish(ctx, event)

	return nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.publisher == nil {
		return
	}

	base := event.GetBase()
	if err := e.publisher.Publish(ctx, base.ExecutionID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event", "event_type", event.GetType(), "execution_id", base.ExecutionID, "error", err)
	}
}

// persist writes the snapshot to the state store, then to the execution repository.
func (e *Engine) persist(ctx context.Context, r *run) error {
	r.mu.Lock()
	r.state.UpdatedAt = e.now()
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if e.states != nil {
		if _, err := e.states.Save(ctx, snapshot); err != nil {
			return fmt.Errorf("failed to save state: %w", err)
		}
	}

	if err := e.executions.SaveExecution(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

func (e *Engine) releaseAllocation(ctx context.Context, r *run) *models.UsageRecord {
	if e.governor == nil || r.state.AllocationID == "" {
		return nil
	}

	record, err := e.governor.Release(ctx, r.state.AllocationID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to release allocation", "execution_id", r.id, "allocation_id", r.state.AllocationID, "error", err)
	}

	return record
}

func actorOf(execCtx models.ExecutionContext) string {
	if execCtx.TriggeredBy != "" {
		return execCtx.TriggeredBy
	}

	return Actor
}
