package engine

import (
	"context"
	"log/slog"
	"slices"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/cmd"
	"github.com/dukex/strata/pkg/config"
	"github.com/dukex/strata/pkg/contentstore"
	"github.com/dukex/strata/pkg/governor"
	"github.com/dukex/strata/pkg/ledger"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/persistence/memory"
	"github.com/dukex/strata/pkg/security"
	"github.com/dukex/strata/pkg/statestore"
	"github.com/dukex/strata/pkg/testutil"
	"github.com/dukex/strata/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store    *memory.Persistence
	ledger   *ledger.Ledger
	governor *governor.Governor
	engine   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	content := contentstore.NewMemoryStore()
	signer := security.NewHMACSigner([]byte("test-ledger-key"))

	h := &harness{
		store:    store,
		ledger:   ledger.New(store.Audit(), store.Executions(), logger, ledger.WithSigner(signer), ledger.WithContentStore(content)),
		governor: governor.New(config.DefaultTenantPolicy(), logger),
	}

	base := []Option{
		WithValidator(validation.NewPipeline(logger)),
		WithGovernor(h.governor),
		WithStateStore(statestore.New(content, store.States(), logger)),
		WithAuditSink(h.ledger),
		WithThrottleDelay(time.Millisecond),
	}

	registry := cmd.NewRegistry(logger, nil, cmd.RegistryConfig{})
	h.engine = New(store.Flows(), store.Executions(), registry, logger, append(base, opts...)...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = h.engine.Shutdown(ctx)
	})

	return h
}

func (h *harness) publish(t *testing.T, steps ...*models.Step) *models.FlowDefinition {
	t.Helper()

	flow := testutil.CreateTestFlow(testutil.WithSteps(steps...))
	require.NoError(t, h.store.Flows().SaveFlow(context.Background(), flow))

	return flow
}

func (h *harness) start(t *testing.T, flow *models.FlowDefinition, input map[string]any) *models.ExecutionState {
	t.Helper()

	state, err := h.engine.Start(context.Background(), flow.ID, models.ExecutionContext{
		TriggeredBy: "tester",
		TriggerType: "manual",
		Input:       input,
	})
	require.NoError(t, err)

	return state
}

func (h *harness) wait(t *testing.T, executionID string) *models.ExecutionState {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := h.engine.Wait(ctx, executionID)
	require.NoError(t, err)

	return state
}

func (h *harness) trail(t *testing.T, executionID string) []*models.HistoricalRecord {
	t.Helper()

	records, integrity, err := h.ledger.Trail(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, models.TrailValid, integrity.Status, integrity.Issues)

	return records
}

func recordTypes(records []*models.HistoricalRecord) []models.RecordType {
	types := make([]models.RecordType, 0, len(records))
	for _, r := range records {
		types = append(types, r.RecordType)
	}

	return types
}

func countRecords(records []*models.HistoricalRecord, recordType models.RecordType, stepID string) int {
	n := 0

	for _, r := range records {
		if r.RecordType == recordType && (stepID == "" || r.Data["step_id"] == stepID) {
			n++
		}
	}

	return n
}

// dispatched reports whether stepID has been dispatched at least once.
func (h *harness) dispatched(executionID, stepID string) func() bool {
	return func() bool {
		records, err := h.store.Audit().RecordsByExecution(context.Background(), executionID)

		return err == nil && countRecords(records, models.RecordStepDispatched, stepID) > 0
	}
}

// parked reports whether the owner is waiting at a step boundary.
func (h *harness) parked(executionID string) func() bool {
	return func() bool {
		r, ok := h.engine.run(executionID)
		if !ok {
			return false
		}

		r.mu.Lock()
		defer r.mu.Unlock()

		return r.atBoundary
	}
}

func sleepStep(id string, ms int, overrides ...func(*models.Step)) *models.Step {
	return testutil.TaskStep(id, "sleep", map[string]any{"duration_ms": ms}, overrides...)
}

func setStep(id string, set map[string]any, overrides ...func(*models.Step)) *models.Step {
	return testutil.TaskStep(id, "transform", map[string]any{"set": set}, overrides...)
}

func TestEngine_LinearFlowCompletes(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		setStep("first", map[string]any{"total": 40}),
		setStep("second", map[string]any{"doubled": "{{ .variables.total }}", "who": "{{ .input.user }}"}),
	)

	started := h.start(t, flow, map[string]any{"user": "ada"})
	assert.Equal(t, models.ExecutionStatusRunning, started.Status)
	assert.Equal(t, "first", started.CurrentStep)
	assert.NotEmpty(t, started.AllocationID)
	assert.Equal(t, "test-tenant", started.Context.TenantSubnet)

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"first", "second"}, final.CompletedSteps)
	assert.InDelta(t, 40.0, final.Variables["doubled"], 0)
	assert.Equal(t, "ada", final.Variables["who"])
	assert.Nil(t, final.Error)
	require.NotNil(t, final.EndedAt)

	records := h.trail(t, started.ExecutionID)
	assert.Equal(t, []models.RecordType{
		models.RecordExecutionStarted,
		models.RecordStepDispatched,
		models.RecordStepCompleted,
		models.RecordStepDispatched,
		models.RecordStepCompleted,
		models.RecordExecutionCompleted,
	}, recordTypes(records))
	assert.Equal(t, "tester", records[0].Actor)

	stored, err := h.store.Executions().ExecutionByID(context.Background(), started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, stored.Status)

	active, _ := h.governor.TenantUsage("test-tenant")
	assert.Zero(t, active)
}

func TestEngine_FailureRoutesToOnFailure(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		testutil.TaskStep("charge", "fail", map[string]any{"message": "card declined"}, testutil.WithOnFailure("refund")),
		setStep("notify", map[string]any{"notified": true}),
		setStep("refund", map[string]any{"refunded": true}),
	)

	final := h.wait(t, h.start(t, flow, nil).ExecutionID)

	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"charge"}, final.FailedSteps)
	assert.Equal(t, []string{"refund"}, final.CompletedSteps)
	assert.Equal(t, true, final.Variables["refunded"])
	assert.NotContains(t, final.Variables, "notified")
	assert.Nil(t, final.Error)
}

func TestEngine_UnhandledFailureFailsExecution(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		setStep("prepare", map[string]any{"ready": true}),
		testutil.TaskStep("charge", "fail", map[string]any{"message": "card declined"}),
		setStep("never", map[string]any{"reached": true}),
	)

	started := h.start(t, flow, map[string]any{"order": "o-1"})
	final := h.wait(t, started.ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Equal(t, models.TerminationStepFailure, final.Cause)
	assert.Equal(t, "charge", final.CurrentStep)
	require.NotNil(t, final.Error)
	assert.Equal(t, "card declined", final.Error.Message)
	assert.Equal(t, []string{"prepare"}, final.CompletedSteps)

	records := h.trail(t, started.ExecutionID)
	last := records[len(records)-1]
	assert.Equal(t, models.RecordExecutionFailed, last.RecordType)
	assert.Equal(t, "charge", last.Data["step_id"])
	assert.Equal(t, map[string]any{"order": "o-1"}, last.Data["input"])
}

func TestEngine_RetriesRetryableFailures(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		testutil.TaskStep("flaky", "fail", map[string]any{"message": "upstream busy", "retryable": true},
			testutil.WithRetry(3, time.Millisecond)),
	)

	started := h.start(t, flow, nil)
	final := h.wait(t, started.ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)

	records := h.trail(t, started.ExecutionID)
	assert.Equal(t, 3, countRecords(records, models.RecordStepDispatched, "flaky"))
	assert.Equal(t, 3, countRecords(records, models.RecordStepFailed, "flaky"))

	var retries []bool
	for _, r := range records {
		if r.RecordType == models.RecordStepFailed {
			retries = append(retries, r.Data["will_retry"].(bool))
		}
	}

	assert.Equal(t, []bool{true, true, false}, retries)
}

func TestEngine_NonRetryableFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		testutil.TaskStep("broken", "fail", nil, testutil.WithRetry(5, time.Millisecond)),
	)

	started := h.start(t, flow, nil)
	h.wait(t, started.ExecutionID)

	records := h.trail(t, started.ExecutionID)
	assert.Equal(t, 1, countRecords(records, models.RecordStepDispatched, "broken"))
}

func TestEngine_StepTimeout(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, sleepStep("slow", 2000, testutil.WithTimeout(20*time.Millisecond)))

	final := h.wait(t, h.start(t, flow, nil).ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, models.StepErrorTimeout, final.Error.Type)
	assert.True(t, final.Error.Retryable)
}

func TestEngine_ValidationRejectsWithoutDispatch(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, testutil.TaskStep("nothing", "", nil))

	started := h.start(t, flow, nil)
	final := h.wait(t, started.ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, models.StepErrorValidation, final.Error.Type)

	records := h.trail(t, started.ExecutionID)
	assert.Zero(t, countRecords(records, models.RecordStepDispatched, ""))
	assert.Equal(t, 1, countRecords(records, models.RecordStepFailed, "nothing"))
}

func TestEngine_ConditionRouting(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		expected string
	}{
		{name: "true follows on_success", amount: 250, expected: "review"},
		{name: "false follows on_failure", amount: 50, expected: "approve"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			flow := h.publish(t,
				testutil.CreateTestStep("large",
					testutil.WithStepType(models.StepTypeCondition, map[string]any{"expression": "{{ gt .input.amount 100.0 }}"}),
					testutil.WithOnSuccess("review"),
					testutil.WithOnFailure("approve"),
				),
				setStep("review", map[string]any{"route": "review"}, testutil.WithTerminal()),
				setStep("approve", map[string]any{"route": "approve"}),
			)

			final := h.wait(t, h.start(t, flow, map[string]any{"amount": tt.amount}).ExecutionID)

			assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
			assert.Equal(t, tt.expected, final.Variables["route"])
			assert.Empty(t, final.FailedSteps)
		})
	}
}

func TestEngine_ParallelBranchesMerge(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		testutil.CreateTestStep("fan",
			testutil.WithStepType(models.StepTypeParallel, map[string]any{"max_concurrency": 2}),
			testutil.WithBranches("left", "right"),
		),
		setStep("left", map[string]any{"left": "L"}),
		setStep("right", map[string]any{"right": "R"}),
		setStep("join", map[string]any{"joined": true}),
	)

	started := h.start(t, flow, nil)
	final := h.wait(t, started.ExecutionID)

	require.Equal(t, models.ExecutionStatusCompleted, final.Status, final.Error)
	assert.Equal(t, []string{"left", "right", "fan", "join"}, final.CompletedSteps)
	assert.Equal(t, "L", final.Variables["left"])
	assert.Equal(t, "R", final.Variables["right"])
	assert.Contains(t, final.StepResults, "left")
	assert.Contains(t, final.StepResults, "right")

	fan, ok := final.StepResults["fan"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, fan, "left")
	assert.Contains(t, fan, "right")

	records := h.trail(t, started.ExecutionID)
	assert.Equal(t, 1, countRecords(records, models.RecordStepCompleted, "left"))
	assert.Equal(t, 1, countRecords(records, models.RecordStepCompleted, "right"))
}

func TestEngine_ParallelBranchFailureFailsStep(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		testutil.CreateTestStep("fan",
			testutil.WithStepType(models.StepTypeParallel, nil),
			testutil.WithBranches("good", "bad"),
		),
		setStep("good", map[string]any{"good": true}),
		testutil.TaskStep("bad", "fail", map[string]any{"message": "branch broke"}),
	)

	final := h.wait(t, h.start(t, flow, nil).ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.FailedSteps, "bad")
	assert.Contains(t, final.FailedSteps, "fan")
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "branch broke")
}

func TestEngine_ModuleCallRunsChild(t *testing.T) {
	h := newHarness(t)
	child := h.publish(t, setStep("compute", map[string]any{"result": "{{ .input.n }}"}))
	parent := h.publish(t,
		testutil.CreateTestStep("call",
			testutil.WithStepType(models.StepTypeModuleCall, map[string]any{
				"flow_id": child.ID,
				"input":   map[string]any{"n": 7},
			}),
		),
	)

	started := h.start(t, parent, nil)
	final := h.wait(t, started.ExecutionID)

	require.Equal(t, models.ExecutionStatusCompleted, final.Status, final.Error)

	result, ok := final.StepResults["call"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", result["status"])

	childID, ok := result["child_execution_id"].(string)
	require.True(t, ok)

	childState, err := h.engine.Get(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, started.ExecutionID, childState.Context.ParentExecutionID)
	assert.Equal(t, "module-call", childState.Context.TriggerType)
	assert.InDelta(t, 7.0, childState.Variables["result"], 0)
}

func TestEngine_ModuleCallChildFailureFailsParent(t *testing.T) {
	h := newHarness(t)
	child := h.publish(t, testutil.TaskStep("boom", "fail", map[string]any{"message": "child broke"}))
	parent := h.publish(t,
		testutil.CreateTestStep("call",
			testutil.WithStepType(models.StepTypeModuleCall, map[string]any{"flow_id": child.ID}),
		),
	)

	final := h.wait(t, h.start(t, parent, nil).ExecutionID)

	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Contains(t, final.Error.Message, "child broke")
}

func TestEngine_PauseAndResume(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		sleepStep("wait", 150),
		setStep("after", map[string]any{"done": true}),
	)

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "wait"), 2*time.Second, 5*time.Millisecond)

	paused, err := h.engine.Pause(context.Background(), started.ExecutionID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, paused.Status)

	_, err = h.engine.Pause(context.Background(), started.ExecutionID, "alice")
	assert.True(t, IsStateConflict(err))

	require.Eventually(t, h.parked(started.ExecutionID), 2*time.Second, 5*time.Millisecond)

	current, err := h.engine.Get(context.Background(), started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "after", current.CurrentStep)
	assert.Equal(t, []string{"wait"}, current.CompletedSteps)

	resumed, err := h.engine.Resume(context.Background(), started.ExecutionID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, resumed.Status)

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"wait", "after"}, final.CompletedSteps)

	records := h.trail(t, started.ExecutionID)
	types := recordTypes(records)
	pausedAt := slices.Index(types, models.RecordExecutionPaused)
	resumedAt := slices.Index(types, models.RecordExecutionResumed)

	require.NotEqual(t, -1, pausedAt)
	require.NotEqual(t, -1, resumedAt)
	assert.Less(t, pausedAt, resumedAt)
	assert.Equal(t, "alice", records[pausedAt].Actor)
	assert.Equal(t, "bob", records[resumedAt].Actor)
}

func TestEngine_AbortWhilePaused(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		sleepStep("wait", 100),
		setStep("after", map[string]any{"done": true}),
	)

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "wait"), 2*time.Second, 5*time.Millisecond)

	_, err := h.engine.Pause(context.Background(), started.ExecutionID, "alice")
	require.NoError(t, err)
	require.Eventually(t, h.parked(started.ExecutionID), 2*time.Second, 5*time.Millisecond)

	_, err = h.engine.Abort(context.Background(), started.ExecutionID, "carol")
	require.NoError(t, err)

	_, err = h.engine.Abort(context.Background(), started.ExecutionID, "carol")
	assert.True(t, IsStateConflict(err))

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusAborted, final.Status)
	assert.Equal(t, models.TerminationAborted, final.Cause)
	assert.Equal(t, "carol", final.AbortedBy)
	assert.Nil(t, final.Error)
	assert.NotContains(t, final.CompletedSteps, "after")

	records := h.trail(t, started.ExecutionID)
	last := records[len(records)-1]
	assert.Equal(t, models.RecordExecutionAborted, last.RecordType)
	assert.Equal(t, "carol", last.Actor)
}

func TestEngine_AbortRunningStopsAtBoundary(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		sleepStep("wait", 100),
		setStep("after", map[string]any{"done": true}),
	)

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "wait"), 2*time.Second, 5*time.Millisecond)

	before, err := h.engine.Abort(context.Background(), started.ExecutionID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, before.Status)

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusAborted, final.Status)
	assert.Equal(t, []string{"wait"}, final.CompletedSteps)
}

func TestEngine_LifecycleConflicts(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, setStep("only", map[string]any{"x": 1}))

	started := h.start(t, flow, nil)
	h.wait(t, started.ExecutionID)

	ctx := context.Background()

	_, err := h.engine.Pause(ctx, started.ExecutionID, "alice")
	assert.True(t, IsStateConflict(err))

	_, err = h.engine.Resume(ctx, started.ExecutionID, "alice")
	assert.True(t, IsStateConflict(err))

	_, err = h.engine.Abort(ctx, started.ExecutionID, "alice")
	assert.True(t, IsStateConflict(err))

	_, err = h.engine.Pause(ctx, "missing", "alice")
	assert.True(t, IsExecutionNotFound(err))

	_, err = h.engine.Get(ctx, "missing")
	assert.True(t, IsExecutionNotFound(err))
}

func TestEngine_ResumeRunningIsConflict(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, sleepStep("wait", 100))

	started := h.start(t, flow, nil)

	_, err := h.engine.Resume(context.Background(), started.ExecutionID, "alice")
	assert.True(t, IsStateConflict(err))

	h.wait(t, started.ExecutionID)
}

func TestEngine_GovernorDenialCreatesNothing(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, setStep("only", map[string]any{"x": 1}))

	_, err := h.engine.Start(context.Background(), flow.ID, models.ExecutionContext{
		TriggeredBy: "tester",
		Resources:   &models.ResourceLimits{MemoryMB: 1 << 20},
	})
	require.Error(t, err)
	assert.True(t, governor.IsResourceDenied(err))

	executions, err := h.store.Executions().ListExecutions(context.Background(), persistence.ExecutionFilter{FlowID: flow.ID})
	require.NoError(t, err)
	assert.Empty(t, executions)
}

func TestEngine_StartUnknownFlow(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Start(context.Background(), "nope", models.ExecutionContext{TriggeredBy: "tester"})
	require.Error(t, err)
}

func TestEngine_ResourceViolationTerminates(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		sleepStep("wait", 200),
		setStep("after", map[string]any{"done": true}),
	)

	started, err := h.engine.Start(context.Background(), flow.ID, models.ExecutionContext{
		TriggeredBy: "tester",
		Resources:   &models.ResourceLimits{WallClockMs: 50},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		h.governor.Tick(context.Background())

		for _, v := range h.governor.Violations(started.AllocationID) {
			if v.Severity == models.SeverityCritical {
				return true
			}
		}

		return false
	}, 2*time.Second, 10*time.Millisecond)

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusFailed, final.Status)
	assert.Equal(t, models.TerminationResourceViolation, final.Cause)
	assert.Empty(t, final.AbortedBy)
	require.NotNil(t, final.Error)
	assert.Equal(t, models.StepErrorResource, final.Error.Type)
	assert.Contains(t, final.Error.Message, string(models.ResourceWallClock))
	assert.NotEmpty(t, final.Violations)
	assert.NotContains(t, final.CompletedSteps, "after")

	records := h.trail(t, started.ExecutionID)
	last := records[len(records)-1]
	assert.Equal(t, models.RecordExecutionFailed, last.RecordType)
	assert.Equal(t, string(models.TerminationResourceViolation), last.Data["cause"])
	assert.NotEmpty(t, last.Data["violations"])
	assert.Zero(t, countRecords(records, models.RecordExecutionAborted, ""))
}

func TestEngine_ThrottleKeepsRunning(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t,
		sleepStep("wait", 150),
		setStep("after", map[string]any{"done": true}),
	)

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "wait"), 2*time.Second, 5*time.Millisecond)

	h.engine.handleViolations(context.Background(), started.ExecutionID, models.ActionThrottle, []models.ResourceViolation{{
		Resource: models.ResourceCPUTime,
		Limit:    10,
		Actual:   20,
		Severity: models.SeverityCritical,
		Action:   models.ActionThrottle,
	}})

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)
	assert.True(t, final.Context.Throttled)
	assert.Len(t, final.Violations, 1)
}

func TestEngine_CheckpointRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.publish(t,
		setStep("one", map[string]any{"stage": "one"}),
		sleepStep("two", 100),
		setStep("three", map[string]any{"stage": "three"}),
		testutil.TaskStep("four", "fail", map[string]any{"message": "late failure"}),
	)

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "two"), 2*time.Second, 5*time.Millisecond)

	_, err := h.engine.Pause(ctx, started.ExecutionID, "alice")
	require.NoError(t, err)
	require.Eventually(t, h.parked(started.ExecutionID), 2*time.Second, 5*time.Millisecond)

	checkpoint, err := h.engine.CreateCheckpoint(ctx, started.ExecutionID, "mid", "alice")
	require.NoError(t, err)
	assert.Equal(t, "mid", checkpoint.Name)
	assert.NotEmpty(t, checkpoint.Address)

	checkpoints, err := h.engine.Checkpoints(ctx, started.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1)

	live, err := h.engine.RestoreCheckpoint(ctx, started.ExecutionID, "mid", "alice")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, live.Status)
	assert.Equal(t, "three", live.CurrentStep)

	_, err = h.engine.Resume(ctx, started.ExecutionID, "alice")
	require.NoError(t, err)

	failed := h.wait(t, started.ExecutionID)
	require.Equal(t, models.ExecutionStatusFailed, failed.Status)
	assert.Equal(t, "three", failed.Variables["stage"])
	assert.Equal(t, []string{"four"}, failed.FailedSteps)

	restored, err := h.engine.RestoreCheckpoint(ctx, started.ExecutionID, "mid", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusPaused, restored.Status)
	assert.Equal(t, "three", restored.CurrentStep)
	assert.Equal(t, "one", restored.Variables["stage"])
	assert.Empty(t, restored.FailedSteps)
	assert.Nil(t, restored.Error)
	assert.Nil(t, restored.EndedAt)
	assert.NotEmpty(t, restored.AllocationID)

	_, err = h.engine.Abort(ctx, started.ExecutionID, "bob")
	require.NoError(t, err)

	final := h.wait(t, started.ExecutionID)
	assert.Equal(t, models.ExecutionStatusAborted, final.Status)

	records := h.trail(t, started.ExecutionID)
	assert.Equal(t, 1, countRecords(records, models.RecordCheckpointCreated, ""))
	assert.Equal(t, 2, countRecords(records, models.RecordCheckpointRestored, ""))
}

func TestEngine_RestoreCompletedIsConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	flow := h.publish(t, setStep("only", map[string]any{"x": 1}))

	started := h.start(t, flow, nil)
	h.wait(t, started.ExecutionID)

	_, err := h.engine.CreateCheckpoint(ctx, started.ExecutionID, "end", "alice")
	require.NoError(t, err)

	_, err = h.engine.RestoreCheckpoint(ctx, started.ExecutionID, "end", "alice")
	assert.True(t, IsStateConflict(err))
}

func TestEngine_CheckpointWithoutStateStore(t *testing.T) {
	h := newHarness(t, WithStateStore(nil))
	flow := h.publish(t, setStep("only", map[string]any{"x": 1}))

	started := h.start(t, flow, nil)
	h.wait(t, started.ExecutionID)

	_, err := h.engine.CreateCheckpoint(context.Background(), started.ExecutionID, "end", "alice")
	assert.ErrorIs(t, err, ErrNoStateStore)
}

func TestEngine_ShutdownFailsInFlightExecutions(t *testing.T) {
	h := newHarness(t)
	flow := h.publish(t, sleepStep("long", 5000))

	started := h.start(t, flow, nil)
	require.Eventually(t, h.dispatched(started.ExecutionID, "long"), 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.engine.Shutdown(ctx))

	stored, err := h.store.Executions().ExecutionByID(context.Background(), started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, stored.Status)
	assert.Equal(t, models.TerminationEngineError, stored.Cause)

	_, err = h.engine.Start(context.Background(), flow.ID, models.ExecutionContext{TriggeredBy: "tester"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
