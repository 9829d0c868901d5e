// Package persistencetest holds the behaviour every persistence backend must share.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises every repository of the backend returned by newBackend.
// newBackend must return an empty store on every call.
func Run(t *testing.T, newBackend func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("flows are versioned", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)

		flow := &models.FlowDefinition{
			ID: "flow-1", Name: "first", Owner: "owner",
			Steps: []*models.Step{{ID: "a", Type: models.StepTypeTask, Action: "noop"}},
		}
		require.NoError(t, store.Flows().SaveFlow(ctx, flow))
		assert.Equal(t, 1, flow.Version)

		second := *flow
		second.Name = "second"
		require.NoError(t, store.Flows().SaveFlow(ctx, &second))
		assert.Equal(t, 2, second.Version)

		latest, err := store.Flows().FlowByID(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, "second", latest.Name)
		assert.Equal(t, 2, latest.Version)

		v1, err := store.Flows().FlowVersion(ctx, "flow-1", 1)
		require.NoError(t, err)
		assert.Equal(t, "first", v1.Name)

		_, err = store.Flows().FlowByID(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrFlowNotFound)

		all, err := store.Flows().Flows(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("executions round trip and filter", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		for i, status := range []models.ExecutionStatus{models.ExecutionStatusRunning, models.ExecutionStatusCompleted} {
			state := &models.ExecutionState{
				ExecutionID:    []string{"exec-1", "exec-2"}[i],
				FlowID:         "flow-1",
				FlowVersion:    1,
				Status:         status,
				CompletedSteps: []string{"a"},
				Variables:      map[string]any{"k": "v"},
				StepResults:    map[string]any{},
				Context:        models.ExecutionContext{TriggeredBy: "tester", TenantSubnet: "tenant-a"},
				StartedAt:      now.Add(time.Duration(i) * time.Second),
				UpdatedAt:      now,
			}
			require.NoError(t, store.Executions().SaveExecution(ctx, state))
		}

		got, err := store.Executions().ExecutionByID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, got.Status)
		assert.Equal(t, []string{"a"}, got.CompletedSteps)
		assert.Equal(t, "v", got.Variables["k"])

		completed, err := store.Executions().ListExecutions(ctx, persistence.ExecutionFilter{Status: models.ExecutionStatusCompleted})
		require.NoError(t, err)
		require.Len(t, completed, 1)
		assert.Equal(t, "exec-2", completed[0].ExecutionID)

		_, err = store.Executions().ExecutionByID(ctx, "missing")
		assert.ErrorIs(t, err, persistence.ErrExecutionNotFound)
	})

	t.Run("webhook endpoints are unique", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)

		hook := &models.WebhookConfig{ID: "wh-1", Endpoint: "orders", FlowID: "flow-1", Owner: "owner", Enabled: true}
		require.NoError(t, store.Webhooks().SaveWebhook(ctx, hook))

		dup := &models.WebhookConfig{ID: "wh-2", Endpoint: "orders", FlowID: "flow-1", Owner: "owner"}
		err := store.Webhooks().SaveWebhook(ctx, dup)
		assert.ErrorIs(t, err, persistence.ErrWebhookExists)

		byEndpoint, err := store.Webhooks().WebhookByEndpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, "wh-1", byEndpoint.ID)

		hook.Enabled = false
		require.NoError(t, store.Webhooks().SaveWebhook(ctx, hook))

		byID, err := store.Webhooks().WebhookByID(ctx, "wh-1")
		require.NoError(t, err)
		assert.False(t, byID.Enabled)

		require.NoError(t, store.Webhooks().DeleteWebhook(ctx, "wh-1"))
		_, err = store.Webhooks().WebhookByID(ctx, "wh-1")
		assert.ErrorIs(t, err, persistence.ErrWebhookNotFound)
		assert.ErrorIs(t, store.Webhooks().DeleteWebhook(ctx, "wh-1"), persistence.ErrWebhookNotFound)
	})

	t.Run("audit records append in sequence", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		_, err := store.Audit().LastRecord(ctx, "exec-1")
		assert.ErrorIs(t, err, persistence.ErrRecordNotFound)

		for i := int64(1); i <= 3; i++ {
			record := &models.HistoricalRecord{
				RecordID:    "rec-" + string(rune('0'+i)),
				ExecutionID: "exec-1",
				Sequence:    i,
				RecordType:  models.RecordStepCompleted,
				Timestamp:   now.Add(time.Duration(i) * time.Millisecond),
				Actor:       "engine",
				Data:        map[string]any{"step": "a"},
				Hash:        "h",
			}
			require.NoError(t, store.Audit().AppendRecord(ctx, record))
		}

		conflict := &models.HistoricalRecord{RecordID: "rec-x", ExecutionID: "exec-1", Sequence: 2, Timestamp: now}
		assert.ErrorIs(t, store.Audit().AppendRecord(ctx, conflict), persistence.ErrRecordConflict)

		chain, err := store.Audit().RecordsByExecution(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, int64(1), chain[0].Sequence)
		assert.Equal(t, "a", chain[2].Data["step"])

		last, err := store.Audit().LastRecord(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), last.Sequence)

		window, err := store.Audit().RecordsBetween(ctx, now.Add(2*time.Millisecond), now.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, window, 2)
	})

	t.Run("state pointers and checkpoints", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)

		_, err := store.States().Latest(ctx, "exec-1")
		assert.ErrorIs(t, err, persistence.ErrStateNotFound)

		require.NoError(t, store.States().SetLatest(ctx, "exec-1", "sha256:aa"))
		require.NoError(t, store.States().SetLatest(ctx, "exec-1", "sha256:bb"))

		latest, err := store.States().Latest(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, "sha256:bb", latest)

		checkpoint := &models.Checkpoint{ExecutionID: "exec-1", Name: "before-charge", Address: "sha256:aa", CreatedAt: time.Now().UTC()}
		require.NoError(t, store.States().SaveCheckpoint(ctx, checkpoint))

		got, err := store.States().Checkpoint(ctx, "exec-1", "before-charge")
		require.NoError(t, err)
		assert.Equal(t, "sha256:aa", got.Address)

		list, err := store.States().Checkpoints(ctx, "exec-1")
		require.NoError(t, err)
		assert.Len(t, list, 1)

		_, err = store.States().Checkpoint(ctx, "exec-1", "missing")
		assert.ErrorIs(t, err, persistence.ErrCheckpointNotFound)
	})

	t.Run("usage records by tenant", func(t *testing.T) {
		ctx := context.Background()
		store := newBackend(t)
		now := time.Now().UTC()

		require.NoError(t, store.Usage().SaveUsage(ctx, &models.UsageRecord{AllocationID: "a1", Tenant: "t1", CostUnits: 1.5, StartedAt: now, EndedAt: now}))
		require.NoError(t, store.Usage().SaveUsage(ctx, &models.UsageRecord{AllocationID: "a2", Tenant: "t2", CostUnits: 2, StartedAt: now, EndedAt: now}))

		records, err := store.Usage().UsageByTenant(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.InDelta(t, 1.5, records[0].CostUnits, 0.0001)
	})

	t.Run("health check", func(t *testing.T) {
		assert.NoError(t, newBackend(t).HealthCheck(context.Background()))
	})
}
