package services

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/cmd"
	"github.com/dukex/strata/pkg/contentstore"
	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/ledger"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence/memory"
	"github.com/dukex/strata/pkg/ratelimit"
	"github.com/dukex/strata/pkg/statestore"
	"github.com/dukex/strata/pkg/testutil"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store      *memory.Persistence
	engine     *engine.Engine
	ledger     *ledger.Ledger
	flows      *Flow
	executions *Execution
	webhooks   *Webhook
	audit      *Audit
	health     *Health
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	store := memory.NewPersistence()
	content := contentstore.NewMemoryStore()
	validate := validator.New()
	l := ledger.New(store.Audit(), store.Executions(), logger)

	eng := engine.New(store.Flows(), store.Executions(), cmd.NewRegistry(logger, nil, cmd.RegistryConfig{}), logger,
		engine.WithStateStore(statestore.New(content, store.States(), logger)),
		engine.WithAuditSink(l),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = eng.Shutdown(ctx)
	})

	gateway := admission.New(store.Webhooks(), eng, ratelimit.NewMemoryLimiter(), logger)

	return &fixture{
		store:      store,
		engine:     eng,
		ledger:     l,
		flows:      NewFlow(store.Flows(), validate),
		executions: NewExecution(eng, store.Flows(), store.Executions()),
		webhooks:   NewWebhook(store.Webhooks(), store.Flows(), gateway, validate),
		audit:      NewAudit(l, validate),
		health:     NewHealth(store, content),
	}
}

func (f *fixture) createFlow(t *testing.T, overrides ...func(*models.FlowDefinition)) *models.FlowDefinition {
	t.Helper()

	flow, err := f.flows.Create(context.Background(), testutil.CreateTestFlow(overrides...))
	require.NoError(t, err)

	return flow
}

func (f *fixture) wait(t *testing.T, executionID string) *models.ExecutionState {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := f.engine.Wait(ctx, executionID)
	require.NoError(t, err)

	return state
}
