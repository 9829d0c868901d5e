// Package memory provides an in-process persistence implementation, used for
// tests and single-node development deployments.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// Persistence keeps every repository in memory behind one lock.
type Persistence struct {
	mu sync.RWMutex

	flows       map[string][]*models.FlowDefinition
	executions  map[string]*models.ExecutionState
	webhooks    map[string]*models.WebhookConfig
	records     map[string][]*models.HistoricalRecord
	latest      map[string]string
	checkpoints map[string]map[string]*models.Checkpoint
	usage       []*models.UsageRecord
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{
		flows:       make(map[string][]*models.FlowDefinition),
		executions:  make(map[string]*models.ExecutionState),
		webhooks:    make(map[string]*models.WebhookConfig),
		records:     make(map[string][]*models.HistoricalRecord),
		latest:      make(map[string]string),
		checkpoints: make(map[string]map[string]*models.Checkpoint),
	}
}

func (p *Persistence) Flows() persistence.FlowRepository           { return (*flowRepo)(p) }
func (p *Persistence) Executions() persistence.ExecutionRepository { return (*executionRepo)(p) }
func (p *Persistence) Webhooks() persistence.WebhookRepository     { return (*webhookRepo)(p) }
func (p *Persistence) Audit() persistence.AuditRepository          { return (*auditRepo)(p) }
func (p *Persistence) States() persistence.StateRepository         { return (*stateRepo)(p) }
func (p *Persistence) Usage() persistence.UsageRepository          { return (*usageRepo)(p) }

func (p *Persistence) HealthCheck(_ context.Context) error { return nil }
func (p *Persistence) Close(_ context.Context) error       { return nil }

type flowRepo Persistence

func (r *flowRepo) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.flows[flow.ID]
	flow.Version = len(versions) + 1

	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	stored := *flow
	r.flows[flow.ID] = append(versions, &stored)

	return nil
}

func (r *flowRepo) FlowByID(_ context.Context, id string) (*models.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.flows[id]
	if len(versions) == 0 {
		return nil, persistence.NewEntityError("FlowByID", "flow", id, persistence.ErrFlowNotFound)
	}

	flow := *versions[len(versions)-1]

	return &flow, nil
}

func (r *flowRepo) FlowVersion(_ context.Context, id string, version int) (*models.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.flows[id]
	if version < 1 || version > len(versions) {
		return nil, persistence.NewEntityError("FlowVersion", "flow", id, persistence.ErrFlowNotFound)
	}

	flow := *versions[version-1]

	return &flow, nil
}

func (r *flowRepo) Flows(_ context.Context) ([]*models.FlowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	flows := make([]*models.FlowDefinition, 0, len(r.flows))
	for _, versions := range r.flows {
		flow := *versions[len(versions)-1]
		flows = append(flows, &flow)
	}

	slices.SortFunc(flows, func(a, b *models.FlowDefinition) int { return cmp.Compare(a.ID, b.ID) })

	return flows, nil
}

type executionRepo Persistence

func (r *executionRepo) SaveExecution(_ context.Context, state *models.ExecutionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executions[state.ExecutionID] = state.Clone()

	return nil
}

func (r *executionRepo) ExecutionByID(_ context.Context, id string) (*models.ExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.executions[id]
	if !ok {
		return nil, persistence.NewEntityError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	return state.Clone(), nil
}

func (r *executionRepo) ListExecutions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ExecutionState

	for _, state := range r.executions {
		if filter.FlowID != "" && state.FlowID != filter.FlowID {
			continue
		}

		if filter.Status != "" && state.Status != filter.Status {
			continue
		}

		if filter.Tenant != "" && state.Context.TenantSubnet != filter.Tenant {
			continue
		}

		out = append(out, state.Clone())
	}

	slices.SortFunc(out, func(a, b *models.ExecutionState) int { return a.StartedAt.Compare(b.StartedAt) })

	return out, nil
}

type webhookRepo Persistence

func (r *webhookRepo) SaveWebhook(_ context.Context, config *models.WebhookConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, existing := range r.webhooks {
		if existing.Endpoint == config.Endpoint && id != config.ID {
			return persistence.NewEntityError("SaveWebhook", "webhook", config.ID, persistence.ErrWebhookExists)
		}
	}

	stored := *config
	r.webhooks[config.ID] = &stored

	return nil
}

func (r *webhookRepo) WebhookByID(_ context.Context, id string) (*models.WebhookConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, ok := r.webhooks[id]
	if !ok {
		return nil, persistence.NewEntityError("WebhookByID", "webhook", id, persistence.ErrWebhookNotFound)
	}

	out := *config

	return &out, nil
}

func (r *webhookRepo) WebhookByEndpoint(_ context.Context, endpoint string) (*models.WebhookConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, config := range r.webhooks {
		if config.Endpoint == endpoint {
			out := *config

			return &out, nil
		}
	}

	return nil, persistence.NewEntityError("WebhookByEndpoint", "webhook", endpoint, persistence.ErrWebhookNotFound)
}

func (r *webhookRepo) Webhooks(_ context.Context) ([]*models.WebhookConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.WebhookConfig, 0, len(r.webhooks))
	for _, config := range r.webhooks {
		c := *config
		out = append(out, &c)
	}

	slices.SortFunc(out, func(a, b *models.WebhookConfig) int { return cmp.Compare(a.Endpoint, b.Endpoint) })

	return out, nil
}

func (r *webhookRepo) DeleteWebhook(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.webhooks[id]; !ok {
		return persistence.NewEntityError("DeleteWebhook", "webhook", id, persistence.ErrWebhookNotFound)
	}

	delete(r.webhooks, id)

	return nil
}

type auditRepo Persistence

func (r *auditRepo) AppendRecord(_ context.Context, record *models.HistoricalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chain := r.records[record.ExecutionID]
	if record.Sequence != int64(len(chain))+1 {
		return persistence.NewEntityError("AppendRecord", "audit record", record.RecordID, persistence.ErrRecordConflict)
	}

	stored := *record
	r.records[record.ExecutionID] = append(chain, &stored)

	return nil
}

func (r *auditRepo) RecordsByExecution(_ context.Context, executionID string) ([]*models.HistoricalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.records[executionID]
	out := make([]*models.HistoricalRecord, len(chain))

	for i, record := range chain {
		c := *record
		out[i] = &c
	}

	return out, nil
}

func (r *auditRepo) RecordsBetween(_ context.Context, from, to time.Time) ([]*models.HistoricalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.HistoricalRecord

	for _, chain := range r.records {
		for _, record := range chain {
			if !record.Timestamp.Before(from) && record.Timestamp.Before(to) {
				c := *record
				out = append(out, &c)
			}
		}
	}

	slices.SortFunc(out, func(a, b *models.HistoricalRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.Sequence, b.Sequence)
	})

	return out, nil
}

func (r *auditRepo) LastRecord(_ context.Context, executionID string) (*models.HistoricalRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chain := r.records[executionID]
	if len(chain) == 0 {
		return nil, persistence.NewEntityError("LastRecord", "execution", executionID, persistence.ErrRecordNotFound)
	}

	c := *chain[len(chain)-1]

	return &c, nil
}

type stateRepo Persistence

func (r *stateRepo) SetLatest(_ context.Context, executionID, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.latest[executionID] = address

	return nil
}

func (r *stateRepo) Latest(_ context.Context, executionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address, ok := r.latest[executionID]
	if !ok {
		return "", persistence.NewEntityError("Latest", "execution", executionID, persistence.ErrStateNotFound)
	}

	return address, nil
}

func (r *stateRepo) SaveCheckpoint(_ context.Context, checkpoint *models.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	named, ok := r.checkpoints[checkpoint.ExecutionID]
	if !ok {
		named = make(map[string]*models.Checkpoint)
		r.checkpoints[checkpoint.ExecutionID] = named
	}

	c := *checkpoint
	named[checkpoint.Name] = &c

	return nil
}

func (r *stateRepo) Checkpoint(_ context.Context, executionID, name string) (*models.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkpoint, ok := r.checkpoints[executionID][name]
	if !ok {
		return nil, persistence.NewEntityError("Checkpoint", "checkpoint", executionID+"/"+name, persistence.ErrCheckpointNotFound)
	}

	c := *checkpoint

	return &c, nil
}

func (r *stateRepo) Checkpoints(_ context.Context, executionID string) ([]*models.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Checkpoint, 0, len(r.checkpoints[executionID]))
	for _, checkpoint := range r.checkpoints[executionID] {
		c := *checkpoint
		out = append(out, &c)
	}

	slices.SortFunc(out, func(a, b *models.Checkpoint) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}

type usageRepo Persistence

func (r *usageRepo) SaveUsage(_ context.Context, record *models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *record
	r.usage = append(r.usage, &c)

	return nil
}

func (r *usageRepo) UsageByTenant(_ context.Context, tenant string) ([]*models.UsageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.UsageRecord

	for _, record := range r.usage {
		if record.Tenant == tenant {
			c := *record
			out = append(out, &c)
		}
	}

	return out, nil
}
