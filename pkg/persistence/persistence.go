// Package persistence provides the storage abstraction for flows, executions,
// webhooks, audit records, state pointers and usage records.
package persistence

import (
	"context"
	"time"

	"github.com/dukex/strata/pkg/models"
)

// Persistence bundles every repository a deployment needs.
type Persistence interface {
	Flows() FlowRepository
	Executions() ExecutionRepository
	Webhooks() WebhookRepository
	Audit() AuditRepository
	States() StateRepository
	Usage() UsageRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// FlowRepository stores immutable flow versions.
type FlowRepository interface {
	// SaveFlow stores flow as a new version. Version is assigned by the repository.
	SaveFlow(ctx context.Context, flow *models.FlowDefinition) error
	// FlowByID returns the latest version of a flow.
	FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error)
	FlowVersion(ctx context.Context, id string, version int) (*models.FlowDefinition, error)
	Flows(ctx context.Context) ([]*models.FlowDefinition, error)
}

// ExecutionFilter narrows ListExecutions; empty fields match everything.
type ExecutionFilter struct {
	FlowID string
	Status models.ExecutionStatus
	Tenant string
}

// ExecutionRepository stores the latest view of every execution.
type ExecutionRepository interface {
	SaveExecution(ctx context.Context, state *models.ExecutionState) error
	ExecutionByID(ctx context.Context, id string) (*models.ExecutionState, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.ExecutionState, error)
}

// WebhookRepository stores webhook configurations.
type WebhookRepository interface {
	SaveWebhook(ctx context.Context, config *models.WebhookConfig) error
	WebhookByID(ctx context.Context, id string) (*models.WebhookConfig, error)
	WebhookByEndpoint(ctx context.Context, endpoint string) (*models.WebhookConfig, error)
	Webhooks(ctx context.Context) ([]*models.WebhookConfig, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// AuditRepository is an append-only store of historical records.
type AuditRepository interface {
	// AppendRecord fails with ErrRecordConflict if the (execution, sequence) slot is taken.
	AppendRecord(ctx context.Context, record *models.HistoricalRecord) error
	// RecordsByExecution returns records ordered by sequence.
	RecordsByExecution(ctx context.Context, executionID string) ([]*models.HistoricalRecord, error)
	// RecordsBetween returns records with from <= timestamp < to, ordered by timestamp.
	RecordsBetween(ctx context.Context, from, to time.Time) ([]*models.HistoricalRecord, error)
	// LastRecord returns the tail of an execution's chain, or ErrRecordNotFound.
	LastRecord(ctx context.Context, executionID string) (*models.HistoricalRecord, error)
}

// StateRepository maps executions to their latest state envelope and named checkpoints.
type StateRepository interface {
	SetLatest(ctx context.Context, executionID, address string) error
	Latest(ctx context.Context, executionID string) (string, error)
	SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error
	Checkpoint(ctx context.Context, executionID, name string) (*models.Checkpoint, error)
	Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error)
}

// UsageRepository stores billing records.
type UsageRepository interface {
	SaveUsage(ctx context.Context, record *models.UsageRecord) error
	UsageByTenant(ctx context.Context, tenant string) ([]*models.UsageRecord, error)
}
