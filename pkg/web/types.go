// Package web provides HTTP request and response types for the strata API.
package web

import (
	"time"

	"github.com/dukex/strata/pkg/models"
)

const (
	// ActorHeader identifies the caller on lifecycle and ownership checks.
	ActorHeader = "X-Actor"
	// TenantHeader carries the caller's tenant subnet.
	TenantHeader = "X-Tenant-Subnet"
)

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     any       `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

// CreateFlowRequest represents the request body for publishing a new flow.
type CreateFlowRequest struct {
	Name     string              `json:"name"     validate:"required,min=3"`
	Owner    string              `json:"owner"    validate:"required"`
	Steps    []*models.Step      `json:"steps"    validate:"required,min=1"`
	Metadata models.FlowMetadata `json:"metadata"`
}

// UpdateFlowRequest publishes a new version of an existing flow.
type UpdateFlowRequest struct {
	Name     string              `json:"name"     validate:"required,min=3"`
	Steps    []*models.Step      `json:"steps"    validate:"required,min=1"`
	Metadata models.FlowMetadata `json:"metadata"`
}

// StartExecutionRequest represents the request body for starting a flow.
type StartExecutionRequest struct {
	FlowID    string                 `json:"flow_id"             validate:"required"`
	Version   int                    `json:"version,omitempty"   validate:"min=0"`
	Input     map[string]any         `json:"input,omitempty"`
	Resources *models.ResourceLimits `json:"resources,omitempty"`
}

type CheckpointRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

// ReportRequest represents the request body for a compliance report.
type ReportRequest struct {
	Period models.ReportPeriod `json:"period"`
	Scope  models.ReportScope  `json:"scope"`
}

// TrailResponse is an execution's audit trail with its integrity verdict.
type TrailResponse struct {
	Records   []*models.HistoricalRecord `json:"records"`
	Integrity *models.IntegrityResult    `json:"integrity"`
}

// TenantUsageResponse reports the live governor view of one tenant.
type TenantUsageResponse struct {
	Tenant           string  `json:"tenant"`
	ActiveExecutions int     `json:"active_executions"`
	SpentUnits       float64 `json:"spent_units"`
}

// HealthResponse reports the health of the backing stores.
type HealthResponse struct {
	Status   string            `json:"status"`
	Checkers map[string]string `json:"checkers"`
}
