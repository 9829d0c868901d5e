package services

import (
	"context"
	"fmt"

	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// ExecutionEngine is the lifecycle surface of *engine.Engine.
type ExecutionEngine interface {
	Start(ctx context.Context, flowID string, execCtx models.ExecutionContext, opts ...engine.StartOption) (*models.ExecutionState, error)
	Get(ctx context.Context, executionID string) (*models.ExecutionState, error)
	Pause(ctx context.Context, executionID, actor string) (*models.ExecutionState, error)
	Resume(ctx context.Context, executionID, actor string) (*models.ExecutionState, error)
	Abort(ctx context.Context, executionID, actor string) (*models.ExecutionState, error)
	CreateCheckpoint(ctx context.Context, executionID, name, actor string) (*models.Checkpoint, error)
	Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, executionID, name, actor string) (*models.ExecutionState, error)
}

// StartRequest carries everything needed to start a flow on behalf of a caller.
type StartRequest struct {
	FlowID    string
	Version   int
	Actor     string
	Tenant    string
	Input     map[string]any
	Resources *models.ResourceLimits
}

type Execution struct {
	engine     ExecutionEngine
	flows      persistence.FlowRepository
	executions persistence.ExecutionRepository
}

// NewExecution creates a new execution service.
func NewExecution(eng ExecutionEngine, flows persistence.FlowRepository, executions persistence.ExecutionRepository) *Execution {
	return &Execution{
		engine:     eng,
		flows:      flows,
		executions: executions,
	}
}

// Start checks the flow is visible to the caller and starts it.
func (s *Execution) Start(ctx context.Context, req StartRequest) (*models.ExecutionState, error) {
	if req.FlowID == "" {
		return nil, NewValidationError("Start", "FLOW_ID_REQUIRED", "flow_id is required", ErrInvalidRequest)
	}

	if req.Actor == "" {
		return nil, NewValidationError("Start", "ACTOR_REQUIRED", "actor is required", ErrInvalidRequest)
	}

	var (
		flow *models.FlowDefinition
		err  error
	)

	if req.Version > 0 {
		flow, err = s.flows.FlowVersion(ctx, req.FlowID, req.Version)
	} else {
		flow, err = s.flows.FlowByID(ctx, req.FlowID)
	}

	if err != nil {
		return nil, err
	}

	if err := permitted(flow, req.Actor, req.Tenant); err != nil {
		return nil, err
	}

	var opts []engine.StartOption
	if req.Version > 0 {
		opts = append(opts, engine.WithFlowVersion(req.Version))
	}

	return s.engine.Start(ctx, req.FlowID, models.ExecutionContext{
		TriggeredBy:  req.Actor,
		TriggerType:  "api",
		TenantSubnet: req.Tenant,
		Input:        req.Input,
		Resources:    req.Resources,
	}, opts...)
}

// permitted applies flow visibility: private flows start only for their owner,
// tenant flows only inside their tenant subnet.
func permitted(flow *models.FlowDefinition, actor, tenant string) error {
	switch flow.Metadata.Visibility {
	case models.VisibilityPrivate:
		if actor != flow.Owner {
			return fmt.Errorf("flow %s is private: %w", flow.ID, ErrNotPermitted)
		}
	case models.VisibilityPublic:
	default:
		if tenant != "" && flow.Metadata.TenantSubnet != "" && tenant != flow.Metadata.TenantSubnet {
			return fmt.Errorf("flow %s belongs to another tenant: %w", flow.ID, ErrNotPermitted)
		}
	}

	return nil
}

func (s *Execution) Get(ctx context.Context, id string) (*models.ExecutionState, error) {
	return s.engine.Get(ctx, id)
}

// List returns stored executions matching filter.
func (s *Execution) List(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionState, error) {
	states, err := s.executions.ListExecutions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return states, nil
}

func (s *Execution) Pause(ctx context.Context, id, actor string) (*models.ExecutionState, error) {
	return s.engine.Pause(ctx, id, actor)
}

func (s *Execution) Resume(ctx context.Context, id, actor string) (*models.ExecutionState, error) {
	return s.engine.Resume(ctx, id, actor)
}

func (s *Execution) Abort(ctx context.Context, id, actor string) (*models.ExecutionState, error) {
	return s.engine.Abort(ctx, id, actor)
}

func (s *Execution) Checkpoint(ctx context.Context, id, name, actor string) (*models.Checkpoint, error) {
	if name == "" {
		return nil, NewValidationError("Checkpoint", "NAME_REQUIRED", "checkpoint name is required", ErrInvalidRequest)
	}

	return s.engine.CreateCheckpoint(ctx, id, name, actor)
}

func (s *Execution) Checkpoints(ctx context.Context, id string) ([]*models.Checkpoint, error) {
	return s.engine.Checkpoints(ctx, id)
}

func (s *Execution) Restore(ctx context.Context, id, name, actor string) (*models.ExecutionState, error) {
	if name == "" {
		return nil, NewValidationError("Restore", "NAME_REQUIRED", "checkpoint name is required", ErrInvalidRequest)
	}

	return s.engine.RestoreCheckpoint(ctx, id, name, actor)
}
