package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Flow struct {
	flows    persistence.FlowRepository
	validate *validator.Validate
}

// NewFlow creates a new flow service.
func NewFlow(flows persistence.FlowRepository, validate *validator.Validate) *Flow {
	return &Flow{
		flows:    flows,
		validate: validate,
	}
}

// Create stores a new flow as version 1 under a fresh id.
func (f *Flow) Create(ctx context.Context, flow *models.FlowDefinition) (*models.FlowDefinition, error) {
	if flow == nil {
		return nil, ErrFlowNil
	}

	flow.ID = uuid.New().String()
	flow.CreatedAt = time.Time{}

	if err := f.check("Create", flow); err != nil {
		return nil, err
	}

	return f.publish(ctx, flow)
}

// Update publishes flow as the next version of id. Only the owner may update;
// earlier versions stay untouched.
func (f *Flow) Update(ctx context.Context, id, actor string, flow *models.FlowDefinition) (*models.FlowDefinition, error) {
	if flow == nil {
		return nil, ErrFlowNil
	}

	existing, err := f.flows.FlowByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Owner != actor {
		return nil, fmt.Errorf("update flow %s: %w", id, ErrNotOwner)
	}

	flow.ID = id
	flow.Owner = existing.Owner
	flow.CreatedAt = time.Time{}

	if err := f.check("Update", flow); err != nil {
		return nil, err
	}

	return f.publish(ctx, flow)
}

// FetchByID returns the latest version of a flow, or the pinned one when version > 0.
func (f *Flow) FetchByID(ctx context.Context, id string, version int) (*models.FlowDefinition, error) {
	if version > 0 {
		return f.flows.FlowVersion(ctx, id, version)
	}

	return f.flows.FlowByID(ctx, id)
}

// List returns the latest version of every flow, optionally filtered by owner.
func (f *Flow) List(ctx context.Context, owner string) ([]*models.FlowDefinition, error) {
	flows, err := f.flows.Flows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	owner = strings.TrimSpace(owner)
	if owner == "" {
		return flows, nil
	}

	filtered := make([]*models.FlowDefinition, 0, len(flows))

	for _, flow := range flows {
		if flow.Owner == owner {
			filtered = append(filtered, flow)
		}
	}

	return filtered, nil
}

func (f *Flow) check(op string, flow *models.FlowDefinition) error {
	if strings.TrimSpace(flow.Owner) == "" {
		return ErrEmptyOwnerID
	}

	if err := f.validate.Struct(flow); err != nil {
		return NewValidationError(op, "INVALID_FLOW", err.Error(), ErrInvalidRequest)
	}

	if err := flow.CheckGraph(); err != nil {
		return NewValidationError(op, "INVALID_GRAPH", err.Error(), err)
	}

	return nil
}

func (f *Flow) publish(ctx context.Context, flow *models.FlowDefinition) (*models.FlowDefinition, error) {
	now := time.Now().UTC()
	flow.PublishedAt = &now

	if flow.Metadata.Visibility == "" {
		flow.Metadata.Visibility = models.VisibilityTenant
	}

	if err := f.flows.SaveFlow(ctx, flow); err != nil {
		return nil, fmt.Errorf("failed to save flow: %w", err)
	}

	return flow, nil
}
