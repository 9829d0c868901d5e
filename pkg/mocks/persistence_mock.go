package mocks

import (
	"context"

	"github.com/dukex/strata/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockWebhookRepository is a mock implementation of persistence.WebhookRepository.
type MockWebhookRepository struct {
	mock.Mock
}

func (m *MockWebhookRepository) SaveWebhook(ctx context.Context, config *models.WebhookConfig) error {
	args := m.Called(ctx, config)

	return args.Error(0)
}

func (m *MockWebhookRepository) WebhookByID(ctx context.Context, id string) (*models.WebhookConfig, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WebhookConfig), args.Error(1)
}

func (m *MockWebhookRepository) WebhookByEndpoint(ctx context.Context, endpoint string) (*models.WebhookConfig, error) {
	args := m.Called(ctx, endpoint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WebhookConfig), args.Error(1)
}

func (m *MockWebhookRepository) Webhooks(ctx context.Context) ([]*models.WebhookConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WebhookConfig), args.Error(1)
}

func (m *MockWebhookRepository) DeleteWebhook(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockFlowRepository is a mock implementation of persistence.FlowRepository.
type MockFlowRepository struct {
	mock.Mock
}

func (m *MockFlowRepository) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	args := m.Called(ctx, flow)

	return args.Error(0)
}

func (m *MockFlowRepository) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) FlowVersion(ctx context.Context, id string, version int) (*models.FlowDefinition, error) {
	args := m.Called(ctx, id, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.FlowDefinition), args.Error(1)
}

func (m *MockFlowRepository) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.FlowDefinition), args.Error(1)
}
