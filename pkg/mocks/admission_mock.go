package mocks

import (
	"context"

	"github.com/dukex/strata/pkg/engine"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockStarter is a mock implementation of admission.Starter.
type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) Start(ctx context.Context, flowID string, execCtx models.ExecutionContext, opts ...engine.StartOption) (*models.ExecutionState, error) {
	args := m.Called(ctx, flowID, execCtx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ExecutionState), args.Error(1)
}

// MockRiskAssessor is a mock implementation of protocol.RiskAssessor.
type MockRiskAssessor struct {
	mock.Mock
}

func (m *MockRiskAssessor) Assess(ctx context.Context, candidate protocol.RiskCandidate) (*models.RiskAssessment, error) {
	args := m.Called(ctx, candidate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.RiskAssessment), args.Error(1)
}
