package services

import (
	"context"
	"testing"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/persistence/file"
	"github.com/dukex/strata/pkg/testutil"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlow_Create(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()).Flows(), validator.New())

	created, err := service.Create(t.Context(), testutil.CreateTestFlow(testutil.WithFlowID("ignored")))
	require.NoError(t, err)

	assert.NotEqual(t, "ignored", created.ID)
	assert.Equal(t, 1, created.Version)
	assert.NotNil(t, created.PublishedAt)
	assert.False(t, created.CreatedAt.IsZero())

	fetched, err := service.FetchByID(t.Context(), created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, created.Name, fetched.Name)
}

func TestFlow_CreateRejectsInvalidFlows(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()).Flows(), validator.New())

	tests := map[string]*models.FlowDefinition{
		"no steps": testutil.CreateTestFlow(testutil.WithSteps()),
		"short name": testutil.CreateTestFlow(func(f *models.FlowDefinition) {
			f.Name = "ab"
		}),
		"dangling successor": testutil.CreateTestFlow(testutil.WithSteps(
			testutil.CreateTestStep("a", testutil.WithOnSuccess("missing")),
		)),
		"duplicate steps": testutil.CreateTestFlow(testutil.WithSteps(
			testutil.CreateTestStep("a"),
			testutil.CreateTestStep("a"),
		)),
	}

	for name, flow := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := service.Create(t.Context(), flow)
			require.Error(t, err)
			assert.True(t, IsValidationError(err), err)
		})
	}

	_, err := service.Create(t.Context(), nil)
	require.ErrorIs(t, err, ErrFlowNil)

	_, err = service.Create(t.Context(), testutil.CreateTestFlow(func(f *models.FlowDefinition) {
		f.Owner = " "
	}))
	require.ErrorIs(t, err, ErrEmptyOwnerID)
}

func TestFlow_UpdateCreatesNewVersion(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()).Flows(), validator.New())

	created, err := service.Create(t.Context(), testutil.CreateTestFlow())
	require.NoError(t, err)

	next := testutil.CreateTestFlow(func(f *models.FlowDefinition) {
		f.Name = "Renamed Flow"
	})

	_, err = service.Update(t.Context(), created.ID, "someone-else", next)
	require.ErrorIs(t, err, ErrNotOwner)
	assert.True(t, IsForbidden(err))

	updated, err := service.Update(t.Context(), created.ID, "test-user", next)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, 2, updated.Version)

	first, err := service.FetchByID(t.Context(), created.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Test Flow", first.Name)

	latest, err := service.FetchByID(t.Context(), created.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "Renamed Flow", latest.Name)

	_, err = service.Update(context.Background(), "unknown", "test-user", testutil.CreateTestFlow())
	assert.True(t, persistence.IsNotFound(err))
}

func TestFlow_ListFiltersByOwner(t *testing.T) {
	service := NewFlow(file.NewPersistence(t.TempDir()).Flows(), validator.New())

	_, err := service.Create(t.Context(), testutil.CreateTestFlow())
	require.NoError(t, err)

	_, err = service.Create(t.Context(), testutil.CreateTestFlow(func(f *models.FlowDefinition) {
		f.Owner = "other"
	}))
	require.NoError(t, err)

	all, err := service.List(t.Context(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := service.List(t.Context(), "other")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "other", mine[0].Owner)
}
