package file

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// ExecutionRepository stores executions as executions/<id>.json.
type ExecutionRepository struct {
	fp *Persistence
}

func (r *ExecutionRepository) SaveExecution(_ context.Context, state *models.ExecutionState) error {
	if err := validateID(state.ExecutionID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return writeJSON(r.fp.path("executions", state.ExecutionID+".json"), state)
}

func (r *ExecutionRepository) ExecutionByID(_ context.Context, id string) (*models.ExecutionState, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var state models.ExecutionState

	err := readJSON(r.fp.path("executions", id+".json"), &state)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewEntityError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (r *ExecutionRepository) ListExecutions(_ context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionState, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	files, err := readDir(r.fp.path("executions"))
	if err != nil {
		return nil, err
	}

	var out []*models.ExecutionState

	for _, path := range files {
		var state models.ExecutionState
		if err := readJSON(path, &state); err != nil {
			return nil, err
		}

		if filter.FlowID != "" && state.FlowID != filter.FlowID {
			continue
		}

		if filter.Status != "" && state.Status != filter.Status {
			continue
		}

		if filter.Tenant != "" && state.Context.TenantSubnet != filter.Tenant {
			continue
		}

		out = append(out, &state)
	}

	slices.SortFunc(out, func(a, b *models.ExecutionState) int { return a.StartedAt.Compare(b.StartedAt) })

	return out, nil
}
