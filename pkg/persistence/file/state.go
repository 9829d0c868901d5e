package file

import (
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// StateRepository keeps state pointers under states/<execution>/.
type StateRepository struct {
	fp *Persistence
}

type pointer struct {
	Address string `json:"address"`
}

func (r *StateRepository) SetLatest(_ context.Context, executionID, address string) error {
	if err := validateID(executionID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return writeJSON(r.fp.path("states", executionID, "latest.json"), pointer{Address: address})
}

func (r *StateRepository) Latest(_ context.Context, executionID string) (string, error) {
	if err := validateID(executionID); err != nil {
		return "", err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var p pointer

	err := readJSON(r.fp.path("states", executionID, "latest.json"), &p)
	if errors.Is(err, os.ErrNotExist) {
		return "", persistence.NewEntityError("Latest", "execution", executionID, persistence.ErrStateNotFound)
	}

	return p.Address, err
}

func (r *StateRepository) SaveCheckpoint(_ context.Context, checkpoint *models.Checkpoint) error {
	if err := validateID(checkpoint.ExecutionID); err != nil {
		return err
	}

	if err := validateID(checkpoint.Name); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return writeJSON(r.fp.path("states", checkpoint.ExecutionID, "checkpoints", checkpoint.Name+".json"), checkpoint)
}

func (r *StateRepository) Checkpoint(_ context.Context, executionID, name string) (*models.Checkpoint, error) {
	if err := validateID(executionID); err != nil {
		return nil, err
	}

	if err := validateID(name); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var checkpoint models.Checkpoint

	err := readJSON(r.fp.path("states", executionID, "checkpoints", name+".json"), &checkpoint)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewEntityError("Checkpoint", "checkpoint", executionID+"/"+name, persistence.ErrCheckpointNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &checkpoint, nil
}

func (r *StateRepository) Checkpoints(_ context.Context, executionID string) ([]*models.Checkpoint, error) {
	if err := validateID(executionID); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	files, err := readDir(r.fp.path("states", executionID, "checkpoints"))
	if err != nil {
		return nil, err
	}

	out := make([]*models.Checkpoint, 0, len(files))

	for _, path := range files {
		var checkpoint models.Checkpoint
		if err := readJSON(path, &checkpoint); err != nil {
			return nil, err
		}

		out = append(out, &checkpoint)
	}

	slices.SortFunc(out, func(a, b *models.Checkpoint) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}
