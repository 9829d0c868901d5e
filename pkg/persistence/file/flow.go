package file

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// FlowRepository stores each flow version as flows/<id>/v<version>.json.
type FlowRepository struct {
	fp *Persistence
}

func (r *FlowRepository) versions(id string) (int, error) {
	files, err := readDir(r.fp.path("flows", id))
	if err != nil {
		return 0, err
	}

	return len(files), nil
}

func (r *FlowRepository) SaveFlow(_ context.Context, flow *models.FlowDefinition) error {
	if err := validateID(flow.ID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	count, err := r.versions(flow.ID)
	if err != nil {
		return err
	}

	flow.Version = count + 1
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	return writeJSON(r.fp.path("flows", flow.ID, fmt.Sprintf("v%08d.json", flow.Version)), flow)
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	count, err := r.versions(id)
	r.fp.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	if count == 0 {
		return nil, persistence.NewEntityError("FlowByID", "flow", id, persistence.ErrFlowNotFound)
	}

	return r.FlowVersion(ctx, id, count)
}

func (r *FlowRepository) FlowVersion(_ context.Context, id string, version int) (*models.FlowDefinition, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var flow models.FlowDefinition

	err := readJSON(r.fp.path("flows", id, fmt.Sprintf("v%08d.json", version)), &flow)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewEntityError("FlowVersion", "flow", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &flow, nil
}

func (r *FlowRepository) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	r.fp.mu.RLock()
	ids, err := subdirs(r.fp.path("flows"))
	r.fp.mu.RUnlock()

	if err != nil {
		return nil, err
	}

	flows := make([]*models.FlowDefinition, 0, len(ids))

	for _, id := range ids {
		flow, err := r.FlowByID(ctx, id)
		if err != nil {
			return nil, err
		}

		flows = append(flows, flow)
	}

	slices.SortFunc(flows, func(a, b *models.FlowDefinition) int { return cmp.Compare(a.ID, b.ID) })

	return flows, nil
}
