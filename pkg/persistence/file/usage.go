package file

import (
	"context"

	"github.com/dukex/strata/pkg/models"
)

// UsageRepository stores billing records as usage/<tenant>/<allocation>.json.
type UsageRepository struct {
	fp *Persistence
}

func (r *UsageRepository) SaveUsage(_ context.Context, record *models.UsageRecord) error {
	if err := validateID(record.Tenant); err != nil {
		return err
	}

	if err := validateID(record.AllocationID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	return writeJSON(r.fp.path("usage", record.Tenant, record.AllocationID+".json"), record)
}

func (r *UsageRepository) UsageByTenant(_ context.Context, tenant string) ([]*models.UsageRecord, error) {
	if err := validateID(tenant); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	files, err := readDir(r.fp.path("usage", tenant))
	if err != nil {
		return nil, err
	}

	out := make([]*models.UsageRecord, 0, len(files))

	for _, path := range files {
		var record models.UsageRecord
		if err := readJSON(path, &record); err != nil {
			return nil, err
		}

		out = append(out, &record)
	}

	return out, nil
}
