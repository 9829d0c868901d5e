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

// AuditRepository stores each record as audit/<execution>/<sequence>.json.
type AuditRepository struct {
	fp *Persistence
}

func (r *AuditRepository) recordPath(executionID string, sequence int64) string {
	return r.fp.path("audit", executionID, fmt.Sprintf("%012d.json", sequence))
}

func (r *AuditRepository) AppendRecord(_ context.Context, record *models.HistoricalRecord) error {
	if err := validateID(record.ExecutionID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	files, err := readDir(r.fp.path("audit", record.ExecutionID))
	if err != nil {
		return err
	}

	if record.Sequence != int64(len(files))+1 {
		return persistence.NewEntityError("AppendRecord", "audit record", record.RecordID, persistence.ErrRecordConflict)
	}

	return writeJSON(r.recordPath(record.ExecutionID, record.Sequence), record)
}

func (r *AuditRepository) chain(executionID string) ([]*models.HistoricalRecord, error) {
	files, err := readDir(r.fp.path("audit", executionID))
	if err != nil {
		return nil, err
	}

	slices.Sort(files)

	out := make([]*models.HistoricalRecord, 0, len(files))

	for _, path := range files {
		var record models.HistoricalRecord
		if err := readJSON(path, &record); err != nil {
			return nil, err
		}

		out = append(out, &record)
	}

	return out, nil
}

func (r *AuditRepository) RecordsByExecution(_ context.Context, executionID string) ([]*models.HistoricalRecord, error) {
	if err := validateID(executionID); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	return r.chain(executionID)
}

func (r *AuditRepository) RecordsBetween(_ context.Context, from, to time.Time) ([]*models.HistoricalRecord, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	executions, err := subdirs(r.fp.path("audit"))
	if err != nil {
		return nil, err
	}

	var out []*models.HistoricalRecord

	for _, executionID := range executions {
		chain, err := r.chain(executionID)
		if err != nil {
			return nil, err
		}

		for _, record := range chain {
			if !record.Timestamp.Before(from) && record.Timestamp.Before(to) {
				out = append(out, record)
			}
		}
	}

	slices.SortFunc(out, func(a, b *models.HistoricalRecord) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}

		return cmp.Compare(a.Sequence, b.Sequence)
	})

	return out, nil
}

func (r *AuditRepository) LastRecord(_ context.Context, executionID string) (*models.HistoricalRecord, error) {
	if err := validateID(executionID); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	files, err := readDir(r.fp.path("audit", executionID))
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, persistence.NewEntityError("LastRecord", "execution", executionID, persistence.ErrRecordNotFound)
	}

	var record models.HistoricalRecord

	err = readJSON(r.recordPath(executionID, int64(len(files))), &record)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewEntityError("LastRecord", "execution", executionID, persistence.ErrRecordNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &record, nil
}
