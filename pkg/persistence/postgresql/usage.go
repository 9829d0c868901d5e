package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/dukex/strata/pkg/models"
)

// UsageRepository handles billing rows.
type UsageRepository struct {
	db *sql.DB
}

func (r *UsageRepository) SaveUsage(ctx context.Context, record *models.UsageRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal usage record: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO usage_records (allocation_id, tenant, record, ended_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (allocation_id) DO NOTHING
	`, record.AllocationID, record.Tenant, recordJSON, record.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to save usage record: %w", err)
	}

	return nil
}

func (r *UsageRepository) UsageByTenant(ctx context.Context, tenant string) ([]*models.UsageRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT record FROM usage_records WHERE tenant = $1 ORDER BY ended_at`, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var out []*models.UsageRecord

	for rows.Next() {
		var (
			recordJSON []byte
			record     models.UsageRecord
		)

		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}

		if err := json.Unmarshal(recordJSON, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage record: %w", err)
		}

		out = append(out, &record)
	}

	return out, rows.Err()
}
