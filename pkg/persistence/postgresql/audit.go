package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// AuditRepository handles the append-only audit_records table.
type AuditRepository struct {
	db *sql.DB
}

// AppendRecord inserts only when the record directly follows the current tail.
func (r *AuditRepository) AppendRecord(ctx context.Context, record *models.HistoricalRecord) error {
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	query := `
		INSERT INTO audit_records (record_id, execution_id, sequence, record_type, ts, actor, record)
		SELECT $1::varchar, $2::varchar, $3::bigint, $4::varchar, $5::timestamptz, $6::varchar, $7::jsonb
		WHERE (SELECT COALESCE(MAX(sequence), 0) FROM audit_records WHERE execution_id = $2::varchar) = $3::bigint - 1
	`

	result, err := r.db.ExecContext(ctx, query,
		record.RecordID,
		record.ExecutionID,
		record.Sequence,
		record.RecordType,
		record.Timestamp,
		record.Actor,
		recordJSON,
	)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("AppendRecord", "audit record", record.RecordID, persistence.ErrRecordConflict)
	}

	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("AppendRecord", "audit record", record.RecordID, persistence.ErrRecordConflict)
	}

	return nil
}

func scanRecords(rows *sql.Rows) ([]*models.HistoricalRecord, error) {
	defer rows.Close()

	var out []*models.HistoricalRecord

	for rows.Next() {
		var (
			recordJSON []byte
			record     models.HistoricalRecord
		)

		if err := rows.Scan(&recordJSON); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}

		if err := json.Unmarshal(recordJSON, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
		}

		out = append(out, &record)
	}

	return out, rows.Err()
}

func (r *AuditRepository) RecordsByExecution(ctx context.Context, executionID string) ([]*models.HistoricalRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT record FROM audit_records WHERE execution_id = $1 ORDER BY sequence`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	return scanRecords(rows)
}

func (r *AuditRepository) RecordsBetween(ctx context.Context, from, to time.Time) ([]*models.HistoricalRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT record FROM audit_records WHERE ts >= $1 AND ts < $2 ORDER BY ts, sequence`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}

	return scanRecords(rows)
}

func (r *AuditRepository) LastRecord(ctx context.Context, executionID string) (*models.HistoricalRecord, error) {
	var recordJSON []byte

	err := r.db.QueryRowContext(ctx,
		`SELECT record FROM audit_records WHERE execution_id = $1 ORDER BY sequence DESC LIMIT 1`, executionID).
		Scan(&recordJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("LastRecord", "execution", executionID, persistence.ErrRecordNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query audit record: %w", err)
	}

	var record models.HistoricalRecord
	if err := json.Unmarshal(recordJSON, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit record: %w", err)
	}

	return &record, nil
}
