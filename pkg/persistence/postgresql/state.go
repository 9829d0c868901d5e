package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// StateRepository handles state pointers and checkpoints.
type StateRepository struct {
	db *sql.DB
}

func (r *StateRepository) SetLatest(ctx context.Context, executionID, address string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO state_pointers (execution_id, address, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (execution_id) DO UPDATE SET address = EXCLUDED.address, updated_at = NOW()
	`, executionID, address)
	if err != nil {
		return fmt.Errorf("failed to save state pointer: %w", err)
	}

	return nil
}

func (r *StateRepository) Latest(ctx context.Context, executionID string) (string, error) {
	var address string

	err := r.db.QueryRowContext(ctx, `SELECT address FROM state_pointers WHERE execution_id = $1`, executionID).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", persistence.NewEntityError("Latest", "execution", executionID, persistence.ErrStateNotFound)
	}

	if err != nil {
		return "", fmt.Errorf("failed to query state pointer: %w", err)
	}

	return address, nil
}

func (r *StateRepository) SaveCheckpoint(ctx context.Context, checkpoint *models.Checkpoint) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO checkpoints (execution_id, name, address, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (execution_id, name) DO UPDATE SET address = EXCLUDED.address, created_at = EXCLUDED.created_at
	`, checkpoint.ExecutionID, checkpoint.Name, checkpoint.Address, checkpoint.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

func (r *StateRepository) Checkpoint(ctx context.Context, executionID, name string) (*models.Checkpoint, error) {
	checkpoint := models.Checkpoint{ExecutionID: executionID, Name: name}

	err := r.db.QueryRowContext(ctx,
		`SELECT address, created_at FROM checkpoints WHERE execution_id = $1 AND name = $2`, executionID, name).
		Scan(&checkpoint.Address, &checkpoint.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("Checkpoint", "checkpoint", executionID+"/"+name, persistence.ErrCheckpointNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	return &checkpoint, nil
}

func (r *StateRepository) Checkpoints(ctx context.Context, executionID string) ([]*models.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, address, created_at FROM checkpoints WHERE execution_id = $1 ORDER BY created_at`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint

	for rows.Next() {
		checkpoint := models.Checkpoint{ExecutionID: executionID}
		if err := rows.Scan(&checkpoint.Name, &checkpoint.Address, &checkpoint.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}

		out = append(out, &checkpoint)
	}

	return out, rows.Err()
}
