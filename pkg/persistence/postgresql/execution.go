package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// ExecutionRepository handles execution state rows.
type ExecutionRepository struct {
	db *sql.DB
}

func (r *ExecutionRepository) SaveExecution(ctx context.Context, state *models.ExecutionState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	query := `
		INSERT INTO executions (id, flow_id, status, tenant, state, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		state.ExecutionID,
		state.FlowID,
		state.Status,
		state.Context.TenantSubnet,
		stateJSON,
		state.StartedAt,
		state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}

	return nil
}

func (r *ExecutionRepository) ExecutionByID(ctx context.Context, id string) (*models.ExecutionState, error) {
	var stateJSON []byte

	err := r.db.QueryRowContext(ctx, `SELECT state FROM executions WHERE id = $1`, id).Scan(&stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}

	var state models.ExecutionState
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &state, nil
}

func (r *ExecutionRepository) ListExecutions(ctx context.Context, filter persistence.ExecutionFilter) ([]*models.ExecutionState, error) {
	query := `
		SELECT state FROM executions
		WHERE ($1 = '' OR flow_id = $1)
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR tenant = $3)
		ORDER BY started_at
	`

	rows, err := r.db.QueryContext(ctx, query, filter.FlowID, string(filter.Status), filter.Tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []*models.ExecutionState

	for rows.Next() {
		var (
			stateJSON []byte
			state     models.ExecutionState
		)

		if err := rows.Scan(&stateJSON); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		if err := json.Unmarshal(stateJSON, &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		out = append(out, &state)
	}

	return out, rows.Err()
}
