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

// FlowRepository handles flow versions.
type FlowRepository struct {
	db *sql.DB
}

func (r *FlowRepository) SaveFlow(ctx context.Context, flow *models.FlowDefinition) error {
	if flow.CreatedAt.IsZero() {
		flow.CreatedAt = time.Now().UTC()
	}

	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	query := `
		INSERT INTO flows (id, version, owner, definition, created_at)
		SELECT $1::varchar, COALESCE(MAX(version), 0) + 1, $2::varchar, $3::jsonb, $4::timestamptz FROM flows WHERE id = $1::varchar
		RETURNING version
	`

	var version int

	err = r.db.QueryRowContext(ctx, query, flow.ID, flow.Owner, definition, flow.CreatedAt).Scan(&version)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	flow.Version = version

	return nil
}

func scanFlow(row *sql.Row, op, id string) (*models.FlowDefinition, error) {
	var (
		version    int
		definition []byte
	)

	err := row.Scan(&version, &definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError(op, "flow", id, persistence.ErrFlowNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}

	var flow models.FlowDefinition
	if err := json.Unmarshal(definition, &flow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
	}

	flow.Version = version

	return &flow, nil
}

func (r *FlowRepository) FlowByID(ctx context.Context, id string) (*models.FlowDefinition, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT version, definition FROM flows WHERE id = $1 ORDER BY version DESC LIMIT 1`, id)

	return scanFlow(row, "FlowByID", id)
}

func (r *FlowRepository) FlowVersion(ctx context.Context, id string, version int) (*models.FlowDefinition, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT version, definition FROM flows WHERE id = $1 AND version = $2`, id, version)

	return scanFlow(row, "FlowVersion", id)
}

func (r *FlowRepository) Flows(ctx context.Context) ([]*models.FlowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (id) version, definition FROM flows ORDER BY id, version DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []*models.FlowDefinition

	for rows.Next() {
		var (
			version    int
			definition []byte
			flow       models.FlowDefinition
		)

		if err := rows.Scan(&version, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}

		if err := json.Unmarshal(definition, &flow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
		}

		flow.Version = version
		flows = append(flows, &flow)
	}

	return flows, rows.Err()
}
