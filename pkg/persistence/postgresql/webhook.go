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

// WebhookRepository handles webhook configuration rows.
type WebhookRepository struct {
	db *sql.DB
}

func (r *WebhookRepository) SaveWebhook(ctx context.Context, config *models.WebhookConfig) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook: %w", err)
	}

	query := `
		INSERT INTO webhooks (id, endpoint, config, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			endpoint = EXCLUDED.endpoint,
			config = EXCLUDED.config,
			updated_at = NOW()
	`

	_, err = r.db.ExecContext(ctx, query, config.ID, config.Endpoint, configJSON)
	if isUniqueViolation(err) {
		return persistence.NewEntityError("SaveWebhook", "webhook", config.ID, persistence.ErrWebhookExists)
	}

	if err != nil {
		return fmt.Errorf("failed to save webhook: %w", err)
	}

	return nil
}

func (r *WebhookRepository) scanOne(row *sql.Row, op, id string) (*models.WebhookConfig, error) {
	var configJSON []byte

	err := row.Scan(&configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError(op, "webhook", id, persistence.ErrWebhookNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to query webhook: %w", err)
	}

	var config models.WebhookConfig
	if err := json.Unmarshal(configJSON, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
	}

	return &config, nil
}

func (r *WebhookRepository) WebhookByID(ctx context.Context, id string) (*models.WebhookConfig, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `SELECT config FROM webhooks WHERE id = $1`, id), "WebhookByID", id)
}

func (r *WebhookRepository) WebhookByEndpoint(ctx context.Context, endpoint string) (*models.WebhookConfig, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `SELECT config FROM webhooks WHERE endpoint = $1`, endpoint), "WebhookByEndpoint", endpoint)
}

func (r *WebhookRepository) Webhooks(ctx context.Context) ([]*models.WebhookConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT config FROM webhooks ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookConfig

	for rows.Next() {
		var (
			configJSON []byte
			config     models.WebhookConfig
		)

		if err := rows.Scan(&configJSON); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}

		if err := json.Unmarshal(configJSON, &config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal webhook: %w", err)
		}

		out = append(out, &config)
	}

	return out, rows.Err()
}

func (r *WebhookRepository) DeleteWebhook(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return persistence.NewEntityError("DeleteWebhook", "webhook", id, persistence.ErrWebhookNotFound)
	}

	return nil
}
