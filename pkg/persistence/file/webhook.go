package file

import (
	"cmp"
	"context"
	"errors"
	"os"
	"slices"

	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
)

// WebhookRepository stores webhook configurations as webhooks/<id>.json.
type WebhookRepository struct {
	fp *Persistence
}

func (r *WebhookRepository) all() ([]*models.WebhookConfig, error) {
	files, err := readDir(r.fp.path("webhooks"))
	if err != nil {
		return nil, err
	}

	out := make([]*models.WebhookConfig, 0, len(files))

	for _, path := range files {
		var config models.WebhookConfig
		if err := readJSON(path, &config); err != nil {
			return nil, err
		}

		out = append(out, &config)
	}

	slices.SortFunc(out, func(a, b *models.WebhookConfig) int { return cmp.Compare(a.Endpoint, b.Endpoint) })

	return out, nil
}

func (r *WebhookRepository) SaveWebhook(_ context.Context, config *models.WebhookConfig) error {
	if err := validateID(config.ID); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	existing, err := r.all()
	if err != nil {
		return err
	}

	for _, other := range existing {
		if other.Endpoint == config.Endpoint && other.ID != config.ID {
			return persistence.NewEntityError("SaveWebhook", "webhook", config.ID, persistence.ErrWebhookExists)
		}
	}

	return writeJSON(r.fp.path("webhooks", config.ID+".json"), config)
}

func (r *WebhookRepository) WebhookByID(_ context.Context, id string) (*models.WebhookConfig, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	var config models.WebhookConfig

	err := readJSON(r.fp.path("webhooks", id+".json"), &config)
	if errors.Is(err, os.ErrNotExist) {
		return nil, persistence.NewEntityError("WebhookByID", "webhook", id, persistence.ErrWebhookNotFound)
	}

	if err != nil {
		return nil, err
	}

	return &config, nil
}

func (r *WebhookRepository) WebhookByEndpoint(_ context.Context, endpoint string) (*models.WebhookConfig, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	configs, err := r.all()
	if err != nil {
		return nil, err
	}

	for _, config := range configs {
		if config.Endpoint == endpoint {
			return config, nil
		}
	}

	return nil, persistence.NewEntityError("WebhookByEndpoint", "webhook", endpoint, persistence.ErrWebhookNotFound)
}

func (r *WebhookRepository) Webhooks(_ context.Context) ([]*models.WebhookConfig, error) {
	r.fp.mu.RLock()
	defer r.fp.mu.RUnlock()

	return r.all()
}

func (r *WebhookRepository) DeleteWebhook(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	r.fp.mu.Lock()
	defer r.fp.mu.Unlock()

	err := os.Remove(r.fp.path("webhooks", id+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return persistence.NewEntityError("DeleteWebhook", "webhook", id, persistence.ErrWebhookNotFound)
	}

	return err
}
