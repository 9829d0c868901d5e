package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dukex/strata/pkg/admission"
	"github.com/dukex/strata/pkg/models"
	"github.com/dukex/strata/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type Webhook struct {
	webhooks persistence.WebhookRepository
	flows    persistence.FlowRepository
	gateway  *admission.Gateway
	validate *validator.Validate
	now      func() time.Time
}

// NewWebhook creates a new webhook service.
func NewWebhook(
	webhooks persistence.WebhookRepository,
	flows persistence.FlowRepository,
	gateway *admission.Gateway,
	validate *validator.Validate,
) *Webhook {
	return &Webhook{
		webhooks: webhooks,
		flows:    flows,
		gateway:  gateway,
		validate: validate,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register stores a new webhook configuration owned by actor. An empty endpoint
// gets a generated one; the id is always generated.
func (w *Webhook) Register(ctx context.Context, actor string, config *models.WebhookConfig) (*models.WebhookConfig, error) {
	if config == nil {
		return nil, ErrWebhookNil
	}

	config.ID = uuid.New().String()
	config.Owner = actor
	if strings.TrimSpace(config.Endpoint) == "" {
		config.Endpoint = "wh-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	}

	if config.Auth.Type == "" {
		config.Auth.Type = models.AuthNone
	}

	now := w.now()
	config.CreatedAt = now
	config.UpdatedAt = now

	if err := w.check(ctx, "Register", config); err != nil {
		return nil, err
	}

	if err := w.webhooks.SaveWebhook(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}

	return config, nil
}

// Update replaces a webhook configuration. Only the owner may update it.
func (w *Webhook) Update(ctx context.Context, id, actor string, config *models.WebhookConfig) (*models.WebhookConfig, error) {
	if config == nil {
		return nil, ErrWebhookNil
	}

	existing, err := w.owned(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	config.ID = existing.ID
	config.Owner = existing.Owner
	config.CreatedAt = existing.CreatedAt
	config.UpdatedAt = w.now()

	if config.Endpoint == "" {
		config.Endpoint = existing.Endpoint
	}

	if config.Auth.Type == "" {
		config.Auth.Type = models.AuthNone
	}

	if config.Auth.Secret == "" && config.Auth.Type == existing.Auth.Type {
		config.Auth.Secret = existing.Auth.Secret
	}

	if err := w.check(ctx, "Update", config); err != nil {
		return nil, err
	}

	if err := w.webhooks.SaveWebhook(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}

	return config, nil
}

// Delete revokes a webhook immediately. Only the owner may delete it.
func (w *Webhook) Delete(ctx context.Context, id, actor string) error {
	if _, err := w.owned(ctx, id, actor); err != nil {
		return err
	}

	return w.webhooks.DeleteWebhook(ctx, id)
}

func (w *Webhook) FetchByID(ctx context.Context, id string) (*models.WebhookConfig, error) {
	return w.webhooks.WebhookByID(ctx, id)
}

// List returns every webhook, optionally filtered by owner.
func (w *Webhook) List(ctx context.Context, owner string) ([]*models.WebhookConfig, error) {
	configs, err := w.webhooks.Webhooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}

	if owner == "" {
		return configs, nil
	}

	filtered := make([]*models.WebhookConfig, 0, len(configs))

	for _, config := range configs {
		if config.Owner == owner {
			filtered = append(filtered, config)
		}
	}

	return filtered, nil
}

// Receive pushes an inbound event through the admission gateway.
func (w *Webhook) Receive(ctx context.Context, req admission.Request) (*models.AdmissionResult, error) {
	return w.gateway.Admit(ctx, req)
}

func (w *Webhook) owned(ctx context.Context, id, actor string) (*models.WebhookConfig, error) {
	existing, err := w.webhooks.WebhookByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if existing.Owner != actor {
		return nil, fmt.Errorf("webhook %s: %w", id, ErrNotOwner)
	}

	return existing, nil
}

func (w *Webhook) check(ctx context.Context, op string, config *models.WebhookConfig) error {
	if err := w.validate.Struct(config); err != nil {
		return NewValidationError(op, "INVALID_WEBHOOK", err.Error(), ErrInvalidRequest)
	}

	if _, err := admission.ParseNetworks(cidrs(config.AllowedSources)); err != nil {
		return NewValidationError(op, "INVALID_SOURCE", err.Error(), ErrInvalidRequest)
	}

	flow, err := w.flows.FlowByID(ctx, config.FlowID)
	if err != nil {
		if persistence.IsNotFound(err) {
			return NewValidationError(op, "UNKNOWN_FLOW", "flow "+config.FlowID+" does not exist", ErrInvalidRequest)
		}

		return err
	}

	// Admitted events start the flow directly, so only its owner may bind a
	// webhook to a flow that is not public.
	if flow.Metadata.Visibility != models.VisibilityPublic && flow.Owner != config.Owner {
		return fmt.Errorf("flow %s is owned by another actor: %w", flow.ID, ErrNotPermitted)
	}

	return nil
}

// cidrs returns the allow-list entries written as CIDR ranges.
func cidrs(sources []string) []string {
	var out []string

	for _, source := range sources {
		if strings.Contains(source, "/") {
			out = append(out, source)
		}
	}

	return out
}
