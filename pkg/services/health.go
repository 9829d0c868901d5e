package services

import (
	"context"

	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/protocol"
)

var healthProbe = []byte("strata-health-probe")

type Health struct {
	persistence persistence.Persistence
	content     protocol.ContentStore
}

// NewHealth creates a new health service.
func NewHealth(p persistence.Persistence, content protocol.ContentStore) *Health {
	return &Health{persistence: p, content: content}
}

// Persistence checks the health of the persistence layer.
func (h *Health) Persistence(ctx context.Context) (string, bool) {
	if h.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := h.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// ContentStore writes and reads back a fixed probe blob.
func (h *Health) ContentStore(ctx context.Context) (string, bool) {
	if h.content == nil {
		return "Content store not configured", true
	}

	address, err := h.content.Add(ctx, healthProbe)
	if err != nil {
		return "Content store is unhealthy: " + err.Error(), false
	}

	if _, err := h.content.Cat(ctx, address); err != nil {
		return "Content store is unhealthy: " + err.Error(), false
	}

	return "Content store is healthy", true
}
