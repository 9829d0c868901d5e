package persistence_test

import (
	"errors"
	"testing"

	"github.com/dukex/strata/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("entity error unwraps", func(t *testing.T) {
		err := persistence.NewEntityError("FlowByID", "flow", "flow-123", persistence.ErrFlowNotFound)

		assert.True(t, errors.Is(err, persistence.ErrFlowNotFound))
		assert.True(t, persistence.IsNotFound(err))
		assert.False(t, persistence.IsConflict(err))
	})

	t.Run("entity error contains context", func(t *testing.T) {
		err := persistence.NewEntityError("SaveWebhook", "webhook", "wh-1", persistence.ErrWebhookExists)

		assert.Contains(t, err.Error(), "SaveWebhook")
		assert.Contains(t, err.Error(), "wh-1")
		assert.Contains(t, err.Error(), "already registered")
		assert.True(t, persistence.IsConflict(err))
	})

	t.Run("plain errors are neither", func(t *testing.T) {
		assert.False(t, persistence.IsNotFound(assert.AnError))
		assert.False(t, persistence.IsConflict(assert.AnError))
	})
}
