package memory_test

import (
	"testing"

	"github.com/dukex/strata/pkg/persistence"
	"github.com/dukex/strata/pkg/persistence/memory"
	"github.com/dukex/strata/pkg/persistence/persistencetest"
)

func TestMemoryPersistence(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(*testing.T) persistence.Persistence {
		return memory.NewPersistence()
	})
}
