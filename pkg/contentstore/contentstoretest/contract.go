// Package contentstoretest holds the contract every content store must satisfy.
package contentstoretest

import (
	"context"
	"testing"

	"github.com/dukex/strata/pkg/contentstore"
	"github.com/dukex/strata/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises Add, Cat, Pin and Unpin against store.
func Run(t *testing.T, store protocol.ContentStore) {
	t.Helper()

	ctx := context.Background()
	data := []byte(`{"hello":"world"}`)

	address, err := store.Add(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, contentstore.Address(data), address)
	require.NoError(t, contentstore.ValidateAddress(address))

	again, err := store.Add(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, address, again, "adding identical content is idempotent")

	got, err := store.Cat(ctx, address)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing := contentstore.Address([]byte("never stored"))
	_, err = store.Cat(ctx, missing)
	assert.ErrorIs(t, err, contentstore.ErrNotFound)

	require.NoError(t, store.Pin(ctx, address))
	require.NoError(t, store.Pin(ctx, address))
	require.NoError(t, store.Unpin(ctx, address))
	require.NoError(t, store.Unpin(ctx, address))

	assert.ErrorIs(t, store.Pin(ctx, missing), contentstore.ErrNotFound)
}
