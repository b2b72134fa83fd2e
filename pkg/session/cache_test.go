package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SharesHandleAcrossSlots(t *testing.T) {
	loader := &fakeLoader{}
	cache := NewCache(loader)
	ctx := context.Background()

	slot, err := cache.Open(ctx, "a.gguf")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	slot, err = cache.Open(ctx, "a.gguf")
	require.NoError(t, err)
	assert.Equal(t, 2, slot)
	slot, err = cache.Open(ctx, "b.gguf")
	require.NoError(t, err)
	assert.Equal(t, 1, slot)

	assert.Equal(t, 2, loader.Loads())
	assert.Equal(t, []string{"a.gguf", "b.gguf"}, cache.Files())

	require.NoError(t, cache.Close())
	for _, m := range loader.models {
		assert.True(t, m.Closed())
	}
	_, err = cache.Open(ctx, "a.gguf")
	assert.ErrorIs(t, err, ErrCacheClosed)
}

func TestCache_ReloadSwapsHandle(t *testing.T) {
	loader := &fakeLoader{}
	cache := NewCache(loader)
	ctx := context.Background()

	_, err := cache.Open(ctx, "a.gguf")
	require.NoError(t, err)
	before, ok := cache.Model("a.gguf")
	require.True(t, ok)

	require.NoError(t, cache.Reload(ctx, "a.gguf"))
	after, ok := cache.Model("a.gguf")
	require.True(t, ok)
	assert.NotSame(t, before, after)
	assert.True(t, before.(*fakeModel).Closed())

	slot, err := cache.Open(ctx, "a.gguf")
	require.NoError(t, err)
	assert.Equal(t, 2, slot, "slots survive a reload")
	require.NoError(t, cache.Close())
}
