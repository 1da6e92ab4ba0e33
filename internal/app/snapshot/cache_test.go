package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penguintechinc/marchproxy-sub000/internal/app/storage/memory"
)

func TestCacheReturnsStableVersionUntilMarkedDirty(t *testing.T) {
	store := memory.New()
	_, dst := seedClusterWithMapping(t, store, "cluster-1")
	cache := NewCache(New(store, store, store, nil))
	ctx := context.Background()

	first, err := cache.Get(ctx, "cluster-1")
	require.NoError(t, err)

	second, err := cache.Get(ctx, "cluster-1")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)

	dst.Address = "10.0.0.42"
	_, err = store.UpdateService(ctx, dst, dst.Version)
	require.NoError(t, err)
	cache.MarkDirty("cluster-1")

	third, err := cache.Get(ctx, "cluster-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Version, third.Version)
}

func TestCacheRetainsPinnedVersionAfterSupersession(t *testing.T) {
	store := memory.New()
	_, dst := seedClusterWithMapping(t, store, "cluster-1")
	cache := NewCache(New(store, store, store, nil))
	ctx := context.Background()

	first, err := cache.Get(ctx, "cluster-1")
	require.NoError(t, err)
	cache.Pin("cluster-1", first.Version)

	dst.Address = "10.0.0.77"
	_, err = store.UpdateService(ctx, dst, dst.Version)
	require.NoError(t, err)
	cache.MarkDirty("cluster-1")

	_, err = cache.Get(ctx, "cluster-1")
	require.NoError(t, err)

	pinned, ok := cache.Version("cluster-1", first.Version)
	require.True(t, ok)
	assert.Equal(t, first.Version, pinned.Version)

	cache.Unpin("cluster-1", first.Version)
	_, ok = cache.Version("cluster-1", first.Version)
	assert.False(t, ok)
}

func TestCacheUnknownVersionNotResident(t *testing.T) {
	store := memory.New()
	seedClusterWithMapping(t, store, "cluster-1")
	cache := NewCache(New(store, store, store, nil))

	_, ok := cache.Version("cluster-1", "not-a-real-version")
	assert.False(t, ok)
}
