package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

func TestMemoryCacheSetAndGet(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	p := intel.Progress{
		CompanyID:    "c1",
		Phase:        intel.PhaseCrawling,
		PagesCrawled: 4,
		PagesQueued:  9,
		Activity:     "crawling https://acme.test/about",
		UpdatedAt:    time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, cache.Set(ctx, p))

	got, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p, got)
}

func TestMemoryCacheSetOverwrites(t *testing.T) {
	t.Parallel()

	cache := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, intel.Progress{CompanyID: "c1", PagesCrawled: 1}))
	require.NoError(t, cache.Set(ctx, intel.Progress{CompanyID: "c1", PagesCrawled: 2}))

	got, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, got.PagesCrawled)
}
