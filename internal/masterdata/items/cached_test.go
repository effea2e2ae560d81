package items

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/cache"
)

type countingCatalog struct {
	*ledger.MemoryCatalog
	calls atomic.Int32
}

func (c *countingCatalog) Item(ctx context.Context, id int64) (ledger.Item, error) {
	c.calls.Add(1)
	return c.MemoryCatalog.Item(ctx, id)
}

func (c *countingCatalog) Items(ctx context.Context, f ledger.ItemFilter) ([]ledger.Item, error) {
	c.calls.Add(1)
	return c.MemoryCatalog.Items(ctx, f)
}

func newCached(t *testing.T) (*CachedCatalog, *countingCatalog) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	next := &countingCatalog{MemoryCatalog: ledger.NewMemoryCatalog(
		ledger.Item{ID: 1, Code: "SCRAP", Category: ledger.CategoryRawMaterial, Unit: "kg"},
		ledger.Item{ID: 4, Code: "S230", Category: ledger.CategoryFinishedGood, Unit: "kg", UnitWeight: decimal.RequireFromString("25")},
	)}
	return NewCachedCatalog(next, cache.NewVersioned(client, "items", time.Minute)), next
}

func TestCachedCatalogServesRepeatLookups(t *testing.T) {
	ctx := context.Background()
	c, next := newCached(t)

	first, err := c.Item(ctx, 4)
	require.NoError(t, err)
	second, err := c.Item(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int32(1), next.calls.Load())
	require.Equal(t, "S230", second.Code)
	require.True(t, first.UnitWeight.Equal(second.UnitWeight))

	require.NoError(t, c.Refresh(ctx))
	_, err = c.Item(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int32(2), next.calls.Load())
}

func TestCachedCatalogListsIncludeNewItems(t *testing.T) {
	ctx := context.Background()
	c, next := newCached(t)

	list, err := c.Items(ctx, ledger.ItemFilter{Categories: []ledger.Category{ledger.CategoryRawMaterial}})
	require.NoError(t, err)
	require.Len(t, list, 1)

	// A new item lands in the table without anyone calling Refresh.
	next.MemoryCatalog = ledger.NewMemoryCatalog(
		ledger.Item{ID: 1, Code: "SCRAP", Category: ledger.CategoryRawMaterial, Unit: "kg"},
		ledger.Item{ID: 4, Code: "S230", Category: ledger.CategoryFinishedGood, Unit: "kg", UnitWeight: decimal.RequireFromString("25")},
		ledger.Item{ID: 9, Code: "PIG-IRON", Category: ledger.CategoryRawMaterial, Unit: "kg"},
	)

	list, err = c.Items(ctx, ledger.ItemFilter{Categories: []ledger.Category{ledger.CategoryRawMaterial}})
	require.NoError(t, err)
	require.Len(t, list, 2)
	all, err := c.Items(ctx, ledger.ItemFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, int32(3), next.calls.Load())
}

func TestCachedCatalogDoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	c, next := newCached(t)
	_, err := c.Item(ctx, 99)
	require.ErrorIs(t, err, ledger.ErrItemNotFound)
	_, err = c.Item(ctx, 99)
	require.ErrorIs(t, err, ledger.ErrItemNotFound)
	require.Equal(t, int32(2), next.calls.Load())
}
