package items

import (
	"context"
	"strconv"

	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/platform/cache"
)

// CachedCatalog fronts single-item lookups with a versioned Redis cache.
type CachedCatalog struct {
	next  ledger.ItemCatalog
	cache *cache.Versioned
}

// NewCachedCatalog wraps next.
func NewCachedCatalog(next ledger.ItemCatalog, c *cache.Versioned) *CachedCatalog {
	return &CachedCatalog{next: next, cache: c}
}

// Item implements ledger.ItemCatalog. Misses are not cached.
func (c *CachedCatalog) Item(ctx context.Context, id int64) (ledger.Item, error) {
	key, err := c.cache.BuildKey(ctx, "item", strconv.FormatInt(id, 10))
	if err != nil {
		return c.next.Item(ctx, id)
	}
	var item ledger.Item
	err = c.cache.FetchJSON(ctx, key, &item, func(ctx context.Context) (any, error) {
		return c.next.Item(ctx, id)
	})
	return item, err
}

// Items implements ledger.ItemCatalog. Lists go straight to the underlying catalog so
// newly created items show up in reports and snapshot runs without a Refresh.
func (c *CachedCatalog) Items(ctx context.Context, filter ledger.ItemFilter) ([]ledger.Item, error) {
	return c.next.Items(ctx, filter)
}

// Refresh drops every cached item, e.g. after an item's category or unit weight changed.
func (c *CachedCatalog) Refresh(ctx context.Context) error {
	_, err := c.cache.Bump(ctx)
	return err
}
