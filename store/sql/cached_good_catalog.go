package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-redemptions/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const goodCacheKeyPrefix = "go-redemptions::goods::v1"

// GoodWriter is a catalog that can also persist goods.
type GoodWriter = core.GoodAdministrator

// CachedGoodCatalog reads goods through a cache and invalidates on write.
type CachedGoodCatalog struct {
	base  GoodWriter
	cache repositorycache.CacheService
}

func NewCachedGoodCatalog(base GoodWriter, cacheService repositorycache.CacheService) (*CachedGoodCatalog, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base good catalog is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: good cache service is required")
	}
	return &CachedGoodCatalog{base: base, cache: cacheService}, nil
}

// GoodCacheKey returns go-redemptions::goods::v1::<ref> with the ref
// URL-path escaped.
func GoodCacheKey(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("sqlstore: good ref is required")
	}
	return goodCacheKeyPrefix + "::" + url.PathEscape(ref), nil
}

func (c *CachedGoodCatalog) GetGood(ctx context.Context, ref string) (core.Good, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return core.Good{}, fmt.Errorf("sqlstore: cached good catalog is not configured")
	}
	key, err := GoodCacheKey(ref)
	if err != nil {
		return core.Good{}, err
	}
	good, err := repositorycache.GetOrFetch(ctx, c.cache, key, func(ctx context.Context) (core.Good, error) {
		return c.base.GetGood(ctx, ref)
	})
	if err != nil {
		return core.Good{}, err
	}
	good.Metadata = copyAnyMap(good.Metadata)
	return good, nil
}

func (c *CachedGoodCatalog) PutGood(ctx context.Context, good core.Good) (core.Good, error) {
	if c == nil || c.base == nil || c.cache == nil {
		return core.Good{}, fmt.Errorf("sqlstore: cached good catalog is not configured")
	}
	key, err := GoodCacheKey(good.Ref)
	if err != nil {
		return core.Good{}, err
	}
	stored, err := c.base.PutGood(ctx, good)
	if err != nil {
		return core.Good{}, err
	}
	if err := c.cache.Delete(ctx, key); err != nil {
		return core.Good{}, err
	}
	return stored, nil
}

// ListGoods reads through to the base store; only single-good reads are
// cached.
func (c *CachedGoodCatalog) ListGoods(ctx context.Context) ([]core.Good, error) {
	if c == nil || c.base == nil {
		return nil, fmt.Errorf("sqlstore: cached good catalog is not configured")
	}
	return c.base.ListGoods(ctx)
}

func (c *CachedGoodCatalog) DeleteGood(ctx context.Context, ref string) error {
	if c == nil || c.base == nil || c.cache == nil {
		return fmt.Errorf("sqlstore: cached good catalog is not configured")
	}
	key, err := GoodCacheKey(ref)
	if err != nil {
		return err
	}
	if err := c.base.DeleteGood(ctx, ref); err != nil {
		return err
	}
	return c.cache.Delete(ctx, key)
}
