package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Store with a Redis read-through cache keyed by alias, so the
// admission path doesn't hit Postgres on every lookup. The dispatcher's
// per-model limit refresh reads the Store directly.
type Cache struct {
	store  *Store
	rdb    *redis.Client
	logger *slog.Logger
}

// NewCache wraps store with a Redis-backed cache.
func NewCache(store *Store, rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{store: store, rdb: rdb, logger: logger}
}

func cacheKey(alias string) string {
	return "batchctl:catalog:alias:" + alias
}

// GetByAlias returns the deployment for alias, preferring the cache. A cache
// read or write failure is logged and falls back to the store directly —
// the catalog cache is an optimization, not a source of truth.
func (c *Cache) GetByAlias(ctx context.Context, alias string) (Deployment, error) {
	key := cacheKey(alias)

	if raw, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var d Deployment
		if jsonErr := json.Unmarshal(raw, &d); jsonErr == nil {
			return d, nil
		}
		c.logger.Warn("catalog cache: decoding cached deployment", "alias", alias)
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("catalog cache: reading cache", "alias", alias, "error", err)
	}

	d, err := c.store.GetByAlias(ctx, alias)
	if err != nil {
		return Deployment{}, err
	}

	if raw, err := json.Marshal(d); err == nil {
		if err := c.rdb.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
			c.logger.Warn("catalog cache: writing cache", "alias", alias, "error", err)
		}
	}

	return d, nil
}

// Invalidate drops the cached entry for alias, e.g. after the catalog
// service reports a deployment update out of band.
func (c *Cache) Invalidate(ctx context.Context, alias string) error {
	if err := c.rdb.Del(ctx, cacheKey(alias)).Err(); err != nil {
		return fmt.Errorf("invalidating catalog cache for %q: %w", alias, err)
	}
	return nil
}
