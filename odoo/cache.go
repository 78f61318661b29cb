package odoo

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ibrohimislam/mcp-odoo/internal/recordcache"
)

// CachedClient wraps a Client with caching for the introspection calls
// (ListModels, ModelMetadata, ModelFields), which are expensive on large
// databases and change only on module installs. Record reads, counts and
// method calls always hit the wire. Faults are never cached, and cache
// backend failures degrade to wire calls rather than surfacing.
type CachedClient struct {
	inner Client
	store recordcache.Store
	ttl   time.Duration
	log   *slog.Logger
}

var _ Client = (*CachedClient)(nil)

// NewCachedClient wraps inner; cached entries expire after ttl.
func NewCachedClient(inner Client, store recordcache.Store, ttl time.Duration) *CachedClient {
	return &CachedClient{
		inner: inner,
		store: store,
		ttl:   ttl,
		log:   slog.Default(),
	}
}

// Invalidate drops every cached entry. Called on credential rotation so a
// new identity never reads the previous identity's view.
func (c *CachedClient) Invalidate(ctx context.Context) error {
	return c.store.Purge(ctx)
}

func (c *CachedClient) ListModels(ctx context.Context) (map[string]ModelSummary, error) {
	return cached(ctx, c, "models", c.inner.ListModels)
}

func (c *CachedClient) ModelMetadata(ctx context.Context, model string) (map[string]any, error) {
	return cached(ctx, c, "model:"+model+":metadata", func(ctx context.Context) (map[string]any, error) {
		return c.inner.ModelMetadata(ctx, model)
	})
}

func (c *CachedClient) ModelFields(ctx context.Context, model string) (map[string]map[string]any, error) {
	return cached(ctx, c, "model:"+model+":fields", func(ctx context.Context) (map[string]map[string]any, error) {
		return c.inner.ModelFields(ctx, model)
	})
}

func (c *CachedClient) ReadRecords(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	return c.inner.ReadRecords(ctx, model, ids, fields)
}

func (c *CachedClient) Count(ctx context.Context, model string, domain Domain) (int64, error) {
	return c.inner.Count(ctx, model, domain)
}

func (c *CachedClient) CallMethod(ctx context.Context, model, method string, domain Domain, options map[string]any) (any, error) {
	return c.inner.CallMethod(ctx, model, method, domain, options)
}

// cached returns the stored value for key or fetches, stores and returns a
// fresh one. Undecodable entries are dropped and refetched.
func cached[T any](ctx context.Context, c *CachedClient, key string, fetch func(context.Context) (T, error)) (T, error) {
	raw, ok, err := c.store.Get(ctx, key)
	switch {
	case err != nil:
		c.log.WarnContext(ctx, "odoo.cache.get_failed",
			slog.String("key", key),
			slog.String("err", err.Error()))
	case ok:
		var value T
		if err := json.Unmarshal(raw, &value); err == nil {
			return value, nil
		}
		c.store.Delete(ctx, key)
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if raw, err := json.Marshal(value); err == nil {
		if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
			c.log.WarnContext(ctx, "odoo.cache.set_failed",
				slog.String("key", key),
				slog.String("err", err.Error()))
		}
	}
	return value, nil
}
