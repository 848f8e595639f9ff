// Package cache decorates the entity store with a Redis read-through cache
// on the current-version path. Every transition invalidates the key, so a
// hit can never serve a closed version. Inside a transaction the cache
// steps aside entirely: transitional reads take row locks and must hit the
// database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"chronicle/internal/platform/metrics"
	"chronicle/internal/platform/redis"
	"chronicle/internal/registry"
	"chronicle/internal/registry/store"
	txcontext "chronicle/pkg/platform/tx"
)

const defaultTTL = 5 * time.Minute

// EntityCache wraps an EntityStore with a per-uid cache of the current
// version. All write and history methods pass through.
type EntityCache struct {
	inner   store.EntityStore
	client  *redis.Client
	ttl     time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*EntityCache)

func WithTTL(ttl time.Duration) Option {
	return func(c *EntityCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *EntityCache) { c.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *EntityCache) { c.metrics = m }
}

func NewEntityCache(inner store.EntityStore, client *redis.Client, opts ...Option) *EntityCache {
	c := &EntityCache{
		inner:  inner,
		client: client,
		ttl:    defaultTTL,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func cacheKey(uid uuid.UUID) string {
	return fmt.Sprintf("chronicle:entity:current:%s", uid)
}

// FindCurrent serves from the cache when possible. Cache failures degrade
// to the inner store; the cache is never load-bearing.
func (c *EntityCache) FindCurrent(ctx context.Context, uid uuid.UUID) (registry.Entity, error) {
	if txcontext.InTx(ctx) {
		return c.inner.FindCurrent(ctx, uid)
	}

	key := cacheKey(uid)
	if payload, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var entity registry.Entity
		if err := json.Unmarshal(payload, &entity); err == nil {
			c.countHit()
			return entity, nil
		}
		// Unreadable payload, drop it and fall through.
		c.client.Del(ctx, key)
	}
	c.countMiss()

	entity, err := c.inner.FindCurrent(ctx, uid)
	if err != nil {
		return registry.Entity{}, err
	}
	if payload, err := json.Marshal(entity); err == nil {
		if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("entity cache write failed", "entity_uid", uid, "error", err)
		}
	}
	return entity, nil
}

func (c *EntityCache) FindAsOf(ctx context.Context, uid uuid.UUID, at time.Time) (registry.Entity, error) {
	return c.inner.FindAsOf(ctx, uid, at)
}

func (c *EntityCache) History(ctx context.Context, uid uuid.UUID) ([]registry.Entity, error) {
	return c.inner.History(ctx, uid)
}

func (c *EntityCache) Close(ctx context.Context, uid uuid.UUID, at time.Time) error {
	if err := c.inner.Close(ctx, uid, at); err != nil {
		return err
	}
	c.invalidateAfterCommit(ctx, uid)
	return nil
}

func (c *EntityCache) Insert(ctx context.Context, entity registry.Entity) error {
	if err := c.inner.Insert(ctx, entity); err != nil {
		return err
	}
	c.invalidateAfterCommit(ctx, entity.EntityUID)
	return nil
}

func (c *EntityCache) ListCurrent(ctx context.Context, filter store.ListFilter) ([]registry.Entity, int, error) {
	return c.inner.ListCurrent(ctx, filter)
}

func (c *EntityCache) AllAsOf(ctx context.Context, at time.Time) ([]registry.Entity, error) {
	return c.inner.AllAsOf(ctx, at)
}

// invalidateAfterCommit deletes the cached current version once the
// surrounding transaction has committed. Deleting earlier would let a
// concurrent read re-cache the still-committed old row while the
// transition is in flight.
func (c *EntityCache) invalidateAfterCommit(ctx context.Context, uid uuid.UUID) {
	invCtx := context.WithoutCancel(ctx)
	txcontext.OnCommit(ctx, func() {
		if err := c.client.Del(invCtx, cacheKey(uid)).Err(); err != nil {
			c.logger.Warn("entity cache invalidation failed", "entity_uid", uid, "error", err)
		}
	})
}

func (c *EntityCache) countHit() {
	if c.metrics != nil {
		c.metrics.CacheHits.Inc()
	}
}

func (c *EntityCache) countMiss() {
	if c.metrics != nil {
		c.metrics.CacheMisses.Inc()
	}
}
