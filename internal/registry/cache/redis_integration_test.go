//go:build integration

package cache_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"chronicle/internal/registry"
	"chronicle/internal/registry/cache"
	"chronicle/internal/registry/store"
	"chronicle/pkg/platform/tx"
	"chronicle/pkg/testutil/containers"
)

// countingStore wraps the memory store so tests can tell whether a read
// was served from Redis or fell through.
type countingStore struct {
	store.EntityStore
	finds atomic.Int64
}

func (c *countingStore) FindCurrent(ctx context.Context, uid uuid.UUID) (registry.Entity, error) {
	c.finds.Add(1)
	return c.EntityStore.FindCurrent(ctx, uid)
}

type RedisCacheSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	inner  *countingStore
	cached *cache.EntityCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.inner = &countingStore{EntityStore: store.NewEntityMemory()}
	s.cached = cache.NewEntityCache(s.inner, s.redis.Client)
}

func (s *RedisCacheSuite) version(uid uuid.UUID, name string, from time.Time) registry.Entity {
	return registry.Entity{
		EntityUID:   uid,
		DisplayName: name,
		TypeCode:    "PERSON",
		Hash:        registry.EntityHash(name, "PERSON"),
		ValidFrom:   from,
		IsCurrent:   true,
	}
}

func (s *RedisCacheSuite) TestReadThrough() {
	ctx := context.Background()
	uid := uuid.New()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.cached.Insert(ctx, s.version(uid, "Ada", from)))

	first, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	s.Equal("Ada", first.DisplayName)
	s.EqualValues(1, s.inner.finds.Load(), "miss falls through")

	second, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	s.Equal(first, second)
	s.EqualValues(1, s.inner.finds.Load(), "hit served from redis")
}

func (s *RedisCacheSuite) TestTransitionInvalidates() {
	ctx := context.Background()
	uid := uuid.New()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.cached.Insert(ctx, s.version(uid, "Ada", from)))

	_, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)

	next := from.Add(24 * time.Hour)
	s.Require().NoError(s.cached.Close(ctx, uid, next))
	s.Require().NoError(s.cached.Insert(ctx, s.version(uid, "Ada King", next)))

	got, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	s.Equal("Ada King", got.DisplayName, "stale version never served after close")
}

func (s *RedisCacheSuite) TestInvalidationWaitsForCommit() {
	ctx := context.Background()
	uid := uuid.New()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	key := "chronicle:entity:current:" + uid.String()

	s.Require().NoError(s.cached.Insert(ctx, s.version(uid, "Ada", from)))
	_, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	s.Require().NoError(s.redis.Client.Get(ctx, key).Err(), "cache warmed")

	runner := tx.NewMemoryRunner()
	next := from.Add(24 * time.Hour)
	err = runner.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.cached.Close(ctx, uid, next); err != nil {
			return err
		}
		if err := s.cached.Insert(ctx, s.version(uid, "Ada King", next)); err != nil {
			return err
		}
		// Mid-transaction the cached row is still the committed truth; a
		// concurrent reader may serve and re-cache it. Deletion happens
		// only after the section commits.
		s.Require().NoError(s.redis.Client.Get(ctx, key).Err(), "key survives until commit")
		return nil
	})
	s.Require().NoError(err)

	s.Require().Error(s.redis.Client.Get(ctx, key).Err(), "commit invalidates")
	got, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	s.Equal("Ada King", got.DisplayName)
}

func (s *RedisCacheSuite) TestTransactionBypass() {
	ctx := context.Background()
	uid := uuid.New()
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.cached.Insert(ctx, s.version(uid, "Ada", from)))

	// Warm the cache, then read inside a transaction section. The cached
	// copy must be ignored there.
	_, err := s.cached.FindCurrent(ctx, uid)
	s.Require().NoError(err)
	before := s.inner.finds.Load()

	runner := tx.NewMemoryRunner()
	err = runner.RunInTx(ctx, func(ctx context.Context) error {
		_, err := s.cached.FindCurrent(ctx, uid)
		return err
	})
	s.Require().NoError(err)
	s.EqualValues(before+1, s.inner.finds.Load(), "transactional read hits the store")
}
