package cache

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TTLs holds the per-class entry lifetimes.
type TTLs struct {
	Tree  time.Duration
	Thumb time.Duration
	Tile  time.Duration
}

// ComputeFunc produces the bytes for a key on a cache miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is the class-aware front end over a Store. Concurrent misses on
// the same key are collapsed into one computation, and backend failures
// degrade to direct computation instead of failing the request.
type Cache struct {
	store Store
	ttls  TTLs
	group singleflight.Group
	log   *zap.Logger
}

func New(store Store, ttls TTLs, log *zap.Logger) *Cache {
	return &Cache{
		store: store,
		ttls:  ttls,
		log:   log,
	}
}

func (c *Cache) ttl(class Class) time.Duration {
	switch class {
	case ClassTree:
		return c.ttls.Tree
	case ClassThumb:
		return c.ttls.Thumb
	default:
		return c.ttls.Tile
	}
}

// GetOrCompute returns the cached bytes for key, computing and storing
// them on a miss. At most one compute runs per key at a time; concurrent
// callers share its result. If the caller's context is canceled while
// waiting, only the wait is abandoned; the leading computation runs to
// completion so its result still lands in the store for other waiters.
func (c *Cache) GetOrCompute(ctx context.Context, key Key, compute ComputeFunc) ([]byte, error) {
	k := key.String()

	ch := c.group.DoChan(k, func() (interface{}, error) {
		// The leader must not die with whichever caller happened to
		// start it.
		lctx := context.WithoutCancel(ctx)

		data, err := c.store.Get(lctx, k)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, ErrMiss):
			// fall through to compute and store
		default:
			c.log.Warn("cache get failed, computing without cache",
				zap.String("key", k), zap.Error(err))
			return compute(lctx)
		}

		data, err = compute(lctx)
		if err != nil {
			return nil, err
		}
		if serr := c.store.Set(lctx, k, data, c.ttl(key.Class)); serr != nil {
			c.log.Warn("cache set failed", zap.String("key", k), zap.Error(serr))
		}
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
