package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCache(store Store) *Cache {
	return New(store, TTLs{Tree: time.Minute, Thumb: time.Minute, Tile: time.Minute}, zap.NewNop())
}

func TestKeyStability(t *testing.T) {
	assert.Equal(t, "tile|abc|14/3/2", TileKey("abc", 14, 3, 2).String())
	assert.Equal(t, "thumb|abc", ThumbKey("abc").String())
	assert.Equal(t, "tree|/data/slides", TreeKey("/data/slides").String())

	// Identical inputs, identical keys.
	assert.Equal(t, TileKey("abc", 1, 2, 3).String(), TileKey("abc", 1, 2, 3).String())

	// Classes never collide for the same id.
	assert.NotEqual(t, ThumbKey("abc").String(), TileKey("abc", 0, 0, 0).String())
	assert.NotEqual(t, ThumbKey("abc").String(), TreeKey("abc").String())
}

func TestKeyShortening(t *testing.T) {
	long := strings.Repeat("d", 200)

	k := TileKey(long, 1, 2, 3).String()
	assert.True(t, strings.HasPrefix(k, "tile|"))
	assert.Len(t, k, len("tile|")+40) // sha1 hex

	// Still deterministic and coordinate-sensitive.
	assert.Equal(t, k, TileKey(long, 1, 2, 3).String())
	assert.NotEqual(t, k, TileKey(long, 1, 2, 4).String())
}

func TestGetOrComputeStoresResult(t *testing.T) {
	c := testCache(NewMemoryStore(16))
	var calls atomic.Int32

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("tile-bytes"), nil
	}

	key := TileKey("slide", 3, 1, 1)
	for i := 0; i < 3; i++ {
		data, err := c.GetOrCompute(context.Background(), key, compute)
		require.NoError(t, err)
		assert.Equal(t, []byte("tile-bytes"), data)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestSingleflightCollapsesConcurrentMisses(t *testing.T) {
	c := testCache(NewMemoryStore(16))
	var calls atomic.Int32
	release := make(chan struct{})

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("expensive"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	errs := make([]error, n)
	key := ThumbKey("slide")

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), key, compute)
		}(i)
	}

	// Let every goroutine reach the singleflight group before the
	// leader finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one compute for N concurrent misses")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("expensive"), results[i])
	}
}

// brokenStore simulates an unreachable backend.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: connection refused", ErrUnavailable)
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return fmt.Errorf("%w: connection refused", ErrUnavailable)
}

func (brokenStore) Close() error { return nil }

func TestFallbackWhenBackendUnavailable(t *testing.T) {
	c := testCache(brokenStore{})
	var calls atomic.Int32

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("computed"), nil
	}

	key := TileKey("slide", 1, 0, 0)
	for i := 0; i < 3; i++ {
		data, err := c.GetOrCompute(context.Background(), key, compute)
		require.NoError(t, err, "backend failure must never fail the request")
		assert.Equal(t, []byte("computed"), data)
	}
	assert.Equal(t, int32(3), calls.Load(), "no caching while degraded")
}

func TestComputeFailureIsNotCached(t *testing.T) {
	c := testCache(NewMemoryStore(16))
	var calls atomic.Int32
	boom := errors.New("decode failed")

	compute := func(context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return []byte("ok"), nil
	}

	key := TileKey("slide", 2, 0, 0)
	_, err := c.GetOrCompute(context.Background(), key, compute)
	assert.ErrorIs(t, err, boom)

	data, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCanceledWaiterDoesNotAbortLeader(t *testing.T) {
	store := NewMemoryStore(16)
	c := testCache(store)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		close(started)
		<-release
		return []byte("slow"), nil
	}

	key := ThumbKey("slide")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, key, compute)
		done <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled, "the canceled caller's wait is abandoned")

	// The leader runs to completion and its result lands in the store.
	close(release)
	assert.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), key.String())
		return err == nil
	}, time.Second, 10*time.Millisecond)

	data, err := c.GetOrCompute(context.Background(), key, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("slow"), data)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryStoreTTL(t *testing.T) {
	store := NewMemoryStore(16)
	now := time.Now()
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(context.Background(), "k", []byte("v"), time.Minute))

	data, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), data)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryStoreLRU(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), time.Minute))

	// Touch "a" so "b" is the eviction candidate.
	_, err := store.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "c", []byte("3"), time.Minute))

	_, err = store.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = store.Get(ctx, "a")
	assert.NoError(t, err)
	_, err = store.Get(ctx, "c")
	assert.NoError(t, err)
}

func TestNoopStoreAlwaysMisses(t *testing.T) {
	store := NewNoopStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}
