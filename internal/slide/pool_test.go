package slide

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// countingOpener fakes the decoder: it hands out bare handles and
// counts opens per path.
type countingOpener struct {
	mu    sync.Mutex
	opens map[string]int
	fail  map[string]int // remaining failures per path
	gate  chan struct{}  // when set, opens block until closed
}

func newCountingOpener() *countingOpener {
	return &countingOpener{opens: map[string]int{}, fail: map[string]int{}}
}

func (o *countingOpener) open(path string) (*Handle, error) {
	if o.gate != nil {
		<-o.gate
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[path]++
	if o.fail[path] > 0 {
		o.fail[path]--
		return nil, fmt.Errorf("%w: %s: corrupt header", ErrUnreadable, path)
	}
	return &Handle{path: path}, nil
}

func (o *countingOpener) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[path]
}

func newTestPool(o *countingOpener, max int) *Pool {
	return NewPool(o.open, max, time.Minute, zap.NewNop())
}

func TestPoolSharesOneHandlePerSlide(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 4)
	defer pool.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx, "a", "/slides/a.svs")
			if assert.NoError(t, err) {
				assert.Equal(t, "/slides/a.svs", lease.Handle().Path())
				lease.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, opener.count("/slides/a.svs"), "concurrent acquires share one open")
	assert.Equal(t, 1, pool.OpenCount())
}

func TestPoolQueuesConcurrentOpens(t *testing.T) {
	opener := newCountingOpener()
	opener.gate = make(chan struct{})
	pool := newTestPool(opener, 4)
	defer pool.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	var acquired atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(ctx, "a", "/slides/a.svs")
			if assert.NoError(t, err) {
				acquired.Add(1)
				lease.Release()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), acquired.Load(), "everyone waits on the in-flight open")
	close(opener.gate)
	wg.Wait()

	assert.Equal(t, 1, opener.count("/slides/a.svs"))
}

func TestPoolEvictsLRUIdleAtCapacity(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 1)
	defer pool.Close()
	ctx := context.Background()

	leaseA, err := pool.Acquire(ctx, "a", "/slides/a.svs")
	require.NoError(t, err)
	leaseA.Release()

	// B forces A's idle handle out.
	leaseB, err := pool.Acquire(ctx, "b", "/slides/b.svs")
	require.NoError(t, err)
	leaseB.Release()
	assert.Equal(t, 1, pool.OpenCount())

	// A comes back without error, through a fresh open.
	leaseA, err = pool.Acquire(ctx, "a", "/slides/a.svs")
	require.NoError(t, err)
	leaseA.Release()

	assert.Equal(t, 2, opener.count("/slides/a.svs"))
	assert.Equal(t, 1, opener.count("/slides/b.svs"))
	assert.Equal(t, 1, pool.OpenCount())
}

func TestPoolNeverEvictsHandleInUse(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 1)
	defer pool.Close()

	leaseA, err := pool.Acquire(context.Background(), "a", "/slides/a.svs")
	require.NoError(t, err)

	// A is held, so B must wait until its context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, "b", "/slides/b.svs")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, opener.count("/slides/b.svs"))

	// Releasing A frees the slot.
	leaseA.Release()
	leaseB, err := pool.Acquire(context.Background(), "b", "/slides/b.svs")
	require.NoError(t, err)
	leaseB.Release()
}

func TestPoolReleaseUnblocksWaiter(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 1)
	defer pool.Close()

	leaseA, err := pool.Acquire(context.Background(), "a", "/slides/a.svs")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		lease, err := pool.Acquire(context.Background(), "b", "/slides/b.svs")
		if err == nil {
			lease.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	leaseA.Release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was never woken after release")
	}
}

func TestPoolOpenFailureIsNotMemoized(t *testing.T) {
	opener := newCountingOpener()
	opener.fail["/slides/a.svs"] = 1
	pool := newTestPool(opener, 4)
	defer pool.Close()
	ctx := context.Background()

	_, err := pool.Acquire(ctx, "a", "/slides/a.svs")
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Equal(t, 0, pool.OpenCount(), "failed slot is removed")

	// A transient failure must not stick: the next acquire re-attempts.
	lease, err := pool.Acquire(ctx, "a", "/slides/a.svs")
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 2, opener.count("/slides/a.svs"))
}

func TestPoolDoubleReleaseIsSafe(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 2)
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), "a", "/slides/a.svs")
	require.NoError(t, err)
	lease.Release()
	lease.Release()

	// The refcount did not go negative: the handle is still evictable
	// exactly once and the pool stays consistent.
	leaseB, err := pool.Acquire(context.Background(), "b", "/slides/b.svs")
	require.NoError(t, err)
	leaseB.Release()
	assert.Equal(t, 2, pool.OpenCount())
}

func TestPoolClosedRejectsAcquire(t *testing.T) {
	opener := newCountingOpener()
	pool := newTestPool(opener, 2)
	pool.Close()

	_, err := pool.Acquire(context.Background(), "a", "/slides/a.svs")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolReapsIdleHandles(t *testing.T) {
	opener := newCountingOpener()
	pool := NewPool(opener.open, 4, 10*time.Millisecond, zap.NewNop())
	defer pool.Close()

	lease, err := pool.Acquire(context.Background(), "a", "/slides/a.svs")
	require.NoError(t, err)
	lease.Release()

	assert.Eventually(t, func() bool {
		return pool.OpenCount() == 0
	}, 5*time.Second, 50*time.Millisecond, "idle handle should be reaped")
}

func TestErrUnreadableWrapping(t *testing.T) {
	err := fmt.Errorf("%w: no such file", ErrUnreadable)
	assert.True(t, errors.Is(err, ErrUnreadable))
}
