package lock

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodefluent/zamza/internal/metrics"
	"github.com/nodefluent/zamza/internal/store"
	"github.com/nodefluent/zamza/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newLocker(holder string, locks store.LockStore, m *metrics.Metrics, c *clock) *Locker {
	l := New(holder, locks, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.now = c.Now
	return l
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	mem := memory.New()
	m := metrics.New()
	c := &clock{now: time.UnixMilli(1_000_000)}
	ctx := context.Background()

	var wins atomic.Int32
	var winner atomic.Value
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			holder := fmt.Sprintf("instance-%d", i)
			ok, err := newLocker(holder, mem.Locks(), m, c).Acquire(ctx, "metadata:orders", time.Minute)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				winner.Store(holder)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Counter("mongo_lock_hit")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Counter("mongo_lock_miss")))

	// after the lease expires another holder wins
	c.Advance(time.Minute)
	other := "instance-late"
	require.NotEqual(t, other, winner.Load())
	ok, err := newLocker(other, mem.Locks(), m, c).Acquire(ctx, "metadata:orders", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHolderCannotReacquireUnexpired(t *testing.T) {
	mem := memory.New()
	c := &clock{now: time.UnixMilli(1_000_000)}
	l := newLocker("a", mem.Locks(), nil, c)

	ok, err := l.Acquire(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire(context.Background(), "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtend(t *testing.T) {
	mem := memory.New()
	m := metrics.New()
	c := &clock{now: time.UnixMilli(1_000_000)}
	a := newLocker("a", mem.Locks(), m, c)
	b := newLocker("b", mem.Locks(), m, c)
	ctx := context.Background()

	_, err := a.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	ok, err := b.Extend(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Extend(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// the extension keeps b out past the original expiry
	c.Advance(90 * time.Second)
	ok, err = b.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// once expired the lease cannot be extended any more
	c.Advance(time.Minute)
	ok, err = a.Extend(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Counter("mongo_lock_extend_hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Counter("mongo_lock_extend_miss")))
}

func TestRelease(t *testing.T) {
	mem := memory.New()
	c := &clock{now: time.UnixMilli(1_000_000)}
	a := newLocker("a", mem.Locks(), nil, c)
	b := newLocker("b", mem.Locks(), nil, c)
	ctx := context.Background()

	_, err := a.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)

	ok, err := b.Release(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Release(ctx, "job")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Release(ctx, "job")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Acquire(ctx, "job", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStoreErrorsWrapped(t *testing.T) {
	mem := memory.New()
	mem.SetConnected(false)
	l := newLocker("a", mem.Locks(), nil, &clock{now: time.UnixMilli(1)})

	_, err := l.Acquire(context.Background(), "job", time.Minute)
	assert.ErrorIs(t, err, store.ErrNotConnected)
}
