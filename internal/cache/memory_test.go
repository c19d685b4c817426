package cache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/gpufleet/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	val, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), val)

	require.NoError(t, c.Delete(ctx, "k"))
	_, found, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryCache_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := cache.NewMemoryCache().WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "hb", []byte("1"), 10*time.Second))
	clock.Advance(9 * time.Second)
	_, found, _ := c.Get(ctx, "hb")
	assert.True(t, found)

	clock.Advance(time.Second)
	_, found, _ = c.Get(ctx, "hb")
	assert.False(t, found)
}

func TestMemoryCache_IncrWithExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := cache.NewMemoryCache().WithClock(clock.Now)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	clock.Advance(2 * time.Minute)
	n, err := c.IncrWithExpiry(ctx, "rl", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCache_ValuesAreCopied(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", buf, 0))
	buf[0] = 'z'

	val, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), val)
}
