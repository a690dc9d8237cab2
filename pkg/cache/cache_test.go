package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_Expiry(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	c.SetWithTTL("b", 2, time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Size())

	c.Invalidate("")
	assert.Equal(t, 1, c.Size())
}

func TestCache_InvalidatePrefix(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Stop()

	c.Set("rooms:all", "x")
	c.Set("rooms:r1", "y")
	c.Set("other", "z")

	c.Invalidate("rooms:")
	assert.Equal(t, 1, c.Size())
	_, ok := c.Get("other")
	assert.True(t, ok)
}

func TestCache_GetOrSet(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	load := func(context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrSet(ctx, "k", load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, 42, v)
	}

	v, err := c.GetOrSet(ctx, "k", func(context.Context) (int, error) { return 0, errors.New("not called") })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCache_GetOrSetDoesNotCacheErrors(t *testing.T) {
	c := New[int](time.Minute)
	defer c.Stop()
	ctx := context.Background()

	_, err := c.GetOrSet(ctx, "k", func(context.Context) (int, error) { return 0, errors.New("down") })
	assert.Error(t, err)

	v, err := c.GetOrSet(ctx, "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
