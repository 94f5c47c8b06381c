package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEvictor struct {
	mu      sync.Mutex
	evicted []string
}

func (r *recordingEvictor) OnEvict(key string, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicted = append(r.evicted, key)
}

type panickingEvictor struct{}

func (panickingEvictor) OnEvict(string, int) {
	panic("close failed")
}

func TestNewRejectsInvalidCapacity(t *testing.T) {
	_, err := New[string, int](0)
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	c, err := New[string, int](1)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Capacity())
}

func TestGetRefreshesRecency(t *testing.T) {
	evictor := &recordingEvictor{}
	c, err := New(2, WithEvictor[string, int](evictor))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)
	c.Set("c", 3)

	assert.True(t, c.Has("a"))
	assert.False(t, c.Has("b"))
	assert.True(t, c.Has("c"))
	assert.Equal(t, []string{"b"}, evictor.evicted)
}

func TestSetUpdatesExisting(t *testing.T) {
	evictor := &recordingEvictor{}
	c, err := New(2, WithEvictor[string, int](evictor))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 10)
	c.Set("c", 3)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.False(t, c.Has("b"))
	assert.Equal(t, 2, c.Len())
}

func TestSizeNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 50} {
		t.Run(fmt.Sprintf("capacity_%d", capacity), func(t *testing.T) {
			evictor := &recordingEvictor{}
			c, err := New(capacity, WithEvictor[string, int](evictor))
			require.NoError(t, err)

			for i := range capacity * 3 {
				c.Set(fmt.Sprintf("k%d", i), i)
				assert.LessOrEqual(t, c.Len(), capacity)
			}
			assert.Len(t, evictor.evicted, capacity*2)

			// the most recent `capacity` keys survive
			for i := capacity * 2; i < capacity*3; i++ {
				assert.True(t, c.Has(fmt.Sprintf("k%d", i)))
			}
		})
	}
}

func TestDeleteAndClear(t *testing.T) {
	evictor := &recordingEvictor{}
	c, err := New(3, WithEvictor[string, int](evictor))
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Has("b"))
	assert.Empty(t, evictor.evicted)
}

func TestPeekDoesNotRefresh(t *testing.T) {
	c, err := New[string, int](2)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	v, ok := c.Peek("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	c.Set("c", 3)

	assert.False(t, c.Has("a"))
}

func TestEvictorPanicIsContained(t *testing.T) {
	c, err := New(1, WithEvictor[string, int](panickingEvictor{}), WithName[string, int]("sessions"))
	require.NoError(t, err)

	c.Set("a", 1)
	assert.NotPanics(t, func() { c.Set("b", 2) })
	assert.True(t, c.Has("b"))
	assert.Equal(t, 1, c.Len())
}

type reentrantEvictor struct {
	cache *BoundedCache[string, int]
}

func (r *reentrantEvictor) OnEvict(key string, _ int) {
	// touching the cache from the callback must not deadlock
	r.cache.Has(key)
}

func TestEvictorMayReenterCache(t *testing.T) {
	evictor := &reentrantEvictor{}
	c, err := New(1, WithEvictor[string, int](evictor))
	require.NoError(t, err)
	evictor.cache = c

	c.Set("a", 1)
	c.Set("b", 2)
	assert.True(t, c.Has("b"))
}

func TestAllIteratesMostRecentFirst(t *testing.T) {
	c, err := New[string, int](3)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Get("a")

	var keys []string
	for k := range c.All() {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"a", "c", "b"}, keys)

	// deleting during iteration is allowed
	for k := range c.All() {
		c.Delete(k)
	}
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c, err := New[int, int](16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 500 {
				c.Set(g*1000+i, i)
				c.Get(g*1000 + i - 1)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
}
