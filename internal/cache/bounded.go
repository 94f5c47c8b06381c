// Package cache provides a fixed-capacity least-recently-used cache.
package cache

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	list "github.com/bahlo/generic-list-go"

	"github.com/dgellow/quire-mcp/internal/log"
)

// ErrInvalidCapacity is returned when a cache is built with capacity below one
var ErrInvalidCapacity = errors.New("cache capacity must be at least 1")

// Evictor is notified when an entry is pushed out to make room for a newer one.
// Explicit Delete and Clear do not notify.
type Evictor[K comparable, V any] interface {
	OnEvict(key K, value V)
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// BoundedCache is a thread-safe LRU cache. Get, Set, Delete and Has are O(1).
type BoundedCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List[entry[K, V]] // front is most recently used
	items    map[K]*list.Element[entry[K, V]]
	evictor  Evictor[K, V]
	name     string
}

// Option configures a BoundedCache
type Option[K comparable, V any] func(*BoundedCache[K, V])

// WithEvictor registers the component notified on LRU eviction
func WithEvictor[K comparable, V any](e Evictor[K, V]) Option[K, V] {
	return func(c *BoundedCache[K, V]) {
		c.evictor = e
	}
}

// WithName tags the cache in log lines
func WithName[K comparable, V any](name string) Option[K, V] {
	return func(c *BoundedCache[K, V]) {
		c.name = name
	}
}

// New creates a cache holding at most capacity entries
func New[K comparable, V any](capacity int, opts ...Option[K, V]) (*BoundedCache[K, V], error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidCapacity, capacity)
	}
	c := &BoundedCache[K, V]{
		capacity: capacity,
		order:    list.New[entry[K, V]](),
		items:    make(map[K]*list.Element[entry[K, V]], capacity),
		name:     "cache",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the value for key and marks it most recently used
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.value, true
}

// Peek returns the value for key without changing its recency
func (c *BoundedCache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.value, true
}

// Set inserts or updates key and marks it most recently used. When the insert
// pushes the cache past capacity the least recently used entry is removed and
// handed to the evictor once the cache lock is released.
func (c *BoundedCache[K, V]) Set(key K, value V) {
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		el.Value.value = value
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return
	}

	c.items[key] = c.order.PushFront(entry[K, V]{key: key, value: value})

	var evicted *entry[K, V]
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		e := c.order.Remove(oldest)
		delete(c.items, e.key)
		evicted = &e
	}
	c.mu.Unlock()

	if evicted != nil {
		c.notifyEvict(evicted.key, evicted.value)
	}
}

func (c *BoundedCache[K, V]) notifyEvict(key K, value V) {
	if c.evictor == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.LogErrorWithFields("cache", "Eviction callback panicked", map[string]any{
				"cache": c.name,
				"key":   fmt.Sprint(key),
				"panic": fmt.Sprint(r),
			})
		}
	}()
	c.evictor.OnEvict(key, value)
}

// Delete removes key and reports whether it was present
func (c *BoundedCache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false
	}
	c.order.Remove(el)
	delete(c.items, key)
	return true
}

// Has reports whether key is present without changing its recency
func (c *BoundedCache[K, V]) Has(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

// Clear drops every entry
func (c *BoundedCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
}

// Len returns the number of entries
func (c *BoundedCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Capacity returns the configured maximum size
func (c *BoundedCache[K, V]) Capacity() int {
	return c.capacity
}

// All yields a snapshot of the entries from most to least recently used.
// The callback may mutate the cache.
func (c *BoundedCache[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		c.mu.Lock()
		snapshot := make([]entry[K, V], 0, c.order.Len())
		for el := c.order.Front(); el != nil; el = el.Next() {
			snapshot = append(snapshot, el.Value)
		}
		c.mu.Unlock()

		for _, e := range snapshot {
			if !yield(e.key, e.value) {
				return
			}
		}
	}
}
