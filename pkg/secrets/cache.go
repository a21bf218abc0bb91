package secrets

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheItem[T any] struct {
	value      T
	expiration time.Time
}

// Cache is a thread-safe TTL cache. GetOrLoad coalesces concurrent misses for
// the same key into one load.
type Cache[T any] struct {
	mu    sync.RWMutex
	data  map[string]cacheItem[T]
	ttl   time.Duration
	now   func() time.Time
	loads singleflight.Group
}

// NewCache creates a cache whose entries live for defaultTTL.
func NewCache[T any](defaultTTL time.Duration) *Cache[T] {
	return &Cache[T]{
		data: make(map[string]cacheItem[T]),
		ttl:  defaultTTL,
		now:  time.Now,
	}
}

// Get returns a cached value if present and not expired.
func (c *Cache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.RLock()
	item, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.now().After(item.expiration) {
		c.mu.Lock()
		// re-check: a concurrent Put may have replaced it
		if cur, ok := c.data[key]; ok && c.now().After(cur.expiration) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return item.value, true
}

// Put stores value under key with the default TTL.
func (c *Cache[T]) Put(key string, value T) {
	c.PutFor(key, value, c.ttl)
}

// PutFor stores value under key for ttl.
func (c *Cache[T]) PutFor(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	c.data[key] = cacheItem[T]{value: value, expiration: c.now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for key, or calls load once for all
// concurrent callers and caches a successful result. Errors are not cached.
func (c *Cache[T]) GetOrLoad(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.loads.Do(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.Put(key, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Bust deletes a single entry, e.g. after the backend rejected a rotated secret.
func (c *Cache[T]) Bust(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Len returns the number of entries, expired ones included.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// StartCleaner removes expired entries every interval until stop is closed.
func (c *Cache[T]) StartCleaner(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-stop:
			return
		}
	}
}

func (c *Cache[T]) cleanupExpired() {
	now := c.now()
	c.mu.Lock()
	for k, v := range c.data {
		if now.After(v.expiration) {
			delete(c.data, k)
		}
	}
	c.mu.Unlock()
}
