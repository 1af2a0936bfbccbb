package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

func (i memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && !now.Before(i.expiresAt)
}

// MemoryCache is an in-process Store used when Redis is not configured.
// Values are stored as JSON so callers see the same copy semantics as Redis.
type MemoryCache struct {
	mu       sync.Mutex
	items    map[string]memoryItem
	registry map[string]Entry
	now      func() time.Time
}

// NewMemoryCache creates an empty in-process cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items:    make(map[string]memoryItem),
		registry: make(map[string]Entry),
		now:      time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	item, ok := c.items[key]
	if ok && item.expired(c.now()) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return ErrMiss
	}
	if err := json.Unmarshal(item.value, dest); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	item := memoryItem{value: raw}
	if ttl > 0 {
		item.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = item
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.items, key)
		delete(c.registry, key)
	}
	return nil
}

func (c *MemoryCache) Register(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	c.registry[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, m Match) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.registry {
		if !m.Matches(entry) {
			continue
		}
		delete(c.items, key)
		delete(c.registry, key)
		removed++
	}
	return removed, nil
}

func (c *MemoryCache) Prune(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	pruned := 0
	for key := range c.registry {
		item, ok := c.items[key]
		if ok && !item.expired(now) {
			continue
		}
		delete(c.items, key)
		delete(c.registry, key)
		pruned++
	}
	return pruned, nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }
