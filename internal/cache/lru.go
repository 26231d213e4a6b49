// Package cache provides caching and velocity store implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// LRUCache is a thread-safe LRU cache with TTL support and in-process
// sliding-window velocity counters.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu         sync.RWMutex
	maxSize    int
	items      map[string]*list.Element
	order      *list.List
	velocities map[string]*velocityWindow
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// velocityWindow holds timestamped observations for one key. Expired
// observations roll off on every Add.
type velocityWindow struct {
	observations []velocityObs
}

type velocityObs struct {
	at     time.Time
	amount float64
}

// NewLRUCache creates a new LRU cache with the specified max size.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:    maxSize,
		items:      make(map[string]*list.Element),
		order:      list.New(),
		velocities: make(map[string]*velocityWindow),
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[fullKey]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	// Move to front (most recently used)
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Update existing entry
	if elem, ok := c.items[fullKey]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = time.Now().Add(ttl)
		return nil
	}

	// Add new entry
	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	elem := c.order.PushFront(entry)
	c.items[fullKey] = elem

	// Evict if over capacity
	for c.order.Len() > c.maxSize {
		c.removeOldest()
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	return nil
}

// AddVelocity records an observation and returns the windowed count and
// amount sum after the increment. Observations older than the window
// roll off before the totals are computed.
func (c *LRUCache) AddVelocity(ctx context.Context, tenantID string, key string, amount float64, window time.Duration) (int64, float64, error) {
	if tenantID == "" {
		return 0, 0, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, "velocity:"+key)
	now := time.Now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.velocities[fullKey]
	if !ok {
		w = &velocityWindow{}
		c.velocities[fullKey] = w
	}

	// Roll off expired observations in place.
	kept := w.observations[:0]
	for _, obs := range w.observations {
		if obs.at.After(cutoff) {
			kept = append(kept, obs)
		}
	}
	w.observations = append(kept, velocityObs{at: now, amount: amount})

	var sum float64
	for _, obs := range w.observations {
		sum += obs.amount
	}
	return int64(len(w.observations)), sum, nil
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close cleans up the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.velocities = make(map[string]*velocityWindow)
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

func (c *LRUCache) makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
}

func (c *LRUCache) removeOldest() {
	elem := c.order.Back()
	if elem != nil {
		c.removeElement(elem)
	}
}
