package registry

import (
	"context"
	"sync"
	"time"
)

// Cache defines the interface for caching arbitrary keyed values with a
// TTL. It is shared by the Tool Registry (caching *ToolsetSchema) and the
// Context Hub (caching rendered context.Section values).
type Cache[T any] interface {
	// Get retrieves a cached value by key.
	// Returns the zero value, nil if the key is not found or expired.
	Get(ctx context.Context, key string) (T, error)
	// Set stores a value with the given TTL. ttl <= 0 means "no expiry
	// until explicitly Delete'd or Clear'd", used by the Context Hub's
	// static cache which is cleared at turn end rather than timed out.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Delete removes a cached entry.
	Delete(ctx context.Context, key string) error
}

// RefreshFunc is called when a cache entry needs to be refreshed.
// It receives the key and should return the refreshed value.
type RefreshFunc[T any] func(ctx context.Context, key string) (T, error)

// MemoryCache is an in-memory cache implementation with TTL support
// and optional background refresh.
type MemoryCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry[T]

	// Background refresh configuration
	refreshFunc     RefreshFunc[T]
	refreshCooldown time.Duration
	refreshCtx      context.Context
	refreshCancel   context.CancelFunc
	refreshWg       sync.WaitGroup
	refreshCh       chan string
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
	ttl       time.Duration // Original TTL for refresh; 0 means no expiry
}

// MemoryCacheOption configures a MemoryCache.
type MemoryCacheOption[T any] func(*MemoryCache[T])

// WithRefreshFunc sets the function used to refresh expired entries.
// When set, the cache will attempt to refresh entries in the background
// before they expire.
func WithRefreshFunc[T any](fn RefreshFunc[T]) MemoryCacheOption[T] {
	return func(c *MemoryCache[T]) {
		c.refreshFunc = fn
	}
}

// WithRefreshCooldown sets the minimum interval between refresh attempts
// for the same key. Defaults to 10 seconds if not set.
func WithRefreshCooldown[T any](d time.Duration) MemoryCacheOption[T] {
	return func(c *MemoryCache[T]) {
		c.refreshCooldown = d
	}
}

// NewMemoryCache creates a new in-memory cache.
func NewMemoryCache[T any](opts ...MemoryCacheOption[T]) *MemoryCache[T] {
	c := &MemoryCache[T]{
		entries:         make(map[string]*cacheEntry[T]),
		refreshCh:       make(chan string, 100),
		refreshCooldown: 10 * time.Second, // Default cooldown
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a cached value by key.
// If the entry is approaching expiration (within 20% of TTL), a background
// refresh is triggered if a refresh function is configured. Entries with
// ttl == 0 never expire and are never background-refreshed.
func (c *MemoryCache[T]) Get(_ context.Context, key string) (T, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero T
		return zero, nil
	}

	now := time.Now()
	if entry.ttl > 0 && now.After(entry.expiresAt) {
		// Entry expired, delete it
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		var zero T
		return zero, nil
	}

	// Trigger background refresh if approaching expiration (within 20% of TTL)
	if c.refreshFunc != nil && entry.ttl > 0 {
		refreshThreshold := entry.expiresAt.Add(-entry.ttl / 5)
		if now.After(refreshThreshold) {
			c.triggerRefresh(key)
		}
	}

	return entry.value, nil
}

// triggerRefresh sends a key to the refresh channel for background processing.
func (c *MemoryCache[T]) triggerRefresh(key string) {
	// Only trigger if refresh loop is running
	if c.refreshCtx == nil {
		return
	}

	select {
	case c.refreshCh <- key:
		// Queued for refresh
	case <-c.refreshCtx.Done():
		// Refresh loop stopped
	default:
		// Channel full, skip this refresh
	}
}

// Set stores a value with the given TTL. ttl <= 0 stores the entry with no
// expiry (used by the Context Hub's static cache, cleared explicitly at
// turn end via Delete/Clear rather than timing out).
func (c *MemoryCache[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	c.entries[key] = &cacheEntry[T]{
		value:     value,
		expiresAt: expiresAt,
		ttl:       ttl,
	}
	return nil
}

// Delete removes a cached entry.
func (c *MemoryCache[T]) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Clear removes all cached entries.
func (c *MemoryCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry[T])
}

// Len returns the number of entries in the cache.
func (c *MemoryCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// StartRefresh starts the background refresh loop.
// The loop processes refresh requests and updates cache entries before they expire.
func (c *MemoryCache[T]) StartRefresh(ctx context.Context) {
	if c.refreshFunc == nil {
		return
	}

	c.refreshCtx, c.refreshCancel = context.WithCancel(ctx)
	c.refreshWg.Add(1)
	go c.refreshLoop()
}

// StopRefresh stops the background refresh loop.
func (c *MemoryCache[T]) StopRefresh() {
	if c.refreshCancel != nil {
		c.refreshCancel()
		c.refreshWg.Wait()
		c.refreshCancel = nil
	}
}

// refreshLoop processes refresh requests from the channel.
func (c *MemoryCache[T]) refreshLoop() {
	defer c.refreshWg.Done()

	// Track recently refreshed keys to avoid duplicate refreshes
	refreshed := make(map[string]time.Time)

	for {
		select {
		case <-c.refreshCtx.Done():
			return
		case key := <-c.refreshCh:
			// Skip if recently refreshed
			if lastRefresh, ok := refreshed[key]; ok {
				if time.Since(lastRefresh) < c.refreshCooldown {
					continue
				}
			}

			// Get current entry to check if refresh is still needed
			c.mu.RLock()
			entry, exists := c.entries[key]
			c.mu.RUnlock()

			if !exists {
				continue
			}

			// Refresh the entry
			value, err := c.refreshFunc(c.refreshCtx, key)
			if err != nil {
				// Keep existing entry on refresh failure
				continue
			}

			// Update the cache with refreshed data
			c.mu.Lock()
			c.entries[key] = &cacheEntry[T]{
				value:     value,
				expiresAt: time.Now().Add(entry.ttl),
				ttl:       entry.ttl,
			}
			c.mu.Unlock()

			refreshed[key] = time.Now()

			// Clean up old refresh tracking entries periodically
			if len(refreshed) > 1000 {
				now := time.Now()
				for k, t := range refreshed {
					if now.Sub(t) > time.Minute {
						delete(refreshed, k)
					}
				}
			}
		}
	}
}
