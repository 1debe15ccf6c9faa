package retrieval

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        string
	vector     []float32
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// isExpired checks if the cache entry has expired
func (e *cacheEntry) isExpired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.insertedAt) > ttl
}

// EmbeddingCache is an in-memory LRU cache with TTL for question embeddings.
// Thread-safe implementation using sync.Mutex.
type EmbeddingCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	lruList *list.List // front is most recently used
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// NewEmbeddingCache creates a cache holding at most maxSize vectors for ttl each.
// A maxSize of zero or less disables caching.
func NewEmbeddingCache(maxSize int, ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{
		entries: make(map[string]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// CacheKey normalizes a question so trivially different spellings share an entry
func CacheKey(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// Get returns the cached vector for key, or false if absent or expired
func (c *EmbeddingCache) Get(key string) ([]float32, bool) {
	if c == nil || c.maxSize <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || entry.isExpired(c.ttl, c.now()) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil, false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.vector, true
}

// Set stores a vector, evicting the least recently used entry when full
func (c *EmbeddingCache) Set(key string, vector []float32) {
	if c == nil || c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.vector = vector
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:        key,
		vector:     vector,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// Clear removes all entries from the cache
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.lruList.Init()
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns cache statistics
func (c *EmbeddingCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *EmbeddingCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *EmbeddingCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, key)
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *EmbeddingCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.isExpired(c.ttl, now) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh closes
func (c *EmbeddingCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
