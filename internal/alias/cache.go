package alias

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/order-cli/internal/resilience"
)

// CacheEntry is a learned mapping from a normalized input to a canonical name.
type CacheEntry struct {
	Key        string    `json:"input_text"`
	Canonical  string    `json:"matched_product_name"`
	Confidence float64   `json:"confidence"`
	HitCount   int       `json:"hit_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Cache is the port for the learned mapping store. Lookup counts a hit on
// every successful read. Record inserts or overwrites the mapping for a key
// without resetting its hit count.
type Cache interface {
	Lookup(ctx context.Context, key string) (*CacheEntry, bool, error)
	Record(ctx context.Context, entry CacheEntry) error
}

// MemoryCache is an in-process Cache safe for concurrent use.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CacheEntry)}
}

// Lookup implements Cache.
func (c *MemoryCache) Lookup(_ context.Context, key string) (*CacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	e.HitCount++
	e.UpdatedAt = time.Now().UTC()
	c.entries[key] = e
	return &e, true, nil
}

// Record implements Cache.
func (c *MemoryCache) Record(_ context.Context, entry CacheEntry) error {
	if entry.Key == "" || entry.Canonical == "" {
		return eris.New("alias: cache entry needs key and canonical name")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := c.entries[entry.Key]; ok {
		entry.HitCount = prev.HitCount
		entry.CreatedAt = prev.CreatedAt
	} else {
		entry.HitCount = 1
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now
	c.entries[entry.Key] = entry
	return nil
}

// Get returns an entry without counting a hit.
func (c *MemoryCache) Get(key string) (CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Len returns the number of cached mappings.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// BreakerCache guards a Cache backend with a circuit breaker. While the
// circuit is open calls fail fast with resilience.ErrCircuitOpen.
type BreakerCache struct {
	next Cache
	cb   *resilience.CircuitBreaker
}

// NewBreakerCache wraps next with cb.
func NewBreakerCache(next Cache, cb *resilience.CircuitBreaker) *BreakerCache {
	return &BreakerCache{next: next, cb: cb}
}

type lookupResult struct {
	entry *CacheEntry
	found bool
}

// Lookup implements Cache.
func (b *BreakerCache) Lookup(ctx context.Context, key string) (*CacheEntry, bool, error) {
	res, err := resilience.ExecuteVal(ctx, b.cb, func(ctx context.Context) (lookupResult, error) {
		e, ok, err := b.next.Lookup(ctx, key)
		return lookupResult{entry: e, found: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.entry, res.found, nil
}

// Record implements Cache.
func (b *BreakerCache) Record(ctx context.Context, entry CacheEntry) error {
	return b.cb.Execute(ctx, func(ctx context.Context) error {
		return b.next.Record(ctx, entry)
	})
}
