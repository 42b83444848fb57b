package cache

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"regio-portal/internal/clock"
)

/*
TTL CACHE

A keyed in-process store where every entry carries its own time-to-live and a
category tag. Expired entries are removed in two ways:

1. Lazily, when a Get finds the entry past its TTL
2. Actively, when Cleanup sweeps the whole map (run on a timer by RunJanitor)

Categories group related entries ("tourism", "plz", "search-results") so a
whole family can be invalidated with ClearCategory without a full flush.

There is no hard size limit. Memory usage is reported through Stats and turned
into a health signal by the stats aggregator.
*/

// Well-known categories with their default TTLs.
const (
	CategoryAPIResponse   = "api-response"
	CategoryUserData      = "user-data"
	CategoryStaticContent = "static-content"
	CategoryAnalytics     = "analytics"
	CategorySearchResults = "search-results"
	CategoryAIResponses   = "ai-responses"
	CategoryDocuments     = "documents"
	CategoryGeolocation   = "geolocation"
)

// DefaultCategoryTTLs is used when Options.CategoryTTLs is nil.
var DefaultCategoryTTLs = map[string]time.Duration{
	CategoryAPIResponse:   5 * time.Minute,
	CategoryUserData:      15 * time.Minute,
	CategoryStaticContent: time.Hour,
	CategoryAnalytics:     30 * time.Minute,
	CategorySearchResults: 10 * time.Minute,
	CategoryAIResponses:   20 * time.Minute,
	CategoryDocuments:     2 * time.Hour,
	CategoryGeolocation:   4 * time.Hour,
}

// Options configures a TTLCache. Zero values fall back to sensible defaults.
type Options struct {
	DefaultTTL       time.Duration
	MaxMemoryBytes   int64   // ceiling used for memory percentage reporting
	HighWaterEntries int     // entry count considered "too many"
	WarnPercent      float64 // memory percentage that flags pending evictions
	CategoryTTLs     map[string]time.Duration
	Clock            clock.Clock
}

type entry struct {
	key        string
	value      any
	category   string
	createdAt  time.Time
	ttl        time.Duration
	size       int64
	lastAccess atomic.Int64 // unix nanos
	hits       atomic.Int64
}

// expired reports whether the entry outlived its ttl at now.
func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// TTLCache is safe for concurrent use.
type TTLCache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	sizeBytes int64

	hits   atomic.Uint64
	misses atomic.Uint64

	opts    Options
	clock   clock.Clock
	group   singleflight.Group
	warmers []Warmer
	log     zerolog.Logger
}

// NewTTLCache creates an empty cache.
func NewTTLCache(opts Options, log zerolog.Logger) *TTLCache {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.MaxMemoryBytes <= 0 {
		opts.MaxMemoryBytes = 100 * 1024 * 1024
	}
	if opts.HighWaterEntries <= 0 {
		opts.HighWaterEntries = 10000
	}
	if opts.WarnPercent <= 0 {
		opts.WarnPercent = 90
	}
	if opts.CategoryTTLs == nil {
		opts.CategoryTTLs = DefaultCategoryTTLs
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &TTLCache{
		entries: make(map[string]*entry),
		opts:    opts,
		clock:   opts.Clock,
		log:     log.With().Str("component", "ttl_cache").Logger(),
	}
}

// Options returns the effective options after defaults were applied.
func (c *TTLCache) Options() Options { return c.opts }

// ttlFor resolves the ttl for a Set call.
func (c *TTLCache) ttlFor(category string, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if d, ok := c.opts.CategoryTTLs[category]; ok && d > 0 {
		return d
	}
	return c.opts.DefaultTTL
}

// Set inserts or overwrites key. A non-positive ttl selects the category
// default, then the cache default.
func (c *TTLCache) Set(key string, value any, category string, ttl time.Duration) {
	now := c.clock.Now()
	e := &entry{
		key:       key,
		value:     value,
		category:  category,
		createdAt: now,
		ttl:       c.ttlFor(category, ttl),
		size:      estimateSize(value),
	}
	e.lastAccess.Store(now.UnixNano())

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.sizeBytes -= old.size
	}
	c.entries[key] = e
	c.sizeBytes += e.size
	c.mu.Unlock()
}

// Get returns the live value for key. An expired entry counts as a miss and
// is removed as a side effect.
func (c *TTLCache) Get(key string) (any, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if e.expired(now) {
		c.mu.Lock()
		// Only remove the exact entry we saw; a concurrent Set may have replaced it.
		if cur, ok := c.entries[key]; ok && cur == e {
			c.removeLocked(key, e)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	e.lastAccess.Store(now.UnixNano())
	e.hits.Add(1)
	c.hits.Add(1)
	return e.value, true
}

// peek reads without touching statistics or evicting.
func (c *TTLCache) peek(key string) (any, bool) {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return nil, false
	}
	return e.value, true
}

// Loader produces a value on a cache miss.
type Loader func(ctx context.Context) (any, error)

// GetOrLoad is a read-through lookup. Concurrent misses on the same key share
// a single loader call. Loader errors are returned and nothing is cached.
func (c *TTLCache) GetOrLoad(ctx context.Context, key, category string, ttl time.Duration, load Loader) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.peek(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, category, ttl)
		return v, nil
	})
	return v, err
}

// Delete removes key and reports whether it was present.
func (c *TTLCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	return true
}

// ClearCategory removes every entry tagged with category and returns how
// many were removed.
func (c *TTLCache) ClearCategory(category string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.category == category {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and resets the hit/miss counters.
func (c *TTLCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.sizeBytes = 0
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
}

// Cleanup removes every expired entry and returns the count.
func (c *TTLCache) Cleanup() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// RunJanitor calls Cleanup every interval until ctx is cancelled.
func (c *TTLCache) RunJanitor(ctx context.Context, interval time.Duration) error {
	c.log.Info().Dur("interval", interval).Msg("cache janitor starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("cache janitor stopping")
			return nil
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.log.Info().Int("count", n).Msg("cache cleanup removed expired entries")
			}
		}
	}
}

func (c *TTLCache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.sizeBytes -= e.size
}

// estimateSize approximates the memory footprint of v by its JSON encoding.
func estimateSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
