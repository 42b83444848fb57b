package cache

import "time"

// Stats is the usage snapshot of a cache.
type Stats struct {
	Hits             uint64  `json:"hits"`
	Misses           uint64  `json:"misses"`
	HitRatePercent   float64 `json:"hitRate"`
	TotalEntries     int     `json:"totalEntries"`
	MemoryUsageBytes int64   `json:"memoryUsage"`
	MaxMemoryBytes   int64   `json:"maxMemory"`
}

// MemoryUsagePercent relates usage to the configured ceiling.
func (s Stats) MemoryUsagePercent() float64 {
	if s.MaxMemoryBytes <= 0 {
		return 0
	}
	return float64(s.MemoryUsageBytes) / float64(s.MaxMemoryBytes) * 100
}

// HitRate returns hits/(hits+misses)*100, or 0 before any access.
func HitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

// CategoryStats aggregates the entries of one category.
type CategoryStats struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"size"`
	Hits      int64 `json:"hits"`
}

// DetailedStats extends Stats with a per-category breakdown.
type DetailedStats struct {
	Stats
	Categories       map[string]CategoryStats `json:"categories"`
	AverageEntrySize float64                  `json:"averageEntrySize"`
	EvictionsPending bool                     `json:"evictionsPending"`
	OldestEntry      time.Time                `json:"oldestEntry,omitzero"`
	NewestEntry      time.Time                `json:"newestEntry,omitzero"`
}

// Stats returns the current counters.
func (c *TTLCache) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()

	c.mu.RLock()
	total := len(c.entries)
	size := c.sizeBytes
	c.mu.RUnlock()

	return Stats{
		Hits:             hits,
		Misses:           misses,
		HitRatePercent:   HitRate(hits, misses),
		TotalEntries:     total,
		MemoryUsageBytes: size,
		MaxMemoryBytes:   c.opts.MaxMemoryBytes,
	}
}

// DetailedStats walks every entry to build the per-category view.
func (c *TTLCache) DetailedStats() DetailedStats {
	d := DetailedStats{
		Stats:      c.Stats(),
		Categories: make(map[string]CategoryStats),
	}

	c.mu.RLock()
	for _, e := range c.entries {
		cat := d.Categories[e.category]
		cat.Count++
		cat.SizeBytes += e.size
		cat.Hits += e.hits.Load()
		d.Categories[e.category] = cat

		if d.OldestEntry.IsZero() || e.createdAt.Before(d.OldestEntry) {
			d.OldestEntry = e.createdAt
		}
		if e.createdAt.After(d.NewestEntry) {
			d.NewestEntry = e.createdAt
		}
	}
	c.mu.RUnlock()

	if d.TotalEntries > 0 {
		d.AverageEntrySize = float64(d.MemoryUsageBytes) / float64(d.TotalEntries)
	}
	d.EvictionsPending = d.MemoryUsagePercent() > c.opts.WarnPercent
	return d
}
