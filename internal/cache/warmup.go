package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Setter is the write side of the cache used by warmers.
type Setter interface {
	Set(key string, value any, category string, ttl time.Duration)
}

// Warmer pre-populates hot keys.
type Warmer interface {
	Name() string
	Warm(ctx context.Context, s Setter) error
}

// RegisterWarmer adds w to the list run by Warmup.
func (c *TTLCache) RegisterWarmer(w Warmer) {
	c.mu.Lock()
	c.warmers = append(c.warmers, w)
	c.mu.Unlock()
}

// Warmup runs every registered warmer. Failures are logged and do not stop
// the remaining warmers; the number of failed warmers is returned.
func (c *TTLCache) Warmup(ctx context.Context) int {
	c.mu.RLock()
	warmers := append([]Warmer(nil), c.warmers...)
	c.mu.RUnlock()

	failed := 0
	for _, w := range warmers {
		if err := ctx.Err(); err != nil {
			c.log.Warn().Err(err).Msg("cache warmup interrupted")
			return failed + 1
		}
		if err := w.Warm(ctx, c); err != nil {
			failed++
			c.log.Error().Err(err).Str("warmer", w.Name()).Msg("cache warmup failed")
			continue
		}
		c.log.Debug().Str("warmer", w.Name()).Msg("cache warmer done")
	}

	c.log.Info().Int("warmers", len(warmers)).Int("failed", failed).Msg("cache warmed up")
	return failed
}

// SearchResult is a cached answer for a popular search term.
type SearchResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Authority   string `json:"authority"`
}

// Municipality is the static record cached per municipality.
type Municipality struct {
	Name     string   `json:"name"`
	Services []string `json:"services"`
	Email    string   `json:"email"`
}

// SeedWarmer caches the portal's well-known hot keys: popular searches,
// municipality records and the analytics overview.
type SeedWarmer struct {
	PopularSearches []string
	Municipalities  []string
	Now             func() time.Time
}

// NewSeedWarmer returns a SeedWarmer with the regional defaults.
func NewSeedWarmer() *SeedWarmer {
	return &SeedWarmer{
		PopularSearches: []string{
			"Personalausweis", "Gewerbeanmeldung", "Bauantrag", "Führungszeugnis",
			"Eheschließung", "Saarbrücken Services", "Grenzpendler",
		},
		Municipalities: []string{
			"Saarbrücken", "Neunkirchen", "Homburg", "Völklingen", "St. Ingbert",
			"Merzig", "St. Wendel", "Dillingen", "Lebach", "Blieskastel",
		},
		Now: time.Now,
	}
}

func (w *SeedWarmer) Name() string { return "seed" }

func (w *SeedWarmer) Warm(ctx context.Context, s Setter) error {
	for _, term := range w.PopularSearches {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Set(SearchKey(term), map[string]any{
			"query": term,
			"results": []SearchResult{{
				Title:       term + " beantragen",
				Description: fmt.Sprintf("Informationen zur Beantragung von %s im Saarland", term),
				Category:    CategoryDocuments,
				Authority:   "Bürgerbüro",
			}},
			"timestamp": w.Now().UTC().Format(time.RFC3339),
		}, CategorySearchResults, 0)
	}

	for _, name := range w.Municipalities {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.Set(MunicipalityKey(name), Municipality{
			Name:     name,
			Services: []string{"Bürgerbüro", "Standesamt", "Gewerbeamt"},
			Email:    "info@" + slug(name) + ".de",
		}, CategoryStaticContent, 0)
	}

	s.Set(AnalyticsOverviewKey, map[string]any{
		"popularServices": []string{"Verwaltung", "Tourismus", "Business"},
		"generatedAt":     w.Now().UTC().Format(time.RFC3339),
	}, CategoryAnalytics, 0)

	return nil
}

// Cache key helpers.
const AnalyticsOverviewKey = "analytics:overview"

func SearchKey(term string) string       { return "search:" + strings.ToLower(term) }
func MunicipalityKey(name string) string { return "municipality:" + strings.ToLower(name) }

func slug(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(strings.ToLower(s), " ", "-"), ".", "")
}
