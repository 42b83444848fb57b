// Package health turns cache and session counters into a health verdict.
package health

import (
	"regio-portal/internal/cache"
	"regio-portal/internal/services/sessions"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

const (
	RecommendLongerTTL     = "Low cache hit rate - consider increasing TTL values"
	RecommendReduceMemory  = "High memory usage - consider reducing cache size or TTL"
	RecommendMoreEvictions = "High entry count - implement more aggressive eviction"
)

// Thresholds are percentages except HighWaterEntries.
type Thresholds struct {
	HealthyHitRate    float64
	DegradedHitRate   float64
	LowHitRate        float64
	MemoryWarnPercent float64
	HighWaterEntries  int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		HealthyHitRate:    60,
		DegradedHitRate:   30,
		LowHitRate:        30,
		MemoryWarnPercent: 90,
		HighWaterEntries:  10000,
	}
}

// Report is the snapshot served by the metrics endpoint.
type Report struct {
	Status             Status   `json:"status"`
	HitRate            float64  `json:"hitRate"`
	MemoryUsagePercent float64  `json:"memoryUsagePercent"`
	TotalEntries       int      `json:"totalEntries"`
	ActiveUsers        int      `json:"activeUsers"`
	Recommendations    []string `json:"recommendations"`
}

// Evaluate derives a Report. It has no side effects.
func Evaluate(cs cache.Stats, ss sessions.Stats, th Thresholds) Report {
	r := Report{
		HitRate:            cs.HitRatePercent,
		MemoryUsagePercent: cs.MemoryUsagePercent(),
		TotalEntries:       cs.TotalEntries,
		ActiveUsers:        ss.ActiveUsers,
		Recommendations:    []string{},
	}

	switch {
	case r.HitRate > th.HealthyHitRate:
		r.Status = StatusHealthy
	case r.HitRate > th.DegradedHitRate:
		r.Status = StatusDegraded
	default:
		r.Status = StatusCritical
	}

	if r.HitRate < th.LowHitRate {
		r.Recommendations = append(r.Recommendations, RecommendLongerTTL)
	}
	if r.MemoryUsagePercent > th.MemoryWarnPercent {
		r.Recommendations = append(r.Recommendations, RecommendReduceMemory)
	}
	if th.HighWaterEntries > 0 && r.TotalEntries > th.HighWaterEntries {
		r.Recommendations = append(r.Recommendations, RecommendMoreEvictions)
	}
	return r
}

type CacheStatsSource interface {
	Stats() cache.Stats
}

type SessionStatsSource interface {
	CurrentStats() sessions.Stats
}

// Aggregator polls both sources on demand. It keeps no state of its own.
type Aggregator struct {
	cache      CacheStatsSource
	sessions   SessionStatsSource
	thresholds Thresholds
}

func NewAggregator(c CacheStatsSource, s SessionStatsSource, th Thresholds) *Aggregator {
	return &Aggregator{cache: c, sessions: s, thresholds: th}
}

func (a *Aggregator) Snapshot() Report {
	return Evaluate(a.cache.Stats(), a.sessions.CurrentStats(), a.thresholds)
}
