package api

import (
	"context"
	"time"

	"regio-portal/internal/cache"
	"regio-portal/internal/models"
	"regio-portal/internal/services/collaboration"
	"regio-portal/internal/services/health"
	"regio-portal/internal/services/sessions"
)

/*
CONSUMER-DRIVEN INTERFACES

The handlers are the consumers of the volatile state layer, so the interfaces
they need live here. Each one lists only the methods a handler calls; tests
substitute the real components or small fakes.
*/

// CacheService is what the cache management and read-through endpoints need.
type CacheService interface {
	Stats() cache.Stats
	DetailedStats() cache.DetailedStats
	Cleanup() int
	ClearCategory(category string) int
	Clear()
	Delete(key string) bool
	Warmup(ctx context.Context) int
	GetOrLoad(ctx context.Context, key, category string, ttl time.Duration, load cache.Loader) (any, error)
}

// SessionTracker is what the analytics endpoints need.
type SessionTracker interface {
	StartSession(ctx context.Context, sessionID string, meta models.SessionMetadata) (models.Session, error)
	UpdateActivity(sessionID string, isPageView bool) error
	AttachUser(ctx context.Context, sessionID, userID string) (models.Session, error)
	EndSession(ctx context.Context, sessionID string) (models.SessionSummary, error)
	CurrentStats() sessions.Stats
	History(days int) []sessions.DailyStats
}

// EventReconciler is what the collaboration endpoints need.
type EventReconciler interface {
	Append(ctx context.Context, sessionID string, evt models.CollaborationEvent) (collaboration.AppendResult, error)
	Query(ctx context.Context, sessionID string, since int64) ([]models.CollaborationEvent, error)
	ActiveUserCount(sessionID string) int
}

// CollaborationRooms is what the collaboration session endpoints need.
type CollaborationRooms interface {
	Join(ctx context.Context, req collaboration.JoinRequest) (models.Room, models.Participant, error)
	Get(ctx context.Context, roomID string) (models.Room, []models.Participant, error)
}

// HealthReporter serves the aggregated health snapshot.
type HealthReporter interface {
	Snapshot() health.Report
}
