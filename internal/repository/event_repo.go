package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"regio-portal/internal/models"
)

/*
COLLABORATION EVENT PERSISTENCE

The durable half of the event reconciler. Rows are append-only and read back
by (session_id, timestamp) for clients whose buffer window has passed.

Query patterns:
- InsertEvent: write-through from Append and the retry dispatcher
- QueryEventsSince: fallback read, bounded by a page size
*/

// ErrNotFound is returned when a session has no durable record.
var ErrNotFound = errors.New("record not found")

type EventRepositoryImpl struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) *EventRepositoryImpl {
	return &EventRepositoryImpl{db: db}
}

// InsertEvent stores a collaboration event
func (r *EventRepositoryImpl) InsertEvent(ctx context.Context, sessionID string, evt models.CollaborationEvent) error {
	rec := models.NewEventRecord(sessionID, evt)
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to store collaboration event: %w", err)
	}
	return nil
}

// QueryEventsSince returns at most limit events newer than since, oldest first.
func (r *EventRepositoryImpl) QueryEventsSince(ctx context.Context, sessionID string, since int64, limit int) ([]models.CollaborationEvent, error) {
	var recs []models.EventRecord
	if err := eventsSince(r.db.WithContext(ctx), sessionID, since, limit).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to query collaboration events: %w", err)
	}

	events := make([]models.CollaborationEvent, 0, len(recs))
	for _, rec := range recs {
		events = append(events, rec.Event())
	}
	return events, nil
}

func eventsSince(tx *gorm.DB, sessionID string, since int64, limit int) *gorm.DB {
	return tx.Model(&models.EventRecord{}).
		Where("session_id = ? AND timestamp > ?", sessionID, since).
		Order("timestamp ASC, id ASC").
		Limit(limit)
}
