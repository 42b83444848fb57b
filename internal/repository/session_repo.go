package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"regio-portal/internal/models"
)

// SessionRepositoryImpl persists analytics sessions.
type SessionRepositoryImpl struct {
	db  *gorm.DB
	now func() time.Time
}

func NewSessionRepository(db *gorm.DB) *SessionRepositoryImpl {
	return &SessionRepositoryImpl{db: db, now: time.Now}
}

// UpsertSession inserts the session or refreshes its mutable columns. User ids
// seen on earlier upserts are kept in known_user_ids. Upserting an ended row
// reopens it with the new started_at.
func (r *SessionRepositoryImpl) UpsertSession(ctx context.Context, s models.Session) error {
	if err := upsertSession(r.db.WithContext(ctx), models.NewSessionRecord(s)).Error; err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func upsertSession(tx *gorm.DB, rec *models.SessionRecord) *gorm.DB {
	set := clause.AssignmentColumns([]string{
		"user_id", "ip_address", "user_agent", "referrer", "is_mobile",
		"utm_source", "utm_medium", "utm_campaign",
		"last_activity", "page_count", "updated_at",
	})
	table := models.SessionRecord{}.TableName()
	set = append(set,
		clause.Assignment{
			Column: clause.Column{Name: "known_user_ids"},
			Value: gorm.Expr("ARRAY(SELECT DISTINCT unnest(COALESCE(?, '{}'::text[]) || COALESCE(excluded.known_user_ids, '{}'::text[])))",
				clause.Column{Table: table, Name: "known_user_ids"}),
		},
		clause.Assignment{
			Column: clause.Column{Name: "started_at"},
			Value: gorm.Expr("CASE WHEN ? IS NULL THEN ? ELSE excluded.started_at END",
				clause.Column{Table: table, Name: "ended_at"}, clause.Column{Table: table, Name: "started_at"}),
		},
		clause.Assignment{Column: clause.Column{Name: "ended_at"}, Value: gorm.Expr("NULL")},
	)

	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: set,
	}).Create(rec)
}

// EndSession stamps ended_at (once) and returns the stored session.
func (r *SessionRepositoryImpl) EndSession(ctx context.Context, sessionID string) (models.Session, error) {
	var rec models.SessionRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "id = ?", sessionID).Error; err != nil {
			return err
		}
		if rec.EndedAt != nil {
			return nil
		}
		now := r.now()
		rec.EndedAt = &now
		return tx.Model(&rec).Update("ended_at", now).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to end session: %w", err)
	}
	return rec.Session(), nil
}
