package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"regio-portal/internal/models"
)

// RoomRepositoryImpl persists collaboration rooms and their participants.
type RoomRepositoryImpl struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) *RoomRepositoryImpl {
	return &RoomRepositoryImpl{db: db}
}

// UpsertRoom inserts the room or refreshes title, category and updated_at.
func (r *RoomRepositoryImpl) UpsertRoom(ctx context.Context, room models.Room) error {
	if err := upsertRoom(r.db.WithContext(ctx), models.NewRoomRecord(room)).Error; err != nil {
		return fmt.Errorf("failed to upsert room: %w", err)
	}
	return nil
}

func upsertRoom(tx *gorm.DB, rec *models.RoomRecord) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "category", "updated_at"}),
	}).Create(rec)
}

// UpsertParticipant inserts the membership or refreshes everything but
// joined_at.
func (r *RoomRepositoryImpl) UpsertParticipant(ctx context.Context, p models.Participant) error {
	if err := upsertParticipant(r.db.WithContext(ctx), models.NewParticipantRecord(p)).Error; err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func upsertParticipant(tx *gorm.DB, rec *models.ParticipantRecord) *gorm.DB {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "user_color", "last_seen", "is_active"}),
	}).Create(rec)
}

// LoadRoom returns the room and every participant ordered by joined_at.
func (r *RoomRepositoryImpl) LoadRoom(ctx context.Context, roomID string) (models.Room, []models.Participant, error) {
	db := r.db.WithContext(ctx)

	var rec models.RoomRecord
	if err := db.First(&rec, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, nil, ErrNotFound
		}
		return models.Room{}, nil, fmt.Errorf("failed to load room: %w", err)
	}

	var recs []models.ParticipantRecord
	if err := db.Where("session_id = ?", roomID).Order("joined_at ASC").Find(&recs).Error; err != nil {
		return models.Room{}, nil, fmt.Errorf("failed to load participants: %w", err)
	}

	participants := make([]models.Participant, len(recs))
	for i, p := range recs {
		participants[i] = p.Participant()
	}
	return rec.Room(), participants, nil
}
