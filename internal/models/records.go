package models

import (
	"time"

	"github.com/lib/pq"
	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
DURABLE RECORDS

Rows written to the durable store. The in-memory types above are the API of
the volatile layer; these structs only describe the persisted shape.
*/

// EventRecord is a persisted collaboration event.
type EventRecord struct {
	ID        string `gorm:"type:varchar(27);primaryKey"`
	SessionID string `gorm:"type:varchar(128);not null;index:idx_session_ts"`
	EventType string `gorm:"type:varchar(32);not null"`
	UserID    string `gorm:"type:varchar(128);not null"`
	Timestamp int64  `gorm:"not null;index:idx_session_ts"` // unix millis
	Payload   string `gorm:"type:jsonb;not null;default:'null'"`
	CreatedAt time.Time
}

// BeforeCreate generates KSUID
func (r *EventRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = ksuid.New().String()
	}
	return nil
}

func (EventRecord) TableName() string {
	return "collaboration_events"
}

// NewEventRecord converts an event into its row.
func NewEventRecord(sessionID string, evt CollaborationEvent) *EventRecord {
	return &EventRecord{
		SessionID: sessionID,
		EventType: string(evt.Type),
		UserID:    evt.UserID,
		Timestamp: evt.Timestamp,
		Payload:   payloadText(evt.Payload),
	}
}

func payloadText(p []byte) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}

// Event converts the row back into the domain type.
func (r EventRecord) Event() CollaborationEvent {
	evt := CollaborationEvent{
		Type:      EventType(r.EventType),
		UserID:    r.UserID,
		SessionID: r.SessionID,
		Timestamp: r.Timestamp,
	}
	if r.Payload != "" && r.Payload != "null" {
		evt.Payload = []byte(r.Payload)
	}
	return evt
}

// SessionRecord is a persisted visitor session.
type SessionRecord struct {
	ID           string         `gorm:"type:varchar(128);primaryKey"`
	UserID       string         `gorm:"type:varchar(128)"`
	KnownUserIDs pq.StringArray `gorm:"type:text[]"` // every user id attached over the session's life
	IPAddress    string         `gorm:"type:varchar(64)"`
	UserAgent    string         `gorm:"type:text"`
	Referrer     string         `gorm:"type:text"`
	IsMobile     bool
	UTMSource    string `gorm:"type:varchar(128)"`
	UTMMedium    string `gorm:"type:varchar(128)"`
	UTMCampaign  string `gorm:"type:varchar(128)"`
	StartedAt    time.Time
	LastActivity time.Time
	PageCount    int
	EndedAt      *time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

func (SessionRecord) TableName() string {
	return "analytics_sessions"
}

// NewSessionRecord converts a session into its row.
func NewSessionRecord(s Session) *SessionRecord {
	rec := &SessionRecord{
		ID:           s.ID,
		UserID:       s.UserID,
		IPAddress:    s.Metadata.IPAddress,
		UserAgent:    s.Metadata.UserAgent,
		Referrer:     s.Metadata.Referrer,
		IsMobile:     s.Metadata.IsMobile,
		UTMSource:    s.Metadata.UTMSource,
		UTMMedium:    s.Metadata.UTMMedium,
		UTMCampaign:  s.Metadata.UTMCampaign,
		StartedAt:    s.StartedAt,
		LastActivity: s.LastActivity,
		PageCount:    s.PageCount,
	}
	if s.UserID != "" {
		rec.KnownUserIDs = pq.StringArray{s.UserID}
	}
	return rec
}

// Session converts the row back into the domain type.
func (r SessionRecord) Session() Session {
	return Session{
		ID:           r.ID,
		UserID:       r.UserID,
		StartedAt:    r.StartedAt,
		LastActivity: r.LastActivity,
		PageCount:    r.PageCount,
		Ended:        r.EndedAt != nil,
		Metadata: SessionMetadata{
			UserID:      r.UserID,
			IPAddress:   r.IPAddress,
			UserAgent:   r.UserAgent,
			Referrer:    r.Referrer,
			IsMobile:    r.IsMobile,
			UTMSource:   r.UTMSource,
			UTMMedium:   r.UTMMedium,
			UTMCampaign: r.UTMCampaign,
		},
	}
}

// RoomRecord is a persisted collaboration room.
type RoomRecord struct {
	ID        string `gorm:"type:varchar(128);primaryKey"`
	Title     string `gorm:"type:varchar(255);not null"`
	Category  string `gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RoomRecord) TableName() string {
	return "collaboration_sessions"
}

func NewRoomRecord(r Room) *RoomRecord {
	return &RoomRecord{
		ID:        r.ID,
		Title:     r.Title,
		Category:  r.Category,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r RoomRecord) Room() Room {
	return Room{
		ID:        r.ID,
		Title:     r.Title,
		Category:  r.Category,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// ParticipantRecord is a persisted room membership, one row per (room, user).
type ParticipantRecord struct {
	SessionID string `gorm:"type:varchar(128);primaryKey"`
	UserID    string `gorm:"type:varchar(128);primaryKey"`
	UserName  string `gorm:"type:varchar(128);not null"`
	UserColor string `gorm:"type:varchar(16);not null"`
	JoinedAt  time.Time
	LastSeen  time.Time
	IsActive  bool `gorm:"not null;index"`
}

func (ParticipantRecord) TableName() string {
	return "collaboration_participants"
}

func NewParticipantRecord(p Participant) *ParticipantRecord {
	return &ParticipantRecord{
		SessionID: p.SessionID,
		UserID:    p.UserID,
		UserName:  p.UserName,
		UserColor: p.UserColor,
		JoinedAt:  p.JoinedAt,
		LastSeen:  p.LastSeen,
		IsActive:  p.IsActive,
	}
}

func (r ParticipantRecord) Participant() Participant {
	return Participant{
		SessionID: r.SessionID,
		UserID:    r.UserID,
		UserName:  r.UserName,
		UserColor: r.UserColor,
		JoinedAt:  r.JoinedAt,
		LastSeen:  r.LastSeen,
		IsActive:  r.IsActive,
	}
}
