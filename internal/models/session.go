package models

import "time"

// SessionMetadata is the client context reported when a session starts.
type SessionMetadata struct {
	UserID      string `json:"user_id,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	Referrer    string `json:"referrer,omitempty"`
	IsMobile    bool   `json:"is_mobile,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
}

// Session is a bounded period of client activity.
type Session struct {
	ID           string          `json:"session_id"`
	UserID       string          `json:"user_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	LastActivity time.Time       `json:"last_activity"`
	PageCount    int             `json:"page_count"`
	Ended        bool            `json:"ended"`
	Metadata     SessionMetadata `json:"metadata"`
}

// SessionSummary is reported when a session ends.
type SessionSummary struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id,omitempty"`
	DurationSeconds int64  `json:"duration_seconds"`
	PagesVisited    int    `json:"pages_visited"`
}

// Summary builds the end-of-session report using endedAt as the close time.
func (s Session) Summary(endedAt time.Time) SessionSummary {
	d := endedAt.Sub(s.StartedAt)
	if d < 0 {
		d = 0
	}
	return SessionSummary{
		SessionID:       s.ID,
		UserID:          s.UserID,
		DurationSeconds: int64(d / time.Second),
		PagesVisited:    s.PageCount,
	}
}
