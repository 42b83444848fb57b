package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"regio-portal/internal/clock"
	"regio-portal/internal/middleware"
	"regio-portal/internal/models"
)

/*
SESSION TRACKER

Tracks visitor session liveness:

	absent -> active -> (idle, derived at sweep time) -> ended

Idleness is never stored. CleanupOldSessions removes every session that has
been quiet for at least the idle timeout. An activity pulse for an unknown
session creates it, so a dropped start call does not lose the visit.

Ended sessions leave a tombstone so late pulses are rejected instead of
resurrecting them. An explicit StartSession clears the tombstone and begins a
fresh session under the same id, which is how a reloaded page reuses its id.
Tombstones are pruned by the same sweep.

Daily counters are keyed by local calendar date, which makes the "today"
numbers roll over at midnight without a separate reset timer.
*/

var (
	ErrMissingSessionID = errors.New("session id is required")
	ErrSessionEnded     = errors.New("session has ended")
	ErrSessionNotFound  = errors.New("session not found")
)

// SessionStore is the durable side of the tracker. All calls are best-effort.
type SessionStore interface {
	UpsertSession(ctx context.Context, s models.Session) error
	EndSession(ctx context.Context, sessionID string) (models.Session, error)
}

type Options struct {
	IdleTimeout  time.Duration
	HistoryDays  int
	StoreTimeout time.Duration
	Location     *time.Location
	Clock        clock.Clock
}

// Stats is the live snapshot returned by CurrentStats.
type Stats struct {
	ActiveUsers         int `json:"activeUsers"`
	TotalUsersToday     int `json:"totalUsersToday"`
	TotalPageViewsToday int `json:"totalPageViewsToday"`
	TotalSessionsToday  int `json:"totalSessionsToday"`
}

// DailyStats is one day of history.
type DailyStats struct {
	Date      string `json:"date"`
	Users     int    `json:"users"`
	Sessions  int    `json:"sessions"`
	PageViews int    `json:"pageViews"`
}

type dayCounters struct {
	users     map[string]struct{}
	sessions  int
	pageViews int
}

const dateLayout = "2006-01-02"

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ended    map[string]time.Time // tombstones
	days     map[string]*dayCounters

	store SessionStore
	opts  Options
	clock clock.Clock
	log   zerolog.Logger
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(opts Options, store SessionStore, log zerolog.Logger) *Tracker {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 30
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	return &Tracker{
		sessions: make(map[string]*models.Session),
		ended:    make(map[string]time.Time),
		days:     make(map[string]*dayCounters),
		store:    store,
		opts:     opts,
		clock:    opts.Clock,
		log:      log.With().Str("component", "session_tracker").Logger(),
	}
}

// StartSession registers a session. Starting an existing session merges the
// new metadata and refreshes its activity but keeps StartedAt. Starting an
// ended session id begins a fresh session.
func (t *Tracker) StartSession(ctx context.Context, sessionID string, meta models.SessionMetadata) (models.Session, error) {
	if sessionID == "" {
		return models.Session{}, ErrMissingSessionID
	}
	now := t.clock.Now()

	t.mu.Lock()
	delete(t.ended, sessionID)
	s, ok := t.sessions[sessionID]
	if !ok {
		s = t.createLocked(sessionID, now)
	}
	mergeMetadata(s, meta)
	t.touchLocked(s, now)
	t.countUserLocked(s, now)
	snapshot := *s
	t.mu.Unlock()

	if !ok {
		t.log.Debug().Str("session_id", sessionID).Msg("session started")
	}
	t.persist(ctx, snapshot)
	return snapshot, nil
}

// UpdateActivity records an activity pulse, creating the session if it is
// unknown. Only page views increment the page count.
func (t *Tracker) UpdateActivity(sessionID string, isPageView bool) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ended[sessionID]; ok {
		return ErrSessionEnded
	}
	s, ok := t.sessions[sessionID]
	if !ok {
		s = t.createLocked(sessionID, now)
		t.log.Debug().Str("session_id", sessionID).Msg("session created from activity")
	}
	t.touchLocked(s, now)
	t.countUserLocked(s, now)
	if isPageView {
		s.PageCount++
		t.dayLocked(now).pageViews++
	}
	return nil
}

// AttachUser links a user id to a running session, e.g. after login.
func (t *Tracker) AttachUser(ctx context.Context, sessionID, userID string) (models.Session, error) {
	if sessionID == "" {
		return models.Session{}, ErrMissingSessionID
	}
	now := t.clock.Now()

	t.mu.Lock()
	if _, ok := t.ended[sessionID]; ok {
		t.mu.Unlock()
		return models.Session{}, ErrSessionEnded
	}
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return models.Session{}, ErrSessionNotFound
	}
	s.UserID = userID
	s.Metadata.UserID = userID
	t.touchLocked(s, now)
	t.countUserLocked(s, now)
	snapshot := *s
	t.mu.Unlock()

	t.persist(ctx, snapshot)
	return snapshot, nil
}

// EndSession closes a session and returns its summary. A session unknown in
// memory is looked up in the durable store.
func (t *Tracker) EndSession(ctx context.Context, sessionID string) (models.SessionSummary, error) {
	if sessionID == "" {
		return models.SessionSummary{}, ErrMissingSessionID
	}
	now := t.clock.Now()

	t.mu.Lock()
	if _, ok := t.ended[sessionID]; ok {
		t.mu.Unlock()
		return models.SessionSummary{}, ErrSessionEnded
	}
	s, live := t.sessions[sessionID]
	if live {
		s.Ended = true
		delete(t.sessions, sessionID)
		t.ended[sessionID] = now
	}
	t.mu.Unlock()

	if live {
		// Upsert first so sessions created by activity pulses exist durably.
		t.persist(ctx, *s)
		if _, err := t.endDurable(ctx, sessionID); err != nil {
			t.log.Warn().Err(err).Str("session_id", sessionID).Msg("durable session end failed")
		}
		return s.Summary(now), nil
	}

	if t.store == nil {
		return models.SessionSummary{}, ErrSessionNotFound
	}
	stored, err := t.endDurable(ctx, sessionID)
	if err != nil {
		t.log.Debug().Err(err).Str("session_id", sessionID).Msg("session unknown to durable store")
		return models.SessionSummary{}, ErrSessionNotFound
	}

	t.mu.Lock()
	t.ended[sessionID] = now
	t.mu.Unlock()

	return stored.Summary(now), nil
}

// CleanupOldSessions removes idle sessions, stale tombstones and history
// older than the retention window. Returns the number of sessions removed.
func (t *Tracker) CleanupOldSessions() int {
	now := t.clock.Now()
	cutoff := now.Add(-t.opts.IdleTimeout)
	oldestDay := now.In(t.opts.Location).AddDate(0, 0, -t.opts.HistoryDays).Format(dateLayout)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, s := range t.sessions {
		if !s.LastActivity.After(cutoff) {
			delete(t.sessions, id)
			removed++
		}
	}
	for id, at := range t.ended {
		if at.Before(cutoff) {
			delete(t.ended, id)
		}
	}
	for day := range t.days {
		if day < oldestDay {
			delete(t.days, day)
		}
	}

	if removed > 0 {
		t.log.Info().Int("count", removed).Int("active", len(t.sessions)).Msg("idle sessions removed")
	}
	return removed
}

// CurrentStats returns live and today's counters.
func (t *Tracker) CurrentStats() Stats {
	today := t.dayKey(t.clock.Now())

	t.mu.RLock()
	defer t.mu.RUnlock()

	st := Stats{ActiveUsers: len(t.sessions)}
	if d, ok := t.days[today]; ok {
		st.TotalUsersToday = len(d.users)
		st.TotalPageViewsToday = d.pageViews
		st.TotalSessionsToday = d.sessions
	}
	return st
}

// History returns the last days of counters, oldest first and ending today.
func (t *Tracker) History(days int) []DailyStats {
	if days <= 0 {
		days = 1
	}
	if days > t.opts.HistoryDays {
		days = t.opts.HistoryDays
	}
	today := t.clock.Now().In(t.opts.Location)

	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]DailyStats, 0, days)
	for i := days - 1; i >= 0; i-- {
		key := today.AddDate(0, 0, -i).Format(dateLayout)
		ds := DailyStats{Date: key}
		if d, ok := t.days[key]; ok {
			ds.Users = len(d.users)
			ds.Sessions = d.sessions
			ds.PageViews = d.pageViews
		}
		out = append(out, ds)
	}
	return out
}

// Get returns a copy of a live session.
func (t *Tracker) Get(sessionID string) (models.Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

// RunSweeper calls CleanupOldSessions every interval until ctx is done.
func (t *Tracker) RunSweeper(ctx context.Context, interval time.Duration) error {
	t.log.Info().Dur("interval", interval).Dur("idle_timeout", t.opts.IdleTimeout).Msg("session sweeper starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Info().Msg("session sweeper stopping")
			return nil
		case <-ticker.C:
			t.CleanupOldSessions()
		}
	}
}

func (t *Tracker) createLocked(sessionID string, now time.Time) *models.Session {
	s := &models.Session{ID: sessionID, StartedAt: now, LastActivity: now}
	t.sessions[sessionID] = s
	t.dayLocked(now).sessions++
	return s
}

// touchLocked never moves LastActivity backwards.
func (t *Tracker) touchLocked(s *models.Session, now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

func (t *Tracker) countUserLocked(s *models.Session, now time.Time) {
	key := s.UserID
	if key == "" {
		key = s.ID
	}
	t.dayLocked(now).users[key] = struct{}{}
}

func (t *Tracker) dayLocked(now time.Time) *dayCounters {
	key := t.dayKey(now)
	d, ok := t.days[key]
	if !ok {
		d = &dayCounters{users: make(map[string]struct{})}
		t.days[key] = d
	}
	return d
}

func (t *Tracker) dayKey(now time.Time) string {
	return now.In(t.opts.Location).Format(dateLayout)
}

func mergeMetadata(s *models.Session, meta models.SessionMetadata) {
	if meta.UserID != "" {
		s.UserID = meta.UserID
		s.Metadata.UserID = meta.UserID
	}
	if meta.IPAddress != "" {
		s.Metadata.IPAddress = meta.IPAddress
	}
	if meta.UserAgent != "" {
		s.Metadata.UserAgent = meta.UserAgent
	}
	if meta.Referrer != "" {
		s.Metadata.Referrer = meta.Referrer
	}
	if meta.IsMobile {
		s.Metadata.IsMobile = true
	}
	if meta.UTMSource != "" {
		s.Metadata.UTMSource = meta.UTMSource
	}
	if meta.UTMMedium != "" {
		s.Metadata.UTMMedium = meta.UTMMedium
	}
	if meta.UTMCampaign != "" {
		s.Metadata.UTMCampaign = meta.UTMCampaign
	}
}

func (t *Tracker) persist(ctx context.Context, s models.Session) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "SessionStore.UpsertSession", attribute.String("session.id", s.ID))
	defer span.End()

	if err := t.store.UpsertSession(ctx, s); err != nil {
		middleware.AddSpanError(ctx, err)
		t.log.Warn().Err(err).Str("session_id", s.ID).Msg("durable session upsert failed")
	}
}

func (t *Tracker) endDurable(ctx context.Context, sessionID string) (models.Session, error) {
	if t.store == nil {
		return models.Session{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "SessionStore.EndSession", attribute.String("session.id", sessionID))
	defer span.End()

	s, err := t.store.EndSession(ctx, sessionID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return models.Session{}, err
	}
	return s, nil
}
