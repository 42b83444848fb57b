package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regio-portal/internal/cache"
	"regio-portal/internal/services/collaboration"
	"regio-portal/internal/services/health"
	"regio-portal/internal/services/sessions"
)

type testServer struct {
	router     http.Handler
	cache      *cache.TTLCache
	tracker    *sessions.Tracker
	reconciler *collaboration.Reconciler
	rooms      *collaboration.Rooms
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zerolog.Nop()

	c := cache.NewTTLCache(cache.Options{}, log)
	c.RegisterWarmer(cache.NewSeedWarmer())
	tr := sessions.NewTracker(sessions.Options{}, nil, log)
	rooms := collaboration.NewRooms(collaboration.RoomOptions{}, nil, log)
	rec := collaboration.NewReconciler(collaboration.Options{BufferCapacity: 10}, nil, rooms, nil, log)
	agg := health.NewAggregator(c, tr, health.DefaultThresholds())

	h := NewHandler(c, tr, rec, rooms, agg, nil, log)
	h.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	return &testServer{router: SetupRoutes(h, log), cache: c, tracker: tr, reconciler: rec, rooms: rooms}
}

func (s *testServer) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMetricsHealth_ColdCacheIsCritical(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/metrics/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(health.StatusCritical), body["status"])
	assert.Equal(t, 0.0, body["hitRate"])
	assert.NotEmpty(t, body["recommendations"])
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodPost, "/api/analytics/session/start", map[string]any{
		"session_id": "s1",
		"user_agent": "test-agent",
		"is_mobile":  true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "s1", body["session_id"])

	rec, body = s.do(t, http.MethodPost, "/api/analytics/page-view", map[string]any{
		"session_id": "s1",
		"page_path":  "/karte",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/karte", body["page_path"])

	rec, _ = s.do(t, http.MethodPost, "/api/analytics/activity", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = s.do(t, http.MethodPost, "/api/analytics/session/update-user", map[string]any{
		"session_id": "s1",
		"user_id":    "u1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", body["user_id"])

	sess, ok := s.tracker.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "test-agent", sess.Metadata.UserAgent)
	assert.True(t, sess.Metadata.IsMobile)

	rec, body = s.do(t, http.MethodPost, "/api/analytics/session/end", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, body["pages_visited"])
	assert.Contains(t, body, "duration_seconds")

	rec, _ = s.do(t, http.MethodPost, "/api/analytics/session/end", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPost, "/api/analytics/activity", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = s.do(t, http.MethodPost, "/api/analytics/session/start", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code, "a reloaded page restarts its ended session")
	assert.Equal(t, "s1", body["session_id"])

	rec, _ = s.do(t, http.MethodPost, "/api/analytics/activity", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		target string
		body   any
		status int
	}{
		{"missing session id", "/api/analytics/session/start", map[string]any{}, http.StatusBadRequest},
		{"malformed body", "/api/analytics/session/start", "{not json", http.StatusBadRequest},
		{"end unknown session", "/api/analytics/session/end", map[string]any{"session_id": "ghost"}, http.StatusNotFound},
		{"attach to unknown session", "/api/analytics/session/update-user", map[string]any{"session_id": "ghost", "user_id": "u"}, http.StatusNotFound},
		{"page view without id", "/api/analytics/page-view", map[string]any{"page_path": "/"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := s.do(t, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUserCount_IsCached(t *testing.T) {
	s := newTestServer(t)

	_, _ = s.do(t, http.MethodPost, "/api/analytics/session/start", map[string]any{"session_id": "a"})

	rec, body := s.do(t, http.MethodGet, "/api/realtime/user-count", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "session-tracker", body["source"])
	data := body["data"].(map[string]any)
	assert.Equal(t, 1.0, data["active_users"])
	assert.Equal(t, 1.0, data["sessions_today"])

	_, _ = s.do(t, http.MethodPost, "/api/analytics/session/start", map[string]any{"session_id": "b"})

	_, body = s.do(t, http.MethodGet, "/api/realtime/user-count", nil)
	data = body["data"].(map[string]any)
	assert.Equal(t, 1.0, data["active_users"], "served from cache until the entry expires")

	s.cache.ClearCategory(cache.CategoryAnalytics)
	_, body = s.do(t, http.MethodGet, "/api/realtime/user-count", nil)
	data = body["data"].(map[string]any)
	assert.Equal(t, 2.0, data["active_users"])
}

func TestHistory(t *testing.T) {
	s := newTestServer(t)
	_, _ = s.do(t, http.MethodPost, "/api/analytics/page-view", map[string]any{"session_id": "a"})

	rec, body := s.do(t, http.MethodGet, "/api/analytics/history?days=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	days := body["data"].([]any)
	require.Len(t, days, 3)
	today := days[2].(map[string]any)
	assert.Equal(t, 1.0, today["pageViews"])

	rec, _ = s.do(t, http.MethodGet, "/api/analytics/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/analytics/history?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCollaborationEvents(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/collaboration/events?sessionId=room", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["events"])
	assert.Equal(t, 1_700_000_000_000.0, body["timestamp"])

	for i, user := range []string{"anna", "ben", "anna"} {
		rec, body = s.do(t, http.MethodPost, "/api/collaboration/events", map[string]any{
			"sessionId": "room",
			"event": map[string]any{
				"type":      "element_added",
				"userId":    user,
				"timestamp": 100 + i,
				"data":      map[string]any{"id": i},
			},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 3.0, body["eventCount"])
	assert.Equal(t, 2.0, body["activeUsers"])

	rec, body = s.do(t, http.MethodGet, "/api/collaboration/events?sessionId=room&since=100", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 2)
	assert.Equal(t, "ben", events[0].(map[string]any)["userId"])
	assert.Equal(t, 2.0, body["activeUsers"])

	_, tracked := s.tracker.Get("room")
	assert.False(t, tracked, "collaboration rooms are not analytics sessions")
	assert.Equal(t, sessions.Stats{}, s.tracker.CurrentStats())
}

func TestCollaborationSessions(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.do(t, http.MethodGet, "/api/collaboration/sessions?sessionId=plan-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["session"])
	assert.Equal(t, []any{}, body["participants"])

	rec, body = s.do(t, http.MethodPost, "/api/collaboration/sessions", map[string]any{
		"sessionId": "plan-1",
		"title":     "Radwegenetz",
		"category":  "transport",
		"userId":    "anna",
		"userName":  "Anna",
		"userColor": "#10b981",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	session := body["session"].(map[string]any)
	assert.Equal(t, "plan-1", session["id"])
	assert.Equal(t, "Radwegenetz", session["title"])
	user := body["user"].(map[string]any)
	assert.Equal(t, "Anna", user["user_name"])
	assert.Equal(t, "#10b981", user["user_color"])
	assert.Equal(t, true, user["is_active"])

	rec, body = s.do(t, http.MethodPost, "/api/collaboration/sessions", map[string]any{
		"sessionId": "plan-1",
		"userId":    "ben",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	user = body["user"].(map[string]any)
	assert.Equal(t, collaboration.DefaultUserName, user["user_name"])
	assert.Equal(t, collaboration.DefaultUserColor, user["user_color"])

	rec, body = s.do(t, http.MethodGet, "/api/collaboration/sessions?sessionId=plan-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "transport", body["session"].(map[string]any)["category"])
	participants := body["participants"].([]any)
	require.Len(t, participants, 2)
	assert.Equal(t, "anna", participants[0].(map[string]any)["user_id"])
	assert.Equal(t, "ben", participants[1].(map[string]any)["user_id"])

	assert.True(t, s.rooms.Exists("plan-1"))
	assert.Equal(t, sessions.Stats{}, s.tracker.CurrentStats())
}

func TestCollaborationSessions_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
	}{
		{"missing session id", http.MethodPost, "/api/collaboration/sessions", map[string]any{"userId": "u"}},
		{"missing user id", http.MethodPost, "/api/collaboration/sessions", map[string]any{"sessionId": "plan-1"}},
		{"malformed body", http.MethodPost, "/api/collaboration/sessions", "{"},
		{"query without session", http.MethodGet, "/api/collaboration/sessions", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCollaborationEvents_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
	}{
		{"missing event", http.MethodPost, "/api/collaboration/events", map[string]any{"sessionId": "room"}},
		{"missing session id", http.MethodPost, "/api/collaboration/events", map[string]any{
			"event": map[string]any{"type": "cursor_moved", "userId": "u"},
		}},
		{"unknown type", http.MethodPost, "/api/collaboration/events", map[string]any{
			"sessionId": "room",
			"event":     map[string]any{"type": "teleported", "userId": "u"},
		}},
		{"missing user", http.MethodPost, "/api/collaboration/events", map[string]any{
			"sessionId": "room",
			"event":     map[string]any{"type": "cursor_moved"},
		}},
		{"query without session", http.MethodGet, "/api/collaboration/events", nil},
		{"bad since", http.MethodGet, "/api/collaboration/events?sessionId=room&since=yesterday", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := s.do(t, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.cache.Set("plz:66111", "Saarbrücken", "plz", time.Minute)
	s.cache.Set("plz:66113", "Saarbrücken", "plz", time.Minute)
	s.cache.Set("other", 1, cache.CategoryAPIResponse, time.Minute)

	rec, body := s.do(t, http.MethodGet, "/api/performance/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cacheServiceVersion, body["version"])

	rec, body = s.do(t, http.MethodGet, "/api/performance/cache?action=stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := body["data"].(map[string]any)
	assert.Equal(t, 3.0, stats["totalEntries"])

	rec, body = s.do(t, http.MethodPost, "/api/performance/cache", map[string]any{
		"action":   "clear-category",
		"category": "plz",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, body["data"].(map[string]any)["clearedEntries"])

	rec, body = s.do(t, http.MethodPost, "/api/performance/cache", map[string]any{"action": "delete", "key": "other"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["data"].(map[string]any)["deleted"])

	rec, body = s.do(t, http.MethodPost, "/api/performance/cache", map[string]any{"action": "warmup"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, body["data"].(map[string]any)["failedWarmers"])
	assert.Positive(t, s.cache.Stats().TotalEntries)

	rec, _ = s.do(t, http.MethodPost, "/api/performance/cache", map[string]any{"action": "clear-all"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, s.cache.Stats().TotalEntries)

	for _, bad := range []map[string]any{
		{"action": "explode"},
		{"action": "clear-category"},
		{"action": "delete"},
	} {
		rec, _ = s.do(t, http.MethodPost, "/api/performance/cache", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	req.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestStartSession_RecordsClientIP(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/analytics/session/start",
		strings.NewReader(`{"session_id":"ip"}`))
	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, ok := s.tracker.Get("ip")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.4", sess.Metadata.IPAddress)
}
