package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"regio-portal/internal/cache"
	"regio-portal/internal/models"
	"regio-portal/internal/services/sessions"
)

const (
	userCountKey = "realtime:user-count"
	userCountTTL = 30 * time.Second

	defaultHistoryDays = 7
)

type sessionStartRequest struct {
	SessionID string `json:"session_id"`
	models.SessionMetadata
}

// StartSession serves POST /api/analytics/session/start.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	if _, err := h.tracker.StartSession(r.Context(), req.SessionID, req.SessionMetadata); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": req.SessionID,
		"message":    "Session started successfully",
	})
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	PagePath  string `json:"page_path,omitempty"`
	PageTitle string `json:"page_title,omitempty"`
}

// EndSession serves POST /api/analytics/session/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	summary, err := h.tracker.EndSession(r.Context(), req.SessionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"session_id":       summary.SessionID,
		"duration_seconds": summary.DurationSeconds,
		"pages_visited":    summary.PagesVisited,
		"message":          "Session ended successfully",
	})
}

// UpdateSessionUser serves POST /api/analytics/session/update-user.
func (h *Handler) UpdateSessionUser(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if _, err := h.tracker.AttachUser(r.Context(), req.SessionID, req.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": req.SessionID,
		"user_id":    req.UserID,
		"message":    "Session user updated successfully",
	})
}

// TrackActivity serves POST /api/analytics/activity.
func (h *Handler) TrackActivity(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.tracker.UpdateActivity(req.SessionID, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	ts := req.Timestamp
	if ts == "" {
		ts = h.timestamp()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": req.SessionID,
		"timestamp":  ts,
		"message":    "Activity tracked successfully",
	})
}

// TrackPageView serves POST /api/analytics/page-view.
func (h *Handler) TrackPageView(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.tracker.UpdateActivity(req.SessionID, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"session_id": req.SessionID,
		"page_path":  req.PagePath,
		"message":    "Page view tracked successfully",
	})
}

type userCount struct {
	ActiveUsers    int    `json:"active_users"`
	DailyVisitors  int    `json:"daily_visitors"`
	PageViewsToday int    `json:"page_views_today"`
	SessionsToday  int    `json:"sessions_today"`
	Timestamp      string `json:"timestamp"`
}

// UserCount serves GET /api/realtime/user-count through the cache.
func (h *Handler) UserCount(w http.ResponseWriter, r *http.Request) {
	v, err := h.cache.GetOrLoad(r.Context(), userCountKey, cache.CategoryAnalytics, userCountTTL, h.loadUserCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    v,
		"source":  "session-tracker",
	})
}

func (h *Handler) loadUserCount(_ context.Context) (any, error) {
	st := h.tracker.CurrentStats()
	return userCount{
		ActiveUsers:    st.ActiveUsers,
		DailyVisitors:  st.TotalUsersToday,
		PageViewsToday: st.TotalPageViewsToday,
		SessionsToday:  st.TotalSessionsToday,
		Timestamp:      h.timestamp(),
	}, nil
}

// History serves GET /api/analytics/history?days=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	days := defaultHistoryDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, r, fmt.Errorf("%w: days must be a positive integer", errBadRequest))
			return
		}
		days = n
	}

	history := h.tracker.History(days)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    history,
		"days":    len(history),
		"current": h.tracker.CurrentStats(),
	})
}

// clientIP prefers the first X-Forwarded-For hop.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var _ SessionTracker = (*sessions.Tracker)(nil)
