package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"regio-portal/internal/models"
	"regio-portal/internal/services/collaboration"
)

type appendEventRequest struct {
	SessionID string                     `json:"sessionId"`
	Event     *models.CollaborationEvent `json:"event"`
}

// AppendEvent serves POST /api/collaboration/events.
func (h *Handler) AppendEvent(w http.ResponseWriter, r *http.Request) {
	var req appendEventRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Event == nil {
		h.writeError(w, r, fmt.Errorf("%w: event is required", errBadRequest))
		return
	}

	res, err := h.reconciler.Append(r.Context(), req.SessionID, *req.Event)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"eventCount":  res.EventCount,
		"activeUsers": res.ActiveUsers,
	})
}

// ListEvents serves GET /api/collaboration/events?sessionId=&since=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("sessionId")

	var since int64
	if v := q.Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: since must be unix milliseconds", errBadRequest))
			return
		}
		since = n
	}

	events, err := h.reconciler.Query(r.Context(), sessionID, since)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.CollaborationEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events":      events,
		"activeUsers": h.reconciler.ActiveUserCount(sessionID),
		"timestamp":   h.now().UnixMilli(),
	})
}

// JoinCollaborationSession serves POST /api/collaboration/sessions.
func (h *Handler) JoinCollaborationSession(w http.ResponseWriter, r *http.Request) {
	var req collaboration.JoinRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	room, user, err := h.rooms.Join(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": room,
		"user":    user,
	})
}

// GetCollaborationSession serves GET /api/collaboration/sessions?sessionId=.
// An unknown session is not an error: session is null.
func (h *Handler) GetCollaborationSession(w http.ResponseWriter, r *http.Request) {
	room, participants, err := h.rooms.Get(r.Context(), r.URL.Query().Get("sessionId"))
	if errors.Is(err, collaboration.ErrRoomNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"session":      nil,
			"participants": []models.Participant{},
		})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"session":      room,
		"participants": participants,
	})
}
