package collaboration

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"regio-portal/internal/middleware"
	"regio-portal/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler upgrades /ws/collaboration/{id} connections. Connected
// users are joined to the room registry when one is set.
type WebSocketHandler struct {
	hub   *Hub
	rooms *Rooms
	log   zerolog.Logger
}

// NewWebSocketHandler creates the handler. rooms may be nil.
func NewWebSocketHandler(hub *Hub, rooms *Rooms, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, rooms: rooms, log: log.With().Str("component", "ws_handler").Logger()}
}

// HandleSessionConnection joins the caller to a collaboration session. The
// backlog is sent first, then a user_joined event is announced to the room.
// It blocks for the lifetime of the connection.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]
	if sessionID == "" {
		http.Error(w, ErrMissingSessionID.Error(), http.StatusBadRequest)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}
	clientID := uuid.NewString()

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID),
		attribute.String("client.id", clientID),
	)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		middleware.AddSpanError(ctx, err)
		span.End()
		return
	}

	client := NewClient(h.hub, conn, clientID, sessionID, userID)
	if !h.hub.Join(client) {
		conn.Close()
		span.End()
		return
	}

	backlog, err := h.hub.reconciler.Query(ctx, sessionID, 0)
	if err != nil {
		middleware.AddSpanError(ctx, err)
	}
	client.Enqueue(ServerMessage{
		Type:        MessageBacklog,
		Events:      backlog,
		ActiveUsers: h.hub.reconciler.ActiveUserCount(sessionID),
	})
	if h.rooms != nil {
		if _, _, err := h.rooms.Join(ctx, JoinRequest{
			SessionID: sessionID,
			UserID:    userID,
			UserName:  r.URL.Query().Get("user_name"),
		}); err != nil {
			middleware.AddSpanError(ctx, err)
		}
	}
	client.announce(ctx, models.EventUserJoined)
	span.End()

	h.log.Info().Str("session_id", sessionID).Str("user_id", userID).Str("client_id", clientID).
		Msg("websocket connection established")

	go client.WritePump()
	client.ReadPump(r.Context())

	if h.rooms != nil {
		h.rooms.Leave(context.WithoutCancel(r.Context()), sessionID, userID)
	}
}
