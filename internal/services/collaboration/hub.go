package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"regio-portal/internal/middleware"
	"regio-portal/internal/models"
)

/*
WEBSOCKET HUB

Live fan-out for collaboration sessions. Every connected socket is a Client in
the room of its session id.

A single Run goroutine owns room membership changes and broadcasts. Clients
talk to it through channels:

	register   -> join a room
	unregister -> leave a room, close the send channel
	broadcast  -> deliver to every client of the room except the sender

Only the hub closes a client's send channel. The client's own goroutine may
still reply to it afterwards, so every send goes through trySend, which checks
the closed flag under the client's mutex.

Events received from a socket go through the Reconciler first, so the live
stream and Query always agree.
*/

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// Message types sent to clients.
const (
	MessageBacklog = "backlog"
	MessageEvent   = "event"
	MessageError   = "error"
)

// ServerMessage is the envelope written to sockets.
type ServerMessage struct {
	Type        string                      `json:"type"`
	Event       *models.CollaborationEvent  `json:"event,omitempty"`
	Events      []models.CollaborationEvent `json:"events,omitempty"`
	ActiveUsers int                         `json:"activeUsers,omitempty"`
	Error       string                      `json:"error,omitempty"`
}

type broadcastMessage struct {
	sessionID string
	payload   []byte
	sender    *Client // skipped when set
}

// Hub coordinates websocket clients per collaboration session.
type Hub struct {
	rooms map[string]map[*Client]bool
	mu    sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage
	done       chan struct{}
	closeOnce  sync.Once

	reconciler *Reconciler
	log        zerolog.Logger
}

func NewHub(reconciler *Reconciler, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
		reconciler: reconciler,
		log:        log.With().Str("component", "ws_hub").Logger(),
	}
}

// Run processes membership and broadcasts until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) error {
	h.log.Info().Msg("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case msg := <-h.broadcast:
			h.handleBroadcast(msg)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[c.SessionID] == nil {
		h.rooms[c.SessionID] = make(map[*Client]bool)
	}
	h.rooms[c.SessionID][c] = true

	h.log.Debug().Str("session_id", c.SessionID).Str("client_id", c.ID).
		Int("clients", len(h.rooms[c.SessionID])).Msg("client joined")
}

func (h *Hub) handleUnregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	room, ok := h.rooms[c.SessionID]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	c.closeSend()
	if len(room) == 0 {
		delete(h.rooms, c.SessionID)
	}
	h.log.Debug().Str("session_id", c.SessionID).Str("client_id", c.ID).
		Int("clients", len(room)).Msg("client left")
}

func (h *Hub) handleBroadcast(msg *broadcastMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.rooms[msg.sessionID] {
		if c == msg.sender {
			continue
		}
		if !c.trySend(msg.payload) {
			h.log.Warn().Str("client_id", c.ID).Msg("client send buffer full, disconnecting")
			h.removeLocked(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		for c := range room {
			c.closeSend()
		}
	}
	h.rooms = make(map[string]map[*Client]bool)
	h.log.Info().Msg("websocket hub stopped")
}

// Join registers c with the hub. It reports false once the hub has stopped.
func (h *Hub) Join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Leave unregisters c.
func (h *Hub) Leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends msg to every client of the session except sender.
func (h *Hub) Broadcast(sessionID string, msg ServerMessage, sender *Client) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to encode broadcast")
		return
	}
	select {
	case h.broadcast <- &broadcastMessage{sessionID: sessionID, payload: payload, sender: sender}:
	case <-h.done:
	}
}

// Clients returns how many sockets are connected to a session.
func (h *Hub) Clients(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Client is one websocket connection.
type Client struct {
	ID        string
	SessionID string
	UserID    string

	conn *websocket.Conn
	hub  *Hub

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewClient(hub *Hub, conn *websocket.Conn, id, sessionID, userID string) *Client {
	return &Client{
		ID:        id,
		SessionID: sessionID,
		UserID:    userID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		hub:       hub,
	}
}

// Enqueue queues msg for this client only.
func (c *Client) Enqueue(msg ServerMessage) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	return c.trySend(payload)
}

// trySend never blocks. It reports false when the buffer is full or the hub
// already closed the channel.
func (c *Client) trySend(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// announce appends a join/leave event and fans it out.
func (c *Client) announce(ctx context.Context, typ models.EventType) {
	evt := models.CollaborationEvent{Type: typ, UserID: c.UserID, Timestamp: c.hub.reconciler.clock.Now().UnixMilli()}
	res, err := c.hub.reconciler.Append(ctx, c.SessionID, evt)
	if err != nil {
		c.hub.log.Warn().Err(err).Str("session_id", c.SessionID).Msg("failed to record presence event")
		return
	}
	evt.SessionID = c.SessionID
	c.hub.Broadcast(c.SessionID, ServerMessage{Type: MessageEvent, Event: &evt, ActiveUsers: res.ActiveUsers}, c)
}

// ReadPump reads events from the socket until it closes. It runs on the
// connection's handler goroutine.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.announce(ctx, models.EventUserLeft)
		c.hub.Leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn().Err(err).Str("client_id", c.ID).Msg("websocket read error")
			}
			return
		}
		c.handleMessage(ctx, data)
	}
}

func (c *Client) handleMessage(ctx context.Context, data []byte) {
	ctx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
		attribute.String("session.id", c.SessionID),
		attribute.String("client.id", c.ID),
		attribute.Int("message.size", len(data)),
	)
	defer span.End()

	var evt models.CollaborationEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		middleware.AddSpanError(ctx, err)
		c.Enqueue(ServerMessage{Type: MessageError, Error: "malformed event"})
		return
	}
	if evt.UserID == "" {
		evt.UserID = c.UserID
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = c.hub.reconciler.clock.Now().UnixMilli()
	}

	res, err := c.hub.reconciler.Append(ctx, c.SessionID, evt)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		msg := "failed to record event"
		if errors.Is(err, ErrInvalidEvent) {
			msg = err.Error()
		}
		c.Enqueue(ServerMessage{Type: MessageError, Error: msg})
		return
	}

	evt.SessionID = c.SessionID
	c.hub.Broadcast(c.SessionID, ServerMessage{Type: MessageEvent, Event: &evt, ActiveUsers: res.ActiveUsers}, c)
}

// WritePump drains the send channel to the socket and keeps it alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
