package collaboration

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"regio-portal/internal/clock"
	"regio-portal/internal/middleware"
	"regio-portal/internal/models"
)

/*
ROOM REGISTRY

A room is the named planning session participants join. The registry keeps
every room with its participants in memory and writes each change through
to the RoomStore. Store failures are logged and never fail a join.

A participant stays active until it leaves or is not seen for IdleTimeout.
A room with no active participant is dropped from memory by Sweep, after
which Get falls back to the store.

Rooms also serve as the reconciler's liveness source: a room with an active
participant keeps its event buffer. The registry never calls back into the
reconciler.
*/

const (
	DefaultRoomTitle    = "Collaborative Planning Session"
	DefaultRoomCategory = "general"
	DefaultUserName     = "Anonymous User"
	DefaultUserColor    = "#3b82f6"
)

var (
	ErrMissingUserID = errors.New("userId is required")
	ErrRoomNotFound  = errors.New("collaboration session not found")
)

// RoomStore is the durable side of the room registry.
type RoomStore interface {
	UpsertRoom(ctx context.Context, room models.Room) error
	UpsertParticipant(ctx context.Context, p models.Participant) error
	LoadRoom(ctx context.Context, roomID string) (models.Room, []models.Participant, error)
}

// JoinRequest is the body of a join. Empty optional fields keep the values
// already recorded, or fall back to the defaults for a new room or user.
type JoinRequest struct {
	SessionID string `json:"sessionId"`
	Title     string `json:"title"`
	Category  string `json:"category"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	UserColor string `json:"userColor"`
}

type RoomOptions struct {
	IdleTimeout  time.Duration
	StoreTimeout time.Duration
	Clock        clock.Clock
}

type roomState struct {
	room         models.Room
	participants map[string]*models.Participant
}

// Rooms is safe for concurrent use.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	store RoomStore
	opts  RoomOptions
	clock clock.Clock
	log   zerolog.Logger
}

// NewRooms creates a registry. store may be nil.
func NewRooms(opts RoomOptions, store RoomStore, log zerolog.Logger) *Rooms {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Rooms{
		rooms: make(map[string]*roomState),
		store: store,
		opts:  opts,
		clock: opts.Clock,
		log:   log.With().Str("component", "room_registry").Logger(),
	}
}

// Join creates the room on first use and marks the user active in it.
func (r *Rooms) Join(ctx context.Context, req JoinRequest) (models.Room, models.Participant, error) {
	if req.SessionID == "" {
		return models.Room{}, models.Participant{}, ErrMissingSessionID
	}
	if req.UserID == "" {
		return models.Room{}, models.Participant{}, ErrMissingUserID
	}
	now := r.clock.Now()

	r.mu.Lock()
	st, ok := r.rooms[req.SessionID]
	if !ok {
		st = &roomState{
			room: models.Room{
				ID:        req.SessionID,
				Title:     DefaultRoomTitle,
				Category:  DefaultRoomCategory,
				CreatedAt: now,
			},
			participants: make(map[string]*models.Participant),
		}
		r.rooms[req.SessionID] = st
	}
	if req.Title != "" {
		st.room.Title = req.Title
	}
	if req.Category != "" {
		st.room.Category = req.Category
	}
	st.room.UpdatedAt = now

	p, ok := st.participants[req.UserID]
	if !ok {
		p = &models.Participant{
			SessionID: req.SessionID,
			UserID:    req.UserID,
			UserName:  DefaultUserName,
			UserColor: DefaultUserColor,
			JoinedAt:  now,
		}
		st.participants[req.UserID] = p
	}
	if req.UserName != "" {
		p.UserName = req.UserName
	}
	if req.UserColor != "" {
		p.UserColor = req.UserColor
	}
	p.LastSeen = now
	p.IsActive = true

	room, joined := st.room, *p
	r.mu.Unlock()

	r.persist(ctx, &room, []models.Participant{joined})
	return room, joined, nil
}

// Leave marks the user inactive. Unknown rooms and users are ignored.
func (r *Rooms) Leave(ctx context.Context, roomID, userID string) {
	r.mu.Lock()
	st, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	p, ok := st.participants[userID]
	if !ok || !p.IsActive {
		r.mu.Unlock()
		return
	}
	p.IsActive = false
	p.LastSeen = r.clock.Now()
	left := *p
	r.mu.Unlock()

	r.persist(ctx, nil, []models.Participant{left})
}

// Get returns the room and its active participants ordered by join time.
func (r *Rooms) Get(ctx context.Context, roomID string) (models.Room, []models.Participant, error) {
	if roomID == "" {
		return models.Room{}, nil, ErrMissingSessionID
	}

	r.mu.RLock()
	st, ok := r.rooms[roomID]
	if ok {
		room := st.room
		active := make([]models.Participant, 0, len(st.participants))
		for _, p := range st.participants {
			if p.IsActive {
				active = append(active, *p)
			}
		}
		r.mu.RUnlock()
		sortByJoin(active)
		return room, active, nil
	}
	r.mu.RUnlock()

	if r.store == nil {
		return models.Room{}, nil, ErrRoomNotFound
	}
	return r.load(ctx, roomID)
}

func (r *Rooms) load(ctx context.Context, roomID string) (models.Room, []models.Participant, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "RoomStore.LoadRoom", attribute.String("session.id", roomID))
	defer span.End()

	room, all, err := r.store.LoadRoom(ctx, roomID)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		r.log.Debug().Err(err).Str("session_id", roomID).Msg("room not loaded from store")
		return models.Room{}, nil, ErrRoomNotFound
	}

	active := make([]models.Participant, 0, len(all))
	for _, p := range all {
		if p.IsActive {
			active = append(active, p)
		}
	}
	sortByJoin(active)
	return room, active, nil
}

// Exists reports whether the room has an active participant.
func (r *Rooms) Exists(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	for _, p := range st.participants {
		if p.IsActive {
			return true
		}
	}
	return false
}

// Sweep deactivates participants not seen for IdleTimeout and drops rooms
// left without an active participant. It returns the number of rooms dropped.
func (r *Rooms) Sweep(ctx context.Context) int {
	now := r.clock.Now()
	cutoff := now.Add(-r.opts.IdleTimeout)

	var expired []models.Participant
	removed := 0

	r.mu.Lock()
	for id, st := range r.rooms {
		active := 0
		for _, p := range st.participants {
			if !p.IsActive {
				continue
			}
			if !p.LastSeen.After(cutoff) {
				p.IsActive = false
				expired = append(expired, *p)
				continue
			}
			active++
		}
		if active == 0 && !st.room.UpdatedAt.After(cutoff) {
			delete(r.rooms, id)
			removed++
		}
	}
	r.mu.Unlock()

	r.persist(ctx, nil, expired)
	if removed > 0 || len(expired) > 0 {
		r.log.Info().Int("rooms", removed).Int("participants", len(expired)).Msg("idle rooms swept")
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Rooms) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Rooms) persist(ctx context.Context, room *models.Room, participants []models.Participant) {
	if r.store == nil || (room == nil && len(participants) == 0) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "RoomStore.Upsert",
		attribute.Bool("room.changed", room != nil),
		attribute.Int("participants", len(participants)),
	)
	defer span.End()

	if room != nil {
		if err := r.store.UpsertRoom(ctx, *room); err != nil {
			middleware.AddSpanError(ctx, err)
			r.log.Warn().Err(err).Str("session_id", room.ID).Msg("durable room write failed")
			return
		}
	}
	for _, p := range participants {
		if err := r.store.UpsertParticipant(ctx, p); err != nil {
			middleware.AddSpanError(ctx, err)
			r.log.Warn().Err(err).Str("session_id", p.SessionID).Str("user_id", p.UserID).
				Msg("durable participant write failed")
		}
	}
}

func sortByJoin(ps []models.Participant) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].JoinedAt.Before(ps[j].JoinedAt)
	})
}
