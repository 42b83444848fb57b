package collaboration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regio-portal/internal/clock"
	"regio-portal/internal/models"
)

type fakeRoomStore struct {
	mu           sync.Mutex
	rooms        map[string]models.Room
	participants map[string]map[string]models.Participant
	err          error
}

func newFakeRoomStore() *fakeRoomStore {
	return &fakeRoomStore{
		rooms:        make(map[string]models.Room),
		participants: make(map[string]map[string]models.Participant),
	}
}

func (f *fakeRoomStore) UpsertRoom(_ context.Context, room models.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if prev, ok := f.rooms[room.ID]; ok {
		room.CreatedAt = prev.CreatedAt
	}
	f.rooms[room.ID] = room
	return nil
}

func (f *fakeRoomStore) UpsertParticipant(_ context.Context, p models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.participants[p.SessionID] == nil {
		f.participants[p.SessionID] = make(map[string]models.Participant)
	}
	f.participants[p.SessionID][p.UserID] = p
	return nil
}

func (f *fakeRoomStore) LoadRoom(_ context.Context, roomID string) (models.Room, []models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return models.Room{}, nil, f.err
	}
	room, ok := f.rooms[roomID]
	if !ok {
		return models.Room{}, nil, errors.New("not found")
	}
	var out []models.Participant
	for _, p := range f.participants[roomID] {
		out = append(out, p)
	}
	return room, out, nil
}

func (f *fakeRoomStore) participant(roomID, userID string) (models.Participant, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.participants[roomID][userID]
	return p, ok
}

func newTestRooms(store RoomStore) (*Rooms, *clock.Fake) {
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewRooms(RoomOptions{IdleTimeout: time.Hour, StoreTimeout: time.Second, Clock: clk}, store, zerolog.Nop()), clk
}

func TestRooms_JoinAppliesDefaults(t *testing.T) {
	rooms, clk := newTestRooms(nil)
	ctx := context.Background()

	room, user, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, "plan-1", room.ID)
	assert.Equal(t, DefaultRoomTitle, room.Title)
	assert.Equal(t, DefaultRoomCategory, room.Category)
	assert.Equal(t, clk.Now(), room.CreatedAt)

	assert.Equal(t, "plan-1", user.SessionID)
	assert.Equal(t, DefaultUserName, user.UserName)
	assert.Equal(t, DefaultUserColor, user.UserColor)
	assert.True(t, user.IsActive)
	assert.Equal(t, clk.Now(), user.JoinedAt)
}

func TestRooms_JoinValidates(t *testing.T) {
	rooms, _ := newTestRooms(nil)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, JoinRequest{UserID: "u1"})
	assert.ErrorIs(t, err, ErrMissingSessionID)

	_, _, err = rooms.Join(ctx, JoinRequest{SessionID: "plan-1"})
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, _, err = rooms.Get(ctx, "")
	assert.ErrorIs(t, err, ErrMissingSessionID)
}

func TestRooms_RejoinKeepsJoinTimeAndUpdatesProfile(t *testing.T) {
	rooms, clk := newTestRooms(nil)
	ctx := context.Background()

	_, first, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", Title: "Budget", UserID: "u1", UserName: "Ana"})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	room, again, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: "u1", UserColor: "#ff0000"})
	require.NoError(t, err)

	assert.Equal(t, "Budget", room.Title, "an empty title keeps the current one")
	assert.Equal(t, first.JoinedAt, again.JoinedAt)
	assert.Equal(t, clk.Now(), again.LastSeen)
	assert.Equal(t, "Ana", again.UserName)
	assert.Equal(t, "#ff0000", again.UserColor)
}

func TestRooms_GetListsActiveParticipantsByJoinTime(t *testing.T) {
	rooms, clk := newTestRooms(nil)
	ctx := context.Background()

	for _, u := range []string{"zed", "amy", "kim"} {
		_, _, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: u})
		require.NoError(t, err)
		clk.Advance(time.Second)
	}
	rooms.Leave(ctx, "plan-1", "amy")

	room, participants, err := rooms.Get(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "plan-1", room.ID)
	require.Len(t, participants, 2)
	assert.Equal(t, "zed", participants[0].UserID)
	assert.Equal(t, "kim", participants[1].UserID)

	_, _, err = rooms.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRooms_ExistsFollowsActiveParticipants(t *testing.T) {
	rooms, _ := newTestRooms(nil)
	ctx := context.Background()

	assert.False(t, rooms.Exists("plan-1"))

	_, _, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, rooms.Exists("plan-1"))

	rooms.Leave(ctx, "plan-1", "u1")
	assert.False(t, rooms.Exists("plan-1"))

	rooms.Leave(ctx, "plan-1", "nobody")
	rooms.Leave(ctx, "missing", "u1")
}

func TestRooms_SweepExpiresIdleParticipants(t *testing.T) {
	store := newFakeRoomStore()
	rooms, clk := newTestRooms(store)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, JoinRequest{SessionID: "quiet", UserID: "u1"})
	require.NoError(t, err)
	clk.Advance(30 * time.Minute)
	_, _, err = rooms.Join(ctx, JoinRequest{SessionID: "busy", UserID: "u2"})
	require.NoError(t, err)

	clk.Advance(30 * time.Minute)
	assert.Equal(t, 1, rooms.Sweep(ctx))
	assert.False(t, rooms.Exists("quiet"))
	assert.True(t, rooms.Exists("busy"))

	p, ok := store.participant("quiet", "u1")
	require.True(t, ok)
	assert.False(t, p.IsActive, "expiry is written through")

	room, participants, err := rooms.Get(ctx, "quiet")
	require.NoError(t, err, "a swept room is still served from the store")
	assert.Equal(t, "quiet", room.ID)
	assert.Empty(t, participants)
}

func TestRooms_GetFallsBackToStore(t *testing.T) {
	store := newFakeRoomStore()
	ctx := context.Background()

	writer, _ := newTestRooms(store)
	_, _, err := writer.Join(ctx, JoinRequest{SessionID: "plan-1", Title: "Roads", Category: "transport", UserID: "u1", UserName: "Ana"})
	require.NoError(t, err)

	reader, _ := newTestRooms(store)
	room, participants, err := reader.Get(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "Roads", room.Title)
	assert.Equal(t, "transport", room.Category)
	require.Len(t, participants, 1)
	assert.Equal(t, "Ana", participants[0].UserName)
}

func TestRooms_StoreFailureDoesNotFailJoin(t *testing.T) {
	store := newFakeRoomStore()
	store.err = errors.New("db down")
	rooms, _ := newTestRooms(store)
	ctx := context.Background()

	_, user, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, user.IsActive)

	_, participants, err := rooms.Get(ctx, "plan-1")
	require.NoError(t, err)
	assert.Len(t, participants, 1)

	_, _, err = rooms.Get(ctx, "other")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRooms_KeepReconcilerBuffersAlive(t *testing.T) {
	rooms, _ := newTestRooms(nil)
	r := newTestReconciler(nil, rooms)
	clk := r.clock.(*clock.Fake)
	ctx := context.Background()

	_, _, err := rooms.Join(ctx, JoinRequest{SessionID: "plan-1", UserID: "u1"})
	require.NoError(t, err)
	_, err = r.Append(ctx, "plan-1", event(models.EventElementAdded, "u1", 1))
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	assert.Equal(t, 0, r.Sweep())

	rooms.Leave(ctx, "plan-1", "u1")
	assert.Equal(t, 1, r.Sweep())
}
