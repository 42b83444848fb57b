package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regio-portal/internal/models"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, time.Hour), mr
}

func TestRedisStore_EventsRoundTrip(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	for _, ts := range []int64{30, 10, 20, 40} {
		require.NoError(t, store.InsertEvent(ctx, "s", models.CollaborationEvent{
			Type:      models.EventElementAdded,
			UserID:    "u",
			Timestamp: ts,
			Payload:   json.RawMessage(`{"x":1}`),
		}))
	}

	events, err := store.QueryEventsSince(ctx, "s", 10, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(20), events[0].Timestamp)
	assert.Equal(t, int64(30), events[1].Timestamp)
	assert.Equal(t, "s", events[0].SessionID)
	assert.JSONEq(t, `{"x":1}`, string(events[0].Payload))

	assert.Equal(t, time.Hour, mr.TTL(eventsKey("s")))

	none, err := store.QueryEventsSince(ctx, "other", 0, 50)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRedisStore_SessionLifecycle(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()
	started := time.UnixMilli(1_700_000_000_000)

	sess := models.Session{
		ID:           "s",
		StartedAt:    started,
		LastActivity: started,
		Metadata:     models.SessionMetadata{UserAgent: "curl"},
	}
	require.NoError(t, store.UpsertSession(ctx, sess))

	sess.UserID = "u1"
	sess.PageCount = 3
	sess.LastActivity = started.Add(time.Minute)
	sess.StartedAt = started.Add(time.Hour) // ignored on update
	require.NoError(t, store.UpsertSession(ctx, sess))

	store.now = func() time.Time { return started.Add(2 * time.Minute) }
	ended, err := store.EndSession(ctx, "s")
	require.NoError(t, err)

	assert.True(t, ended.Ended)
	assert.Equal(t, "u1", ended.UserID)
	assert.Equal(t, 3, ended.PageCount)
	assert.True(t, started.Equal(ended.StartedAt))
	assert.True(t, started.Add(time.Minute).Equal(ended.LastActivity))
	assert.Equal(t, "curl", ended.Metadata.UserAgent)

	users, err := store.KnownUsers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	_, err = store.EndSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_EqualTimestampsKeepInsertOrder(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	// Byte order of the encoded events would put "alice" first.
	for _, user := range []string{"zoe", "mia", "alice"} {
		require.NoError(t, store.InsertEvent(ctx, "s", models.CollaborationEvent{
			Type:      models.EventCursorMoved,
			UserID:    user,
			Timestamp: 500,
		}))
	}

	events, err := store.QueryEventsSince(ctx, "s", 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"zoe", "mia", "alice"},
		[]string{events[0].UserID, events[1].UserID, events[2].UserID})
}

func TestRedisStore_UpsertReopensEndedSession(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	first := time.UnixMilli(1_700_000_000_000)
	second := first.Add(10 * time.Minute)

	require.NoError(t, store.UpsertSession(ctx, models.Session{ID: "tab-1", StartedAt: first, LastActivity: first}))
	_, err := store.EndSession(ctx, "tab-1")
	require.NoError(t, err)

	require.NoError(t, store.UpsertSession(ctx, models.Session{ID: "tab-1", StartedAt: second, LastActivity: second}))
	assert.Empty(t, mr.HGet(sessionKey("tab-1"), "ended_at"))

	store.now = func() time.Time { return second.Add(time.Minute) }
	ended, err := store.EndSession(ctx, "tab-1")
	require.NoError(t, err)
	assert.True(t, ended.Ended)
	assert.True(t, second.Equal(ended.StartedAt))
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.SetError("ERR store unavailable")

	err := store.InsertEvent(context.Background(), "s", models.CollaborationEvent{Type: models.EventCursorMoved, UserID: "u"})
	assert.Error(t, err)
	_, err = store.QueryEventsSince(context.Background(), "s", 0, 10)
	assert.Error(t, err)
}

func TestRedisStore_RoomLifecycle(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()
	t0 := time.UnixMilli(1_700_000_000_000)

	_, _, err := store.LoadRoom(ctx, "plan-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.UpsertRoom(ctx, models.Room{
		ID: "plan-1", Title: "Budget", Category: "finance", CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, store.UpsertParticipant(ctx, models.Participant{
		SessionID: "plan-1", UserID: "bo", UserName: "Bo", UserColor: "#111",
		JoinedAt: t0.Add(time.Second), LastSeen: t0.Add(time.Second), IsActive: true,
	}))
	require.NoError(t, store.UpsertParticipant(ctx, models.Participant{
		SessionID: "plan-1", UserID: "al", UserName: "Al", UserColor: "#222",
		JoinedAt: t0, LastSeen: t0, IsActive: true,
	}))

	later := t0.Add(time.Minute)
	require.NoError(t, store.UpsertRoom(ctx, models.Room{
		ID: "plan-1", Title: "Budget v2", Category: "finance", CreatedAt: later, UpdatedAt: later,
	}))
	require.NoError(t, store.UpsertParticipant(ctx, models.Participant{
		SessionID: "plan-1", UserID: "bo", UserName: "Bo", UserColor: "#111",
		JoinedAt: later, LastSeen: later, IsActive: false,
	}))

	room, participants, err := store.LoadRoom(ctx, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, "Budget v2", room.Title)
	assert.True(t, room.CreatedAt.Equal(t0), "created_at is kept")
	assert.True(t, room.UpdatedAt.Equal(later))

	require.Len(t, participants, 2)
	assert.Equal(t, "al", participants[0].UserID)
	assert.Equal(t, "bo", participants[1].UserID)
	assert.False(t, participants[1].IsActive)
	assert.True(t, participants[1].JoinedAt.Equal(t0.Add(time.Second)), "joined_at is kept")

	assert.Equal(t, time.Hour, mr.TTL(roomKey("plan-1")))
	assert.Equal(t, time.Hour, mr.TTL(participantsKey("plan-1")))
}
