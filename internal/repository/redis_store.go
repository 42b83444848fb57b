package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"regio-portal/internal/models"
)

/*
REDIS DURABLE STORE

Alternative to Postgres for deployments that already run Redis.

	collab:events:{session}        ZSET    score = timestamp, member = "<seq>|<event JSON>"
	collab:events:{session}:seq    STRING  per-session insert counter
	analytics:session:{id}         HASH    session columns
	analytics:session:{id}:users   SET     every user id attached to the session
	collab:room:{id}               HASH    room columns
	collab:room:{id}:participants  HASH    user id -> participant JSON

Members with equal scores are ordered by their bytes. The zero-padded
sequence prefix makes that order the insertion order, matching the Postgres
store's (timestamp, id) ordering.

Every key carries a retention TTL that is refreshed on write.
*/

const (
	eventsKeyPrefix  = "collab:events:"
	sessionKeyPrefix = "analytics:session:"
	roomKeyPrefix    = "collab:room:"
)

type RedisStore struct {
	rdb       *redis.Client
	retention time.Duration
	now       func() time.Time
}

// NewRedisStore wraps rdb. retention <= 0 keeps keys forever.
func NewRedisStore(rdb *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, retention: retention, now: time.Now}
}

func eventsKey(sessionID string) string   { return eventsKeyPrefix + sessionID }
func eventSeqKey(sessionID string) string { return eventsKeyPrefix + sessionID + ":seq" }
func sessionKey(sessionID string) string  { return sessionKeyPrefix + sessionID }
func usersKey(sessionID string) string    { return sessionKeyPrefix + sessionID + ":users" }
func roomKey(roomID string) string         { return roomKeyPrefix + roomID }
func participantsKey(roomID string) string { return roomKeyPrefix + roomID + ":participants" }

const memberSeparator = "|"

func eventMember(seq int64, payload []byte) string {
	return fmt.Sprintf("%020d%s%s", seq, memberSeparator, payload)
}

func decodeEventMember(m string) (models.CollaborationEvent, error) {
	_, payload, ok := strings.Cut(m, memberSeparator)
	if !ok {
		return models.CollaborationEvent{}, fmt.Errorf("malformed event member %q", m)
	}
	var evt models.CollaborationEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return models.CollaborationEvent{}, fmt.Errorf("failed to decode event: %w", err)
	}
	return evt, nil
}

func (s *RedisStore) InsertEvent(ctx context.Context, sessionID string, evt models.CollaborationEvent) error {
	evt.SessionID = sessionID
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	seq, err := s.rdb.Incr(ctx, eventSeqKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, eventsKey(sessionID), redis.Z{Score: float64(evt.Timestamp), Member: eventMember(seq, payload)})
	s.expire(ctx, pipe, eventsKey(sessionID))
	s.expire(ctx, pipe, eventSeqKey(sessionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store event: %w", err)
	}
	return nil
}

func (s *RedisStore) QueryEventsSince(ctx context.Context, sessionID string, since int64, limit int) ([]models.CollaborationEvent, error) {
	members, err := s.rdb.ZRangeByScore(ctx, eventsKey(sessionID), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	events := make([]models.CollaborationEvent, 0, len(members))
	for _, m := range members {
		evt, err := decodeEventMember(m)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, nil
}

// UpsertSession keeps started_at unless the stored session had ended, in
// which case the session is reopened.
func (s *RedisStore) UpsertSession(ctx context.Context, sess models.Session) error {
	meta, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode session metadata: %w", err)
	}

	key := sessionKey(sess.ID)
	reopen, err := s.rdb.HExists(ctx, key, "ended_at").Result()
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if reopen {
		pipe.HDel(ctx, key, "ended_at")
		pipe.HSet(ctx, key, "started_at", sess.StartedAt.UnixMilli())
	} else {
		pipe.HSetNX(ctx, key, "started_at", sess.StartedAt.UnixMilli())
	}
	pipe.HSet(ctx, key,
		"user_id", sess.UserID,
		"last_activity", sess.LastActivity.UnixMilli(),
		"page_count", sess.PageCount,
		"metadata", meta,
	)
	s.expire(ctx, pipe, key)
	if sess.UserID != "" {
		pipe.SAdd(ctx, usersKey(sess.ID), sess.UserID)
		s.expire(ctx, pipe, usersKey(sess.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *RedisStore) EndSession(ctx context.Context, sessionID string) (models.Session, error) {
	key := sessionKey(sessionID)
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return models.Session{}, ErrNotFound
	}

	if _, ended := fields["ended_at"]; !ended {
		endedAt := strconv.FormatInt(s.now().UnixMilli(), 10)
		if err := s.rdb.HSetNX(ctx, key, "ended_at", endedAt).Err(); err != nil {
			return models.Session{}, fmt.Errorf("failed to end session: %w", err)
		}
		fields["ended_at"] = endedAt
	}
	return sessionFromHash(sessionID, fields)
}

// UpsertRoom keeps the first created_at and overwrites the other columns.
func (s *RedisStore) UpsertRoom(ctx context.Context, room models.Room) error {
	key := roomKey(room.ID)
	pipe := s.rdb.TxPipeline()
	pipe.HSetNX(ctx, key, "created_at", room.CreatedAt.UnixMilli())
	pipe.HSet(ctx, key,
		"title", room.Title,
		"category", room.Category,
		"updated_at", room.UpdatedAt.UnixMilli(),
	)
	s.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert room: %w", err)
	}
	return nil
}

// UpsertParticipant stores p under its user id. The first joined_at is kept.
func (s *RedisStore) UpsertParticipant(ctx context.Context, p models.Participant) error {
	key := participantsKey(p.SessionID)
	prev, err := s.rdb.HGet(ctx, key, p.UserID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	if prev != "" {
		var old models.Participant
		if err := json.Unmarshal([]byte(prev), &old); err == nil && !old.JoinedAt.IsZero() {
			p.JoinedAt = old.JoinedAt
		}
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode participant: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, p.UserID, payload)
	s.expire(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

// LoadRoom returns the room and every participant ordered by joined_at.
func (s *RedisStore) LoadRoom(ctx context.Context, roomID string) (models.Room, []models.Participant, error) {
	fields, err := s.rdb.HGetAll(ctx, roomKey(roomID)).Result()
	if err != nil {
		return models.Room{}, nil, fmt.Errorf("failed to load room: %w", err)
	}
	if len(fields) == 0 {
		return models.Room{}, nil, ErrNotFound
	}

	room := models.Room{ID: roomID, Title: fields["title"], Category: fields["category"]}
	if room.CreatedAt, err = millisField(fields, "created_at"); err != nil {
		return models.Room{}, nil, err
	}
	if room.UpdatedAt, err = millisField(fields, "updated_at"); err != nil {
		return models.Room{}, nil, err
	}

	vals, err := s.rdb.HVals(ctx, participantsKey(roomID)).Result()
	if err != nil {
		return models.Room{}, nil, fmt.Errorf("failed to load participants: %w", err)
	}
	participants := make([]models.Participant, 0, len(vals))
	for _, v := range vals {
		var p models.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return models.Room{}, nil, fmt.Errorf("failed to decode participant: %w", err)
		}
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	return room, participants, nil
}

// KnownUsers returns every user id attached to a session.
func (s *RedisStore) KnownUsers(ctx context.Context, sessionID string) ([]string, error) {
	return s.rdb.SMembers(ctx, usersKey(sessionID)).Result()
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.retention > 0 {
		pipe.Expire(ctx, key, s.retention)
	}
}

func sessionFromHash(id string, f map[string]string) (models.Session, error) {
	sess := models.Session{ID: id, UserID: f["user_id"]}

	var err error
	if sess.StartedAt, err = millisField(f, "started_at"); err != nil {
		return models.Session{}, err
	}
	if sess.LastActivity, err = millisField(f, "last_activity"); err != nil {
		return models.Session{}, err
	}
	if v := f["page_count"]; v != "" {
		if sess.PageCount, err = strconv.Atoi(v); err != nil {
			return models.Session{}, fmt.Errorf("bad page_count: %w", err)
		}
	}
	if v := f["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Metadata); err != nil {
			return models.Session{}, fmt.Errorf("bad metadata: %w", err)
		}
	}
	_, sess.Ended = f["ended_at"]
	return sess, nil
}

func millisField(f map[string]string, name string) (time.Time, error) {
	v := f[name]
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad %s: %w", name, err)
	}
	return time.UnixMilli(ms), nil
}
