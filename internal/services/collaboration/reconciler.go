package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"regio-portal/internal/clock"
	"regio-portal/internal/middleware"
	"regio-portal/internal/models"
)

/*
EVENT RECONCILER

Each collaboration session owns a bounded ring buffer of its most recent
events plus the set of users that contributed at least one event.

Writes go to the buffer first and then, outside every lock, to the durable
store. A failed durable write is handed to the RetryDispatcher and never
rolls back the buffer.

Reads prefer the buffer. Only when the buffer has nothing newer than the
requested timestamp is the durable store asked, and the two views are merged
by timestamp with duplicates removed.

Sessions are spread over shards by xxhash of the id so unrelated sessions do
not contend on one map lock. Each session then has its own mutex.

A buffer lives as long as its room: Sweep drops it once nothing was appended
for IdleTimeout and the liveness source no longer reports the room.
*/

var (
	ErrMissingSessionID = errors.New("sessionId is required")
	ErrInvalidEvent     = errors.New("invalid collaboration event")
)

// EventStore is the durable side of the reconciler.
type EventStore interface {
	InsertEvent(ctx context.Context, sessionID string, evt models.CollaborationEvent) error
	QueryEventsSince(ctx context.Context, sessionID string, since int64, limit int) ([]models.CollaborationEvent, error)
}

// SessionLiveness reports whether a collaboration room is still in use.
type SessionLiveness interface {
	Exists(sessionID string) bool
}

type Options struct {
	BufferCapacity int
	PageSize       int
	Shards         int
	StoreTimeout   time.Duration
	IdleTimeout    time.Duration
	Clock          clock.Clock
}

// AppendResult reports the session state right after an append.
type AppendResult struct {
	EventCount  int `json:"eventCount"`
	ActiveUsers int `json:"activeUsers"`
}

type sessionState struct {
	mu         sync.Mutex
	buf        *ringBuffer
	users      map[string]struct{}
	lastAppend time.Time
	removed    bool // set by Sweep; appenders must look the session up again
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// Reconciler is safe for concurrent use.
type Reconciler struct {
	shards   []*shard
	store    EventStore
	liveness SessionLiveness
	retry    *RetryDispatcher
	opts     Options
	clock    clock.Clock
	log      zerolog.Logger
}

// NewReconciler creates a reconciler. store, liveness and retry may be nil.
func NewReconciler(opts Options, store EventStore, liveness SessionLiveness, retry *RetryDispatcher, log zerolog.Logger) *Reconciler {
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = 100
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Shards <= 0 {
		opts.Shards = 32
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = time.Hour
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	shards := make([]*shard, opts.Shards)
	for i := range shards {
		shards[i] = &shard{sessions: make(map[string]*sessionState)}
	}

	return &Reconciler{
		shards:   shards,
		store:    store,
		liveness: liveness,
		retry:    retry,
		opts:     opts,
		clock:    opts.Clock,
		log:      log.With().Str("component", "event_reconciler").Logger(),
	}
}

func (r *Reconciler) shardFor(sessionID string) *shard {
	return r.shards[xxhash.Sum64String(sessionID)%uint64(len(r.shards))]
}

// lookup returns the session state, creating it when create is set.
func (r *Reconciler) lookup(sessionID string, create bool) *sessionState {
	sh := r.shardFor(sessionID)

	sh.mu.RLock()
	st, ok := sh.sessions[sessionID]
	sh.mu.RUnlock()
	if ok || !create {
		return st
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if st, ok = sh.sessions[sessionID]; ok {
		return st
	}
	st = &sessionState{
		buf:        newRingBuffer(r.opts.BufferCapacity),
		users:      make(map[string]struct{}),
		lastAppend: r.clock.Now(),
	}
	sh.sessions[sessionID] = st
	return st
}

// Append records evt in the session buffer and writes it through to the
// durable store. Durable failures are absorbed.
func (r *Reconciler) Append(ctx context.Context, sessionID string, evt models.CollaborationEvent) (AppendResult, error) {
	if sessionID == "" {
		return AppendResult{}, ErrMissingSessionID
	}
	if err := evt.Validate(); err != nil {
		return AppendResult{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	evt.SessionID = sessionID
	now := r.clock.Now()
	if evt.Timestamp == 0 {
		evt.Timestamp = now.UnixMilli()
	}

	var res AppendResult
	for {
		st := r.lookup(sessionID, true)
		st.mu.Lock()
		if st.removed {
			st.mu.Unlock()
			continue
		}
		st.buf.push(evt)
		st.users[evt.UserID] = struct{}{}
		st.lastAppend = now
		res = AppendResult{EventCount: st.buf.len(), ActiveUsers: len(st.users)}
		st.mu.Unlock()
		break
	}

	r.writeDurable(ctx, sessionID, evt)
	return res, nil
}

func (r *Reconciler) writeDurable(ctx context.Context, sessionID string, evt models.CollaborationEvent) {
	if r.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "EventStore.InsertEvent",
		attribute.String("session.id", sessionID),
		attribute.String("event.type", string(evt.Type)),
	)
	defer span.End()

	err := r.store.InsertEvent(ctx, sessionID, evt)
	if err == nil {
		return
	}
	middleware.AddSpanError(ctx, err)

	if r.retry == nil {
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("durable event write failed")
		return
	}
	queued := r.retry.Enqueue(RetryJob{SessionID: sessionID, Event: evt})
	middleware.AddSpanEvent(ctx, "retry.handoff", attribute.Bool("retry.queued", queued))
	r.log.Warn().Err(err).Str("session_id", sessionID).Bool("queued", queued).Msg("durable event write failed")
}

// Query returns the events of a session newer than since, ascending by
// timestamp. The durable store is consulted only when the buffer has none.
func (r *Reconciler) Query(ctx context.Context, sessionID string, since int64) ([]models.CollaborationEvent, error) {
	if sessionID == "" {
		return nil, ErrMissingSessionID
	}

	var local []models.CollaborationEvent
	if st := r.lookup(sessionID, false); st != nil {
		st.mu.Lock()
		local = st.buf.since(since)
		st.mu.Unlock()
	}
	if len(local) > 0 || r.store == nil {
		return local, nil
	}

	durable := r.readDurable(ctx, sessionID, since)
	return mergeEvents(local, durable), nil
}

func (r *Reconciler) readDurable(ctx context.Context, sessionID string, since int64) []models.CollaborationEvent {
	ctx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "EventStore.QueryEventsSince",
		attribute.String("session.id", sessionID),
		attribute.Int64("since", since),
	)
	defer span.End()

	events, err := r.store.QueryEventsSince(ctx, sessionID, since, r.opts.PageSize)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		r.log.Warn().Err(err).Str("session_id", sessionID).Msg("durable event read failed")
		return nil
	}
	for i := range events {
		events[i].SessionID = sessionID
	}
	return events
}

// mergeEvents concatenates the views, stable-sorts by timestamp and keeps the
// first occurrence of every (session, user, timestamp, type) key.
func mergeEvents(views ...[]models.CollaborationEvent) []models.CollaborationEvent {
	var all []models.CollaborationEvent
	for _, v := range views {
		all = append(all, v...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp < all[j].Timestamp })

	seen := make(map[models.EventKey]struct{}, len(all))
	out := all[:0]
	for _, evt := range all {
		k := evt.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, evt)
	}
	return out
}

// ActiveUserCount returns how many distinct users contributed to a session.
func (r *Reconciler) ActiveUserCount(sessionID string) int {
	st := r.lookup(sessionID, false)
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.users)
}

// Sessions returns the number of buffered sessions.
func (r *Reconciler) Sessions() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Sweep drops the buffers of rooms idle for IdleTimeout that the liveness
// source no longer reports.
func (r *Reconciler) Sweep() int {
	cutoff := r.clock.Now().Add(-r.opts.IdleTimeout)

	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, st := range sh.sessions {
			st.mu.Lock()
			idle := !st.lastAppend.After(cutoff)
			st.mu.Unlock()
			if !idle || (r.liveness != nil && r.liveness.Exists(id)) {
				continue
			}
			st.mu.Lock()
			st.removed = true
			st.mu.Unlock()
			delete(sh.sessions, id)
			removed++
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		r.log.Info().Int("count", removed).Msg("event buffers of idle rooms dropped")
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Reconciler) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
