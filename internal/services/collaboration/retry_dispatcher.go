package collaboration

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"regio-portal/internal/models"
)

/*
RETRY DISPATCHER

Durable writes that failed in the request path are retried here, in the
background:

  - Enqueue never blocks; a full queue drops the job and counts it
  - A fixed pool of workers drains the queue
  - Each job is retried with capped exponential backoff up to MaxAttempts,
    then dropped and logged

Delivery is best-effort. Jobs still queued at shutdown are lost, same as the
in-memory buffers.
*/

// RetryJob is a durable event write awaiting another attempt.
type RetryJob struct {
	SessionID string
	Event     models.CollaborationEvent
}

type RetryOptions struct {
	QueueSize      int
	Workers        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// RetryStats counts what happened to handed-off jobs.
type RetryStats struct {
	Queued    int    `json:"queued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type RetryDispatcher struct {
	store EventStore
	queue chan RetryJob
	opts  RetryOptions
	log   zerolog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func NewRetryDispatcher(store EventStore, opts RetryOptions, log zerolog.Logger) *RetryDispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}

	return &RetryDispatcher{
		store: store,
		queue: make(chan RetryJob, opts.QueueSize),
		opts:  opts,
		log:   log.With().Str("component", "retry_dispatcher").Logger(),
	}
}

// Enqueue hands a job to the workers. It reports false when the queue is
// full and the job was dropped.
func (d *RetryDispatcher) Enqueue(job RetryJob) bool {
	select {
	case d.queue <- job:
		return true
	default:
		d.dropped.Add(1)
		d.log.Warn().Str("session_id", job.SessionID).Msg("retry queue full, dropping event")
		return false
	}
}

// Run starts the worker pool and blocks until ctx is done and every worker
// has returned.
func (d *RetryDispatcher) Run(ctx context.Context) error {
	d.log.Info().Int("workers", d.opts.Workers).Int("queue_size", d.opts.QueueSize).Msg("retry dispatcher starting")

	var wg sync.WaitGroup
	for i := 0; i < d.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			d.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	d.log.Info().Int("pending", len(d.queue)).Msg("retry dispatcher stopped")
	return nil
}

func (d *RetryDispatcher) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			d.deliver(ctx, id, job)
		}
	}
}

func (d *RetryDispatcher) deliver(ctx context.Context, workerID int, job RetryJob) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = d.opts.BaseBackoff
	exp.MaxInterval = d.opts.MaxBackoff
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(d.opts.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() error {
		attempts++
		actx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()
		return d.store.InsertEvent(actx, job.SessionID, job.Event)
	}

	if err := backoff.Retry(op, policy); err != nil {
		d.dropped.Add(1)
		d.log.Error().Err(err).
			Str("session_id", job.SessionID).
			Str("event_type", string(job.Event.Type)).
			Int("attempts", attempts).
			Int("worker", workerID).
			Msg("durable event write abandoned")
		return
	}
	d.delivered.Add(1)
}

// Stats returns the dispatcher counters.
func (d *RetryDispatcher) Stats() RetryStats {
	return RetryStats{
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
	}
}
