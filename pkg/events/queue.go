package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/flagkit/pkg/debounce"
)

// Publisher delivers one sealed payload to the events API. Errors that
// expose Retryable() bool are classified by it; anything else is treated as
// a transport fault and retried on the next flush cycle.
type Publisher interface {
	PublishEvents(ctx context.Context, payload Payload) error
}

// FlushResult reports the outcome of one flush pass.
type FlushResult struct {
	Success bool
	Flushed int
	Err     error
}

// Option configures a Queue.
type Option func(*Queue)

// WithFlushInterval sets the debounce delay between an enqueue and the
// background flush it triggers. Default is 10 seconds.
func WithFlushInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.flushInterval = d
		}
	}
}

// WithLogger sets the logger for flush diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) {
		if log != nil {
			q.log = log
		}
	}
}

// Queue buffers discrete and aggregate events and flushes them in batches.
// All methods are safe for concurrent use.
type Queue struct {
	publisher     Publisher
	userSnapshot  func() any
	flushInterval time.Duration
	scheduler     *debounce.Scheduler
	log           *slog.Logger

	queueMu sync.Mutex
	queue   []Event

	aggMu     sync.Mutex
	aggregate map[string]map[string]Event

	// flushMu serializes flush passes; pending is only touched under it.
	flushMu sync.Mutex
	pending []Payload

	closed atomic.Bool
}

// NewQueue creates an event queue. userSnapshot must return a JSON-
// marshalable point-in-time copy of the current user; it is called once per
// sealed batch.
func NewQueue(publisher Publisher, userSnapshot func() any, opts ...Option) (*Queue, error) {
	if publisher == nil {
		return nil, ErrNilPublisher
	}
	if userSnapshot == nil {
		return nil, errors.New("events: user snapshot func cannot be nil")
	}

	q := &Queue{
		publisher:     publisher,
		userSnapshot:  userSnapshot,
		flushInterval: 10 * time.Second,
		aggregate:     make(map[string]map[string]Event),
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.scheduler = debounce.NewScheduler(q.flushInterval)

	return q, nil
}

// QueueEvent appends a discrete event and arms the background flush. Calls
// after Close are dropped silently.
func (q *Queue) QueueEvent(event Event) {
	if q.closed.Load() {
		q.log.Debug("event queue closed, dropping event", "type", event.Type)
		return
	}

	q.queueMu.Lock()
	q.queue = append(q.queue, event)
	q.queueMu.Unlock()

	q.armFlush()
}

// QueueAggregateEvent records an aggregate-eligible event. Repeated calls
// with the same (type, target) increment the stored value instead of adding
// another record. Calls after Close are dropped silently.
func (q *Queue) QueueAggregateEvent(event Event) error {
	if event.Type == "" {
		return ErrTypeRequired
	}
	if event.Target == "" {
		return ErrTargetRequired
	}
	if q.closed.Load() {
		q.log.Debug("event queue closed, dropping aggregate event", "type", event.Type)
		return nil
	}

	q.aggMu.Lock()
	byTarget, ok := q.aggregate[event.Type]
	if !ok {
		byTarget = make(map[string]Event)
		q.aggregate[event.Type] = byTarget
	}
	if existing, ok := byTarget[event.Target]; ok {
		existing.Value++
		byTarget[event.Target] = existing
	} else {
		byTarget[event.Target] = event
	}
	q.aggMu.Unlock()

	q.armFlush()
	return nil
}

// Flush seals the current buffers into a payload and submits every pending
// payload. Exactly one flush runs at a time; a caller arriving during a
// running flush waits for its turn. When throwOnFailure is set and at least
// one payload is still pending after the pass, the result carries the first
// retryable error.
func (q *Queue) Flush(ctx context.Context, throwOnFailure bool) FlushResult {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.sealBatch()

	if len(q.pending) == 0 {
		q.log.Debug("no events to flush")
		return FlushResult{Success: true}
	}

	var (
		flushed    int
		firstError error
		remaining  []Payload
	)

	for _, payload := range q.pending {
		err := q.publisher.PublishEvents(ctx, payload)
		switch {
		case err == nil:
			flushed += len(payload.Events)
			q.log.Debug("flushed events", "count", len(payload.Events))
		case isTerminal(err):
			q.log.Error("dropping event batch after non-retryable failure",
				"count", len(payload.Events), "error", err)
		default:
			q.log.Warn("event flush failed, batch will be retried", "error", err)
			if firstError == nil {
				firstError = err
			}
			remaining = append(remaining, payload)
		}
	}
	q.pending = remaining

	// Events that arrived while this flush was running belong to the next
	// cycle; make sure one happens.
	q.queueMu.Lock()
	rearm := len(q.queue) > 0
	q.queueMu.Unlock()
	if rearm && !q.closed.Load() {
		q.armFlush()
	}

	result := FlushResult{Success: len(remaining) == 0, Flushed: flushed}
	if !result.Success && throwOnFailure {
		result.Err = errors.Join(ErrFlushIncomplete, firstError)
	}
	return result
}

// Close stops accepting new events and performs one final best-effort drain.
// It is safe to call multiple times; only the first call drains.
func (q *Queue) Close(ctx context.Context) error {
	if !q.closed.CompareAndSwap(false, true) {
		return ErrQueueClosed
	}
	result := q.Flush(ctx, true)
	return result.Err
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	return q.closed.Load()
}

// sealBatch drains both buffers into one pending payload bound to the
// current user snapshot. Caller must hold flushMu. The two buffer locks are
// taken in sequence, never together.
func (q *Queue) sealBatch() {
	q.queueMu.Lock()
	batch := q.queue
	q.queue = nil
	q.queueMu.Unlock()

	q.aggMu.Lock()
	for _, byTarget := range q.aggregate {
		for _, event := range byTarget {
			batch = append(batch, event)
		}
	}
	clear(q.aggregate)
	q.aggMu.Unlock()

	if len(batch) == 0 {
		return
	}

	q.pending = append(q.pending, Payload{
		ID:     uuid.NewString(),
		User:   q.userSnapshot(),
		Events: batch,
	})
}

// armFlush schedules a background flush after the debounce window. A flush
// already running simply causes the scheduled one to pick up the new events.
func (q *Queue) armFlush() {
	q.scheduler.Schedule(func() {
		result := q.Flush(context.Background(), false)
		if !result.Success {
			q.log.Warn("background event flush incomplete, pending batches kept")
		}
	})
}

func isTerminal(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && !r.Retryable()
}
