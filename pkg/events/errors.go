package events

import "errors"

// Predefined errors for the events package.
var (
	// ErrTypeRequired indicates an aggregate event was enqueued without a type.
	ErrTypeRequired = errors.New("events: aggregate event type must be set")

	// ErrTargetRequired indicates an aggregate event was enqueued without a target.
	ErrTargetRequired = errors.New("events: aggregate event target must be set")

	// ErrNilPublisher indicates the queue was constructed without a publisher.
	ErrNilPublisher = errors.New("events: publisher cannot be nil")

	// ErrQueueClosed indicates an explicit flush was requested after Close.
	ErrQueueClosed = errors.New("events: queue is closed")

	// ErrFlushIncomplete indicates at least one payload is still pending
	// after a flush pass; it will be retried on the next cycle.
	ErrFlushIncomplete = errors.New("events: failed to completely flush events queue")
)
