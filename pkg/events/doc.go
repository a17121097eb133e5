// Package events buffers tracked events and ships them to the events API in
// batches.
//
// The queue holds two kinds of events. Discrete events are appended as-is.
// Aggregate events are compressed by (type, target): the first occurrence is
// stored and later occurrences increment its value instead of adding another
// record, so a hot code path evaluating the same variable thousands of times
// produces a single counter.
//
// Enqueuing arms a trailing-edge debounce scheduler rather than flushing
// immediately. A flush snapshots and clears both buffers, binds the combined
// batch to a point-in-time copy of the current user, and submits every
// pending payload, including batches left over from earlier failed flushes.
// A retryable delivery failure keeps the payload queued for the next cycle; a
// terminal failure drops the batch and logs it.
//
// Exactly one flush runs at a time. Events enqueued while a flush is in
// progress are captured by the next cycle, which the scheduler re-arms for
// automatically. Close stops accepting new events and performs one final
// best-effort drain.
package events
