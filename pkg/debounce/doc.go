// Package debounce coalesces repeated "something changed, act eventually"
// signals into a single deferred action.
//
// The scheduler is trailing-edge only: the first Schedule call arms a timer,
// and every further call while the timer is pending is a no-op. When the
// delay elapses the action runs once and the scheduler disarms. This
// guarantees at most one pending timer, not that every call produces an
// execution.
//
// The event queue uses it to avoid flushing on every enqueue: a burst of
// tracked events results in one flush after the quiet period.
package debounce
