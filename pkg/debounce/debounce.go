package debounce

import (
	"sync/atomic"
	"time"
)

// Scheduler defers an action until a quiet period after the first trigger.
// All methods are safe for concurrent use. The zero value is not usable; use
// NewScheduler.
type Scheduler struct {
	delay time.Duration
	armed atomic.Bool
}

// NewScheduler creates a scheduler that waits delay before running a
// scheduled action. A non-positive delay is clamped to a minimal value so the
// action still runs asynchronously.
func NewScheduler(delay time.Duration) *Scheduler {
	if delay <= 0 {
		delay = time.Millisecond
	}
	return &Scheduler{delay: delay}
}

// Schedule arms the scheduler to run action after the configured delay.
// While a cycle is armed, further calls are no-ops; the pending action wins
// and later actions are dropped. The scheduler disarms before invoking the
// action, so work discovered during a running action can arm the next cycle.
// The action runs on its own goroutine.
func (s *Scheduler) Schedule(action func()) {
	if !s.armed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		time.Sleep(s.delay)
		s.armed.Store(false)
		action()
	}()
}

// Armed reports whether a cycle is currently pending.
func (s *Scheduler) Armed() bool {
	return s.armed.Load()
}
