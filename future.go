package flagkit

import "time"

// Future is the promise-style form of the client's callback APIs. Both are
// produced by one internal implementation: the callback fires and the future
// resolves with the same single outcome.
type Future[T any] struct {
	result T
	err    error
	done   chan struct{}
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// resolvedFuture returns an already-completed future, used when an operation
// fails before any asynchronous work starts.
func resolvedFuture[T any](result T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(result, err)
	return f
}

// complete resolves the future. Must be called exactly once.
func (f *Future[T]) complete(result T, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Await blocks until the operation finishes and returns its outcome.
func (f *Future[T]) Await() (T, error) {
	<-f.done
	return f.result, f.err
}

// AwaitWithTimeout waits for completion up to timeout, returning
// ErrAwaitTimeout if the operation is still in progress when it elapses.
func (f *Future[T]) AwaitWithTimeout(timeout time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-time.After(timeout):
		var zero T
		return zero, ErrAwaitTimeout
	}
}

// IsComplete reports whether the operation has finished, without blocking.
func (f *Future[T]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
