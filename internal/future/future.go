// Package future provides a one-shot result that can be awaited by many
// goroutines.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by AwaitTimeout when the future does not complete
// in time.
var ErrTimeout = errors.New("future: timed out")

// Future is completed exactly once with a value or an error. Later calls to
// Complete are ignored.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns a pending future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a future that is already done.
func Completed[T any](value T, err error) *Future[T] {
	f := New[T]()
	f.Complete(value, err)
	return f
}

// Complete resolves the future. It reports whether this call won.
func (f *Future[T]) Complete(value T, err error) bool {
	won := false
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
		won = true
	})
	return won
}

// Done is closed once the future is complete.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future is complete.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the future completes or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AwaitTimeout blocks for at most d. A non-positive d waits forever.
func (f *Future[T]) AwaitTimeout(d time.Duration) (T, error) {
	if d <= 0 {
		<-f.done
		return f.value, f.err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Result returns the outcome of a completed future. It must only be called
// after Done is closed.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}
