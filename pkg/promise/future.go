// Package promise provides a completion handle that resolves exactly once.
package promise

import (
	"context"
	"sync"
	"sync/atomic"
)

// Future is a single-assignment result cell. The first call to Complete or
// Fail wins; every later attempt is a no-op that reports false.
type Future[T any] struct {
	resolved atomic.Bool
	done     chan struct{}
	once     sync.Once

	val T
	err error

	mu        sync.Mutex
	callbacks []func(T, error)
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Completed returns a Future already resolved with v.
func Completed[T any](v T) *Future[T] {
	f := New[T]()
	f.Complete(v)
	return f
}

// Failed returns a Future already resolved with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Complete resolves the future successfully. It reports whether this call
// performed the resolution.
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail resolves the future with err. A nil err is treated as success with
// the zero value.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}
	f.val = v
	f.err = err

	f.mu.Lock()
	cbs := f.callbacks
	f.callbacks = nil
	f.once.Do(func() { close(f.done) })
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(v, err)
	}
	return true
}

// Done is closed once the future has been resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future has been resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the failure cause, or nil if unresolved or successful.
func (f *Future[T]) Err() error {
	if !f.IsDone() {
		return nil
	}
	return f.err
}

// Get blocks until the future resolves or ctx is done. Cancelling ctx does
// not resolve the future.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Now returns the resolved value with ok=true, or ok=false when unresolved.
func (f *Future[T]) Now() (v T, ok bool, err error) {
	if !f.IsDone() {
		return v, false, nil
	}
	return f.val, true, f.err
}

// Then registers cb to run once the future resolves. If it already has, cb
// runs synchronously on the calling goroutine.
func (f *Future[T]) Then(cb func(T, error)) {
	f.mu.Lock()
	select {
	case <-f.done:
		f.mu.Unlock()
		cb(f.val, f.err)
		return
	default:
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}
