package future

import (
	"context"
	"sync"
)

// Future is the read side of an asynchronous result. It is resolved exactly once, either with a value or with an
// error, by the Promise it was created from.
type Future[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	value     T
	err       error
	callbacks []func(T, error)
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise creates an unresolved Promise and its Future.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{f: &Future[T]{done: make(chan struct{})}}
}

// Resolved returns a Future that is already completed with value.
func Resolved[T any](value T) *Future[T] {
	p := NewPromise[T]()
	p.Resolve(value)
	return p.Future()
}

// Failed returns a Future that is already completed with err.
func Failed[T any](err error) *Future[T] {
	p := NewPromise[T]()
	p.Reject(err)
	return p.Future()
}

// Future returns the Future bound to this promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Resolve completes the Future with value. It returns false if the Future was already completed.
func (p *Promise[T]) Resolve(value T) bool {
	return p.f.complete(value, nil)
}

// Reject completes the Future with err. It returns false if the Future was already completed.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.f.complete(zero, err)
}

// Complete resolves or rejects depending on err.
func (p *Promise[T]) Complete(value T, err error) bool {
	return p.f.complete(value, err)
}

func (f *Future[T]) complete(value T, err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	// Callbacks run in the completing goroutine, outside the lock, in registration order.
	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Done is closed once the Future is completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsReady reports whether the Future has been completed.
func (f *Future[T]) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Get blocks until the Future is completed or ctx is done.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking. ok is false if the Future is still pending.
func (f *Future[T]) TryGet() (value T, err error, ok bool) {
	if !f.IsReady() {
		return value, nil, false
	}
	return f.value, f.err, true
}

// OnComplete registers fn to run once the Future completes. If it already has, fn runs immediately in the caller's
// goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

// Then returns a Future completed with the result of fn once f completes. fn observes both the value and the error
// of f, so it may translate or recover failures.
func Then[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	p := NewPromise[U]()
	f.OnComplete(func(value T, err error) {
		p.Complete(fn(value, err))
	})
	return p.Future()
}

// AndThen chains a second asynchronous step that only runs when f succeeded. An error from f short-circuits.
func AndThen[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	p := NewPromise[U]()
	f.OnComplete(func(value T, err error) {
		if err != nil {
			p.Reject(err)
			return
		}
		fn(value).OnComplete(func(u U, err error) {
			p.Complete(u, err)
		})
	})
	return p.Future()
}
