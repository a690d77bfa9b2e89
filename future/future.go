package future

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

// Future is a value that becomes available once, some time after creation
type Future[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   T
	err     error
}

// New returns an unsettled Future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Go runs fn on a new goroutine and settles the returned Future with its
// result. A panic in fn rejects the Future instead of crashing the process.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		var (
			pc    panics.Catcher
			value T
			err   error
		)
		pc.Try(func() {
			value, err = fn()
		})
		if r := pc.Recovered(); r != nil {
			f.Reject(fmt.Errorf("future: %w", r.AsError()))
			return
		}
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(value)
	}()
	return f
}

// Resolve settles the Future with v. It reports whether this call settled it.
func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

// Reject settles the Future with err. It reports whether this call settled it.
func (f *Future[T]) Reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) settle(v T, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.value, f.err, f.settled = v, err, true
	close(f.done)
	return true
}

// Await blocks until the Future is settled or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Wait blocks until the Future is settled.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Settled reports whether the Future has been resolved or rejected.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
