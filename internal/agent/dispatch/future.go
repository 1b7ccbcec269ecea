package dispatch

import (
	"context"
	"sync"

	apperrors "github.com/kandev/sessionhub/internal/common/errors"
)

// Future is the eventual result of an asynchronous construction.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolved returns a future that is already complete.
func Resolved(value any, err error) *Future {
	f := NewFuture()
	f.Resolve(value, err)
	return f
}

// Spawn runs fn on a new goroutine and resolves the returned future with its
// result. A panic in fn resolves the future with an error.
func Spawn(ctx context.Context, fn func(ctx context.Context) (any, error)) *Future {
	f := NewFuture()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Resolve(nil, apperrors.Panic("async factory", r))
			}
		}()
		f.Resolve(fn(ctx))
	}()
	return f
}

// Resolve completes the future. Only the first call has an effect.
func (f *Future) Resolve(value any, err error) {
	f.once.Do(func() {
		f.value = value
		f.err = err
		close(f.done)
	})
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the future resolves or ctx is done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then calls fn with the result on a new goroutine once the future resolves.
func (f *Future) Then(fn func(value any, err error)) {
	go func() {
		<-f.done
		fn(f.value, f.err)
	}()
}
