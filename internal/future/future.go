// Package future provides a value that is settled exactly once.
package future

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrCancelled = errors.New("future cancelled")

// Future is settled once, by Resolve, Reject or Cancel. Later settle calls are no-ops
// and report false.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(v T, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value = v
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

func (f *Future[T]) Resolve(v T) bool {
	return f.settle(v, nil)
}

func (f *Future[T]) Reject(err error) bool {
	if err == nil {
		err = errors.New("future rejected with nil error")
	}
	var zero T
	return f.settle(zero, err)
}

func (f *Future[T]) Cancel() bool {
	return f.Reject(ErrCancelled)
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the future has a value or an error.
func (f *Future[T]) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future settles or ctx ends. A ctx expiry does not settle the future.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
