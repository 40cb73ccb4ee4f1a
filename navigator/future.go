package navigator

import (
	"context"
	"sync"
)

// future is a single-assignment result. The first settle wins; later ones
// are no-ops.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) settle(v T, err error) bool {
	won := false
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
		won = true
	})
	return won
}

func (f *future[T]) resolve(v T) bool { return f.settle(v, nil) }

func (f *future[T]) reject(err error) bool {
	var zero T
	return f.settle(zero, err)
}

func (f *future[T]) settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// wait blocks until the future settles, ctx ends, or closed is closed.
func (f *future[T]) wait(ctx context.Context, closed <-chan struct{}) (T, error) {
	var zero T
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-closed:
		select {
		case <-f.done:
			return f.val, f.err
		default:
		}
		return zero, ErrWindowClosed
	}
}
