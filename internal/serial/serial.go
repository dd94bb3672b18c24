// Package serial linearizes asynchronous mutating operations: each submitted
// operation starts only after every previously submitted one has settled, so
// network side effects happen in submission order regardless of latency.
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPanicked wraps a panic recovered from an operation.
var ErrPanicked = errors.New("serial: operation panicked")

// State is the lifecycle of one submitted operation.
type State int32

const (
	StateQueued State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Settled reports whether s is terminal.
func (s State) Settled() bool {
	return s == StateSucceeded || s == StateFailed
}

// Operation is a unit of work routed through a Queue.
type Operation[T any] func(ctx context.Context) (T, error)

// Queue chains operations onto a tail that closes when the most recently
// submitted operation settles. The zero value is not usable; call New.
type Queue struct {
	mu      sync.Mutex
	tail    <-chan struct{}
	pending int
}

// New returns an empty Queue.
func New() *Queue {
	done := make(chan struct{})
	close(done)
	return &Queue{tail: done}
}

// Len returns the number of operations that have not settled yet.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Future is the pending result of a submitted operation.
type Future[T any] struct {
	done  chan struct{}
	state atomic.Int32
	val   T
	err   error
}

// Submit enqueues op behind every operation already submitted to q and
// returns immediately. Submission order is the order of Submit calls.
//
// If ctx is done by the time op's turn comes, op is not run and the future
// settles with ctx.Err(). A failing or panicking op never blocks successors.
func Submit[T any](q *Queue, ctx context.Context, op Operation[T]) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}

	q.mu.Lock()
	prev := q.tail
	q.tail = f.done
	q.pending++
	q.mu.Unlock()

	go func() {
		<-prev
		f.run(ctx, op)
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
		close(f.done)
	}()

	return f
}

// Do submits op and waits for its own result.
func Do[T any](q *Queue, ctx context.Context, op Operation[T]) (T, error) {
	return Submit(q, ctx, op).Wait(ctx)
}

func (f *Future[T]) run(ctx context.Context, op Operation[T]) {
	if err := ctx.Err(); err != nil {
		f.err = err
		f.state.Store(int32(StateFailed))
		return
	}

	f.state.Store(int32(StateRunning))
	f.val, f.err = invoke(ctx, op)
	if f.err != nil {
		f.state.Store(int32(StateFailed))
		return
	}
	f.state.Store(int32(StateSucceeded))
}

func invoke[T any](ctx context.Context, op Operation[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val = zero
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
		}
	}()
	return op(ctx)
}

// Wait blocks until the operation settles or ctx is done. Abandoning the
// wait does not cancel the operation; it still runs in its turn.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once the operation settles.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// State reports where the operation is in its lifecycle.
func (f *Future[T]) State() State {
	return State(f.state.Load())
}
