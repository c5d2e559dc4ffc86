// Package worker runs solve attempts on a bounded pool with load-aware admission
// and a retry-with-timeout wrapper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrTaskCancelled is the cause recorded when a task is cancelled explicitly.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrTaskTimeout is the cause recorded when a task exceeds its ceiling. It wraps
	// context.DeadlineExceeded so callers can treat it as any other deadline.
	ErrTaskTimeout = fmt.Errorf("task timed out: %w", context.DeadlineExceeded)
)

// Func is one unit of work. It must return promptly once ctx is done.
type Func func(ctx context.Context) (any, error)

// State is the lifecycle position of a Task.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= StateSucceeded }

// Task is a submitted Func. It reaches exactly one terminal state.
type Task struct {
	ID        string
	Submitted time.Time

	fn     Func
	ctx    context.Context
	cancel context.CancelCauseFunc

	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newTask(parent context.Context, fn Func) *Task {
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		ID:        ulid.Make().String(),
		Submitted: time.Now(),
		fn:        fn,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Done is closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (t *Task) Result() (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
		return nil, errors.New("task not finished")
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel interrupts the task. A pending task finishes immediately; a running task
// finishes when its Func returns.
func (t *Task) Cancel() { t.abort(ErrTaskCancelled) }

// expire interrupts the task because its ceiling passed.
func (t *Task) expire() { t.abort(ErrTaskTimeout) }

func (t *Task) abort(cause error) {
	t.cancel(cause)
	if t.state.CompareAndSwap(int32(StatePending), int32(stateFor(cause))) {
		t.finish(nil, cause)
	}
}

// run executes the task on the calling goroutine unless it was already aborted.
func (t *Task) run() {
	if !t.state.CompareAndSwap(int32(StatePending), int32(StateRunning)) {
		return
	}
	if cause := context.Cause(t.ctx); cause != nil {
		t.state.Store(int32(stateFor(cause)))
		t.finish(nil, cause)
		return
	}

	res, err := t.fn(t.ctx)
	switch {
	case err == nil:
		t.state.Store(int32(StateSucceeded))
	case context.Cause(t.ctx) != nil:
		t.state.Store(int32(stateFor(context.Cause(t.ctx))))
	default:
		t.state.Store(int32(StateFailed))
	}
	t.finish(res, err)
}

func (t *Task) finish(res any, err error) {
	t.once.Do(func() {
		t.result, t.err = res, err
		t.cancel(nil)
		close(t.done)
	})
}

func stateFor(cause error) State {
	if errors.Is(cause, context.DeadlineExceeded) {
		return StateTimedOut
	}
	return StateCancelled
}
