// Package dispatch provides serial executors. A Queue runs submitted functions
// one at a time, in submission order, on a single goroutine it owns. The
// messaging session uses one to serialize backend operations and the UI layer
// uses one as its main thread.
package dispatch

import (
	"context"
	"sync"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"go.uber.org/zap"
)

// Dispatcher schedules work on an execution context.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func())

func (f DispatcherFunc) Dispatch(fn func()) { f(fn) }

// Inline runs work immediately on the calling goroutine.
type Inline struct{}

func (Inline) Dispatch(fn func()) { fn() }

// Queue is an unbounded FIFO executor.
type Queue struct {
	name string

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue starts a queue. Call Close to stop its goroutine.
func NewQueue(name string) *Queue {
	q := &Queue{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch enqueues fn. It never blocks. Work submitted after Close is dropped.
func (q *Queue) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		logging.Warn(context.Background(), "Dropping task on closed queue", zap.String("queue", q.name))
		return
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every task submitted before the call has run.
// It must not be called from a task running on q.
func (q *Queue) Flush() {
	marker := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.mu.Unlock()
	q.Dispatch(func() { close(marker) })
	select {
	case <-marker:
	case <-q.done:
	}
}

// Close drains pending tasks and stops the queue goroutine.
// It must not be called from a task running on q.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.safeRun(fn)
	}
}

func (q *Queue) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(context.Background(), "Recovered from panic in queued task", zap.String("queue", q.name), zap.Any("panic", r))
		}
	}()
	fn()
}
