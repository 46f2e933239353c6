// Package serial provides the single-owner work queue that serializes every
// touch of the call registry.
package serial

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a stopped queue.
var ErrClosed = errors.New("queue closed")

const defaultDepth = 256

// Queue runs submitted functions one at a time, in submission order, on the
// goroutine that called Run. Delayed tasks scheduled with After re-enter the
// same queue when they fire.
type Queue struct {
	tasks  chan func()
	done   chan struct{}
	once   sync.Once
	clock  Clock
	logger *slog.Logger
}

// NewQueue creates a queue. depth bounds the number of tasks waiting to run;
// zero selects a default.
func NewQueue(clock Clock, depth int, logger *slog.Logger) *Queue {
	if clock == nil {
		clock = SystemClock()
	}
	if depth <= 0 {
		depth = defaultDepth
	}
	return &Queue{
		tasks:  make(chan func(), depth),
		done:   make(chan struct{}),
		clock:  clock,
		logger: logger.With("subsystem", "serial"),
	}
}

// Clock returns the clock used for delayed tasks.
func (q *Queue) Clock() Clock {
	return q.clock
}

// Run executes tasks until ctx is cancelled or Close is called.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			q.Close()
			return
		case <-q.done:
			return
		case fn := <-q.tasks:
			q.exec(fn)
		}
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("panic in queued task",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}

// Submit enqueues fn. It blocks while the queue is full and returns false
// once the queue is closed. A task already running on the queue must not
// call Submit; it would wait on itself once the queue fills.
func (q *Queue) Submit(fn func()) bool {
	return q.SubmitContext(context.Background(), fn) == nil
}

// SubmitContext enqueues fn, waiting for room until ctx is done. It returns
// ErrClosed once the queue is closed.
func (q *Queue) SubmitContext(ctx context.Context, fn func()) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.tasks <- fn:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do runs fn on the queue and waits for it to finish. Both the wait for room
// and the wait for fn are bounded by ctx. It must not be called from a task
// already running on the queue.
func (q *Queue) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := q.SubmitContext(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrClosed
	}
}

// After schedules fn to be submitted to the queue once d has elapsed.
// There is no cancellation; fn is expected to re-check state when it runs.
func (q *Queue) After(d time.Duration, fn func()) {
	q.clock.AfterFunc(d, func() {
		if !q.Submit(fn) {
			q.logger.Debug("delayed task dropped, queue closed", "delay", d)
		}
	})
}

// Close stops the queue. Tasks still waiting are discarded.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.done) })
}
