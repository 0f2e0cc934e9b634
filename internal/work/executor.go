// Package work provides the shared task executor used by every target.
//
// # Execution Model
//
// Each submitted task runs on its own goroutine once one of a fixed number of worker
// slots is free. Tasks that block for a long time (pulls, uploads, subprocesses) only
// hold their own slot, so other targets keep deploying.
//
// Ordering between tasks of one target is not the executor's concern: targets serialize
// their own runs with a lock and a FIFO queue.
package work

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// ErrShutdown is returned when submitting to an executor that has been shut down
var ErrShutdown = errors.New("executor is shut down")

// Task is a handle on a submitted function
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Name returns the task name given at submission
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task has finished
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// IsDone reports whether the task has finished
func (t *Task) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or ctx is done
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor runs tasks on a bounded number of concurrent workers
type Executor struct {
	sem *semaphore.Weighted
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewExecutor creates an executor running at most workers tasks at once
func NewExecutor(workers int, log zerolog.Logger) *Executor {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		sem:    semaphore.NewWeighted(int64(workers)),
		log:    log.With().Str("component", "executor").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit schedules fn and returns immediately. The context passed to fn is cancelled
// only when the executor shuts down.
func (e *Executor) Submit(name string, fn func(ctx context.Context) error) (*Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrShutdown
	}

	task := &Task{name: name, done: make(chan struct{})}
	e.wg.Add(1)
	go e.run(task, fn)
	return task, nil
}

func (e *Executor) run(task *Task, fn func(ctx context.Context) error) {
	defer e.wg.Done()
	defer close(task.done)

	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		task.err = fmt.Errorf("task %s not started: %w", task.name, ErrShutdown)
		return
	}
	defer e.sem.Release(1)

	// a slot can be granted concurrently with shutdown
	if e.ctx.Err() != nil {
		task.err = fmt.Errorf("task %s not started: %w", task.name, ErrShutdown)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("task", task.name).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Task panicked")
			task.err = fmt.Errorf("task %s panicked: %v", task.name, r)
		}
	}()

	task.err = fn(e.ctx)
	if task.err != nil {
		e.log.Debug().Err(task.err).Str("task", task.name).Msg("Task returned error")
	}
}

// Shutdown stops accepting tasks, cancels tasks still waiting for a worker and waits
// for running tasks to return or ctx to expire.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info().Msg("Executor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}
