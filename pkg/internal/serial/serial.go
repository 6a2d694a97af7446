// Package serial provides a single-consumer executor. Everything submitted to
// one Executor runs on the same goroutine, one task at a time, in submission
// order. The consensus adapter funnels log applies, ticks and completion
// callbacks through it so the state machine and the expiry loop never run
// concurrently.
package serial

import (
    "errors"
    "sync"
)

// ErrStopped is returned when a task is offered to a stopped executor.
var ErrStopped = errors.New("serial: executor stopped")

// Executor runs tasks sequentially on a dedicated goroutine.
type Executor struct {
    tasks   chan func()
    quit    chan struct{}
    done    chan struct{}
    start   sync.Once
    stop    sync.Once
}

// New returns an executor with a task queue of the given capacity. Call Start
// before submitting work.
func New(queue int) *Executor {
    if queue <= 0 { queue = 256 }
    return &Executor{
        tasks: make(chan func(), queue),
        quit:  make(chan struct{}),
        done:  make(chan struct{}),
    }
}

// Start launches the consumer goroutine. Subsequent calls are no-ops.
func (e *Executor) Start() {
    e.start.Do(func() { go e.run() })
}

func (e *Executor) run() {
    defer close(e.done)
    for {
        select {
        case <-e.quit:
            return
        case fn := <-e.tasks:
            fn()
        }
    }
}

// Do runs fn on the executor and waits for it to finish.
// It must not be called from a task running on the same executor.
func (e *Executor) Do(fn func()) error {
    finished := make(chan struct{})
    task := func() {
        defer close(finished)
        fn()
    }
    select {
    case <-e.quit:
        return ErrStopped
    case e.tasks <- task:
    }
    select {
    case <-finished:
        return nil
    case <-e.done:
        // The consumer may have picked the task up right before quitting.
        select {
        case <-finished:
            return nil
        default:
            return ErrStopped
        }
    }
}

// Go queues fn without waiting. It reports false when the executor is stopped.
// Go blocks while the queue is full.
func (e *Executor) Go(fn func()) bool {
    select {
    case <-e.quit:
        return false
    case e.tasks <- fn:
        return true
    }
}

// Stop stops the consumer after the task currently running (if any) and waits
// for the goroutine to exit. Queued tasks that have not started are dropped.
func (e *Executor) Stop() {
    e.stop.Do(func() {
        close(e.quit)
        e.start.Do(func() { close(e.done) })
    })
    <-e.done
}
