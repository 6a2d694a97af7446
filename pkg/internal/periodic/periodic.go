// Package periodic runs a function on a fixed interval in one goroutine and
// supports idempotent restart and a Stop that waits for the goroutine to exit.
package periodic

import (
    "context"
    "sync"
    "time"
)

// Loop is a restartable ticker loop. The zero value is ready to use.
type Loop struct {
    mu     sync.Mutex
    cancel context.CancelFunc
    done   chan struct{}
}

// Start runs fn every interval until Stop is called or ctx ends. When
// immediate is true fn also runs once right away. Starting a running loop
// first stops the previous instance, so at most one goroutine ever polls.
func (l *Loop) Start(ctx context.Context, interval time.Duration, immediate bool, fn func(ctx context.Context)) {
    l.mu.Lock()
    defer l.mu.Unlock()
    l.stopLocked()

    cctx, cancel := context.WithCancel(ctx)
    done := make(chan struct{})
    l.cancel = cancel
    l.done = done
    go func() {
        defer close(done)
        if immediate {
            fn(cctx)
        }
        ticker := time.NewTicker(interval)
        defer ticker.Stop()
        for {
            select {
            case <-cctx.Done():
                return
            case <-ticker.C:
                // A tick racing with cancellation must not start another cycle.
                if cctx.Err() != nil { return }
                fn(cctx)
            }
        }
    }()
}

// Stop cancels the loop and blocks until the in-flight cycle (if any) has
// returned. After Stop returns fn is not invoked again.
func (l *Loop) Stop() {
    l.mu.Lock()
    defer l.mu.Unlock()
    l.stopLocked()
}

// Running reports whether a loop goroutine is active.
func (l *Loop) Running() bool {
    l.mu.Lock()
    defer l.mu.Unlock()
    if l.done == nil { return false }
    select {
    case <-l.done:
        return false
    default:
        return true
    }
}

func (l *Loop) stopLocked() {
    if l.cancel == nil { return }
    l.cancel()
    <-l.done
    l.cancel = nil
    l.done = nil
}
