package serial

import (
    "sync"
    "sync/atomic"
    "testing"
    "time"
)

func TestExecutor_RunsTasksOneAtATimeInOrder(t *testing.T) {
    e := New(16)
    e.Start()
    defer e.Stop()

    var (
        running atomic.Int32
        overlap atomic.Bool
        mu      sync.Mutex
        order   []int
    )
    var wg sync.WaitGroup
    for i := 0; i < 50; i++ {
        i := i
        wg.Add(1)
        ok := e.Go(func() {
            defer wg.Done()
            if running.Add(1) > 1 { overlap.Store(true) }
            time.Sleep(100 * time.Microsecond)
            mu.Lock(); order = append(order, i); mu.Unlock()
            running.Add(-1)
        })
        if !ok { t.Fatalf("Go rejected task %d", i) }
    }
    wg.Wait()
    if overlap.Load() { t.Fatalf("tasks overlapped") }
    for i, v := range order {
        if v != i { t.Fatalf("order[%d] = %d, want %d", i, v, i) }
    }
}

func TestExecutor_DoWaitsForResult(t *testing.T) {
    e := New(1)
    e.Start()
    defer e.Stop()

    var got int
    if err := e.Do(func() { got = 42 }); err != nil { t.Fatalf("do: %v", err) }
    if got != 42 { t.Fatalf("got %d, want 42", got) }
}

func TestExecutor_StopRejectsNewWork(t *testing.T) {
    e := New(1)
    e.Start()
    e.Stop()
    e.Stop()

    if e.Go(func() {}) { t.Fatalf("Go accepted work after Stop") }
    if err := e.Do(func() {}); err != ErrStopped { t.Fatalf("Do after stop = %v, want ErrStopped", err) }
}

func TestExecutor_StopWithoutStart(t *testing.T) {
    e := New(1)
    done := make(chan struct{})
    go func() { e.Stop(); close(done) }()
    select {
    case <-done:
    case <-time.After(time.Second):
        t.Fatalf("Stop blocked on an executor that never started")
    }
}
