package periodic

import (
    "context"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
)

func TestLoop_RunsImmediatelyAndPeriodically(t *testing.T) {
    var l Loop
    var n atomic.Int32
    l.Start(context.Background(), 5*time.Millisecond, true, func(context.Context) { n.Add(1) })
    defer l.Stop()

    assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 2*time.Millisecond)
    assert.True(t, l.Running())
}

func TestLoop_NoCyclesAfterStop(t *testing.T) {
    var l Loop
    var n atomic.Int32
    l.Start(context.Background(), time.Millisecond, true, func(context.Context) { n.Add(1) })
    assert.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, time.Millisecond)

    l.Stop()
    after := n.Load()
    time.Sleep(20 * time.Millisecond)
    assert.Equal(t, after, n.Load())
    assert.False(t, l.Running())
}

func TestLoop_RestartKeepsSinglePoller(t *testing.T) {
    var l Loop
    var active, maxActive atomic.Int32
    fn := func(context.Context) {
        cur := active.Add(1)
        for {
            m := maxActive.Load()
            if cur <= m || maxActive.CompareAndSwap(m, cur) { break }
        }
        time.Sleep(time.Millisecond)
        active.Add(-1)
    }
    for i := 0; i < 5; i++ {
        l.Start(context.Background(), time.Millisecond, true, fn)
    }
    time.Sleep(20 * time.Millisecond)
    l.Stop()
    assert.Equal(t, int32(1), maxActive.Load())
}

func TestLoop_ContextCancelEndsLoop(t *testing.T) {
    var l Loop
    ctx, cancel := context.WithCancel(context.Background())
    l.Start(ctx, time.Millisecond, false, func(context.Context) {})
    cancel()
    assert.Eventually(t, func() bool { return !l.Running() }, time.Second, time.Millisecond)
    l.Stop()
}
