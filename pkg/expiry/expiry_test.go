package expiry

import (
    "context"
    "errors"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    c "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/consensus/inmem"
    "github.com/amirimatin/go-witness/pkg/state"
    "github.com/amirimatin/go-witness/pkg/state/kv"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
    store  *kv.Store
    engine *inmem.Engine
    loop   *Loop
}

func newHarness(t *testing.T) *harness {
    t.Helper()
    h := &harness{store: kv.New()}
    h.engine = inmem.New(h.store)
    require.NoError(t, h.engine.Join(context.Background(), "witness:2380", []string{"pg-0:2380", "pg-1:2380"}, ""))
    h.loop = New(h.engine, h.store, Options{Clock: func() time.Time { return now }, Logger: log.New(io.Discard, "", 0)})
    h.store.OnRemove(h.loop.Forget)
    h.engine.OnTick(h.loop.Tick)
    return h
}

// seed writes key directly through the log with the given TTL deadline.
func (h *harness) seed(t *testing.T, key string, expire time.Time) {
    t.Helper()
    v := state.Value{Value: []byte(`"x"`), Created: now, Updated: now, Expire: &expire}
    require.NoError(t, h.engine.Submit(kv.Set(key, v, kv.Preconditions{}), nil))
    require.Equal(t, 1, h.engine.Deliver())
}

func expireCount(cmds []c.Command) int {
    n := 0
    for _, cmd := range cmds { if cmd.Op == kv.OpExpire { n++ } }
    return n
}

func TestLoop_NonLeaderSubmitsNothing(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "leader-key", now.Add(-time.Second))
    h.engine.SetLeader(false)
    for i := 0; i < 5; i++ { h.engine.Tick() }
    assert.Equal(t, 0, expireCount(h.engine.Submitted()))
    assert.Empty(t, h.loop.InFlight())
}

func TestLoop_ExactlyOneSubmissionUntilApplied(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "leader-key", now.Add(-time.Second))

    for i := 0; i < 5; i++ { h.engine.Tick() }
    assert.Equal(t, 1, expireCount(h.engine.Submitted()))
    assert.Equal(t, []string{"leader-key"}, h.loop.InFlight())

    h.engine.Deliver()
    _, ok := h.store.Get("leader-key")
    assert.False(t, ok)
    assert.Empty(t, h.loop.InFlight())

    // Nothing left to expire.
    h.engine.Tick()
    assert.Equal(t, 1, expireCount(h.engine.Submitted()))
}

func TestLoop_OnlyExpiredKeysAreSubmitted(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "a", now.Add(-time.Minute))
    h.seed(t, "b", now)
    h.seed(t, "c", now.Add(time.Minute))
    h.engine.Tick()
    assert.Equal(t, []string{"a", "b"}, h.loop.InFlight())
    assert.Equal(t, 2, expireCount(h.engine.Submitted()))
}

func TestLoop_LeadershipLossClearsInFlight(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "leader-key", now.Add(-time.Second))
    h.engine.Tick()
    require.Len(t, h.loop.InFlight(), 1)

    h.engine.SetLeader(false)
    h.engine.Tick()
    assert.Empty(t, h.loop.InFlight())

    // The old submission is lost with the tenure; a new tenure resubmits.
    h.engine.Fail(c.ErrNotLeader)
    h.engine.SetLeader(true)
    h.engine.Tick()
    assert.Equal(t, 2, expireCount(h.engine.Submitted()))
    assert.Equal(t, []string{"leader-key"}, h.loop.InFlight())
}

func TestLoop_StaleCompletionDoesNotDropNewSubmission(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "k", now.Add(-time.Second))
    h.engine.Tick()
    first := h.engine.Pending()
    require.Equal(t, 1, first)

    // Tenure ends and restarts before the first submission completes.
    h.engine.SetLeader(false)
    h.engine.Tick()
    h.engine.SetLeader(true)
    h.engine.Tick()
    require.Equal(t, 2, h.engine.Pending())

    // Both complete with errors; the set is empty afterwards and the next
    // tick submits exactly once more.
    h.engine.Fail(errors.New("leadership lost"))
    assert.Empty(t, h.loop.InFlight())
    h.engine.Tick()
    assert.Equal(t, 3, expireCount(h.engine.Submitted()))
}

func TestLoop_SynchronousRejectionAllowsRetry(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "k", now.Add(-time.Second))
    h.engine.SetQuorum(false)
    h.engine.Tick()
    assert.Empty(t, h.loop.InFlight())
    assert.Equal(t, 0, expireCount(h.engine.Submitted()))

    h.engine.SetQuorum(true)
    h.engine.Tick()
    assert.Equal(t, 1, expireCount(h.engine.Submitted()))
}

func TestLoop_FailedSubmissionIsRetriedNextTick(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "k", now.Add(-time.Second))
    h.engine.Tick()
    h.engine.Fail(errors.New("apply timeout"))
    assert.Empty(t, h.loop.InFlight())
    h.engine.Tick()
    assert.Equal(t, 2, expireCount(h.engine.Submitted()))
}

func TestLoop_StatusErrorTreatedAsNotLeader(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "k", now.Add(-time.Second))
    h.engine.Tick()
    require.Len(t, h.loop.InFlight(), 1)
    h.engine.SetUnavailable(true)
    h.engine.Tick()
    assert.Empty(t, h.loop.InFlight())
}

func TestLoop_DeleteOfKeyForgetsIt(t *testing.T) {
    h := newHarness(t)
    h.seed(t, "k", now.Add(-time.Second))
    h.engine.Tick()
    require.Len(t, h.loop.InFlight(), 1)
    // A data node deletes the key before our expire is delivered.
    h.store.Apply(h.engine.LastIndex()+100, kv.Delete("k", false, kv.Preconditions{}))
    assert.Empty(t, h.loop.InFlight())
}
