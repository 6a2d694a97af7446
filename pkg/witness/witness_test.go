package witness

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/consensus/inmem"
    "github.com/amirimatin/go-witness/pkg/discovery"
    "github.com/amirimatin/go-witness/pkg/discovery/static"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/state"
    "github.com/amirimatin/go-witness/pkg/state/kv"
    "github.com/amirimatin/go-witness/pkg/status"
    "github.com/amirimatin/go-witness/pkg/topology"
    "github.com/amirimatin/go-witness/pkg/transport/httpjson"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
    store  *kv.Store
    engine *inmem.Engine
    now    time.Time
    mu     sync.Mutex
    topo   topology.Snapshot
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) setTopology(s topology.Snapshot) {
    f.mu.Lock()
    f.topo = s
    f.mu.Unlock()
}

func (f *fixture) fetch(ctx context.Context) (topology.Snapshot, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    out := topology.Snapshot{}
    for k, v := range f.topo { out[k] = v }
    return out, nil
}

func newFixture(t *testing.T, mutate func(*Options)) (*fixture, *Witness) {
    t.Helper()
    f := &fixture{store: kv.New(), now: time.Unix(1000, 0)}
    f.engine = inmem.New(f.store)
    f.topo = topology.Snapshot{"pg-0": "leader", "pg-1": "replica"}
    opts := Options{
        Self:             "w0:7000",
        Peers:            static.New("w1:7000"),
        Engine:           f.engine,
        Store:            f.store,
        Endpoints:        static.New("pg-0:5432", "pg-1:5432"),
        Checker:          health.CheckerFunc(func(ctx context.Context, ep string) error { return nil }),
        Topology:         topology.SourceFunc(f.fetch),
        Logger:           quiet,
        Clock:            f.clock,
        HealthInterval:   time.Hour,
        TopologyInterval: time.Hour,
        JoinRetry:        10 * time.Millisecond,
        QueryTimeout:     100 * time.Millisecond,
        RetryInterval:    time.Millisecond,
    }
    if mutate != nil { mutate(&opts) }
    w, err := New(opts)
    require.NoError(t, err)
    return f, w
}

func awaitJoined(t *testing.T, e *inmem.Engine) {
    t.Helper()
    require.Eventually(t, func() bool { _, err := e.Status(); return err == nil }, 2*time.Second, 5*time.Millisecond)
}

func TestValidate(t *testing.T) {
    st := kv.New()
    eng := inmem.New(st)
    cases := []struct {
        name string
        opts Options
        ok   bool
    }{
        {"minimal", Options{Self: "w0", Engine: eng, Store: st}, true},
        {"no self", Options{Engine: eng, Store: st}, false},
        {"no engine", Options{Self: "w0", Store: st}, false},
        {"no store", Options{Self: "w0", Engine: eng}, false},
        {"endpoints without checker", Options{Self: "w0", Engine: eng, Store: st, Endpoints: static.New("a")}, false},
        {"negative interval", Options{Self: "w0", Engine: eng, Store: st, HealthInterval: -time.Second}, false},
        {"negative retries", Options{Self: "w0", Engine: eng, Store: st, RetryCount: -1}, false},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            err := tc.opts.Validate()
            if tc.ok { assert.NoError(t, err) } else { assert.Error(t, err) }
        })
    }
}

func TestWitness_ConnectsAndReportsStatus(t *testing.T) {
    f, w := newFixture(t, nil)
    assert.Equal(t, status.Disconnected, w.Status().Consensus.State)

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := w.Subscribe(ctx)
    require.NoError(t, w.Start(ctx))
    defer w.Stop(context.Background())
    awaitJoined(t, f.engine)

    f.engine.Tick()
    r := w.Status()
    assert.Equal(t, status.Connected, r.Consensus.State)
    assert.True(t, r.Consensus.IsLeader)
    assert.Equal(t, []string{"w0:7000", "w1:7000"}, r.Consensus.Members)

    seen := map[EventType]bool{}
    timeout := time.After(2 * time.Second)
    for !(seen[EventConnectionChanged] && seen[EventLeaderChanged]) {
        select {
        case ev := <-events:
            seen[ev.Type] = true
        case <-timeout:
            t.Fatalf("missing events, saw %v", seen)
        }
    }
}

func TestWitness_JoinRetriesWhileUnavailable(t *testing.T) {
    f, w := newFixture(t, nil)
    f.engine.SetUnavailable(true)
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())

    time.Sleep(30 * time.Millisecond)
    f.engine.Tick()
    assert.Equal(t, status.Disconnected, w.Status().Consensus.State)

    f.engine.SetUnavailable(false)
    awaitJoined(t, f.engine)
    f.engine.Tick()
    assert.Equal(t, status.Connected, w.Status().Consensus.State)
}

func TestWitness_DegradedWithoutQuorum(t *testing.T) {
    f, w := newFixture(t, nil)
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())
    awaitJoined(t, f.engine)

    f.engine.SetLeader(false)
    f.engine.SetQuorum(false)
    f.engine.Tick()
    assert.Equal(t, status.Degraded, w.Status().Consensus.State)
    ok, word := w.ready(context.Background())
    assert.True(t, ok)
    assert.Equal(t, "degraded", word)
}

func TestWitness_ExpiresKeysOnTick(t *testing.T) {
    f, w := newFixture(t, nil)
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())
    awaitJoined(t, f.engine)

    deadline := f.now.Add(-time.Second)
    require.NoError(t, f.engine.Submit(kv.Set("/leader", state.Value{Value: json.RawMessage(`"pg-0"`), Expire: &deadline}, kv.Preconditions{}), nil))
    f.engine.Deliver()
    require.Equal(t, 1, f.store.Len())

    f.engine.Tick()
    f.engine.Tick()
    assert.Equal(t, []string{"/leader"}, w.Status().Expiry.InFlight)
    require.Len(t, f.engine.Submitted(), 2, "one set plus exactly one expire")

    f.engine.Deliver()
    f.engine.Tick()
    assert.Equal(t, 0, f.store.Len())
    r := w.Status()
    assert.Empty(t, r.Expiry.InFlight)
    assert.Equal(t, uint64(2), r.Expiry.LastApplied)
}

func TestWitness_QuorumFollowsTopology(t *testing.T) {
    f, w := newFixture(t, func(o *Options) { o.TopologyInterval = 10 * time.Millisecond })
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := w.Subscribe(ctx)
    require.NoError(t, w.Start(ctx))
    defer w.Stop(context.Background())

    require.Eventually(t, func() bool {
        d, ok := w.Decision()
        return ok && d.DataNodes == 2
    }, 2*time.Second, 5*time.Millisecond)
    d, _ := w.Decision()
    assert.True(t, d.Participates)

    f.setTopology(topology.Snapshot{"pg-0": "leader", "pg-1": "replica", "pg-2": "replica"})
    require.Eventually(t, func() bool {
        d, _ := w.Decision()
        return d.DataNodes == 3
    }, 2*time.Second, 5*time.Millisecond)
    d, _ = w.Decision()
    assert.False(t, d.Participates)

    r := w.Status()
    assert.Equal(t, uint64(1), r.Changes)
    require.NotNil(t, r.LastChange)
    assert.Equal(t, []topology.MemberChange{{Member: "pg-2", To: "replica"}}, r.LastChange.Diff)

    var sawTopology bool
    for !sawTopology {
        select {
        case ev := <-events:
            sawTopology = ev.Type == EventTopologyChanged
        case <-time.After(2 * time.Second):
            t.Fatal("no topology_changed event")
        }
    }
}

func TestWitness_QuorumFallsBackToEndpoints(t *testing.T) {
    f, w := newFixture(t, func(o *Options) {
        o.Topology = nil
        o.Endpoints = static.New("pg-0:5432", "pg-1:5432", "pg-2:5432")
    })
    _ = f
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())

    require.Eventually(t, func() bool { _, ok := w.Decision(); return ok }, 2*time.Second, 5*time.Millisecond)
    d, _ := w.Decision()
    assert.Equal(t, 3, d.DataNodes)
    assert.False(t, d.Participates)
}

func TestWitness_ProbeNow(t *testing.T) {
    down := map[string]bool{"pg-1:5432": true}
    _, w := newFixture(t, func(o *Options) {
        o.RetryCount = 1
        o.Checker = health.CheckerFunc(func(ctx context.Context, ep string) error {
            if down[ep] { return health.ErrUnexpectedResponse }
            return nil
        })
    })
    _, err := w.ProbeNow(context.Background())
    assert.ErrorIs(t, err, ErrNotStarted)

    require.NoError(t, w.Start(context.Background()))
    res, err := w.ProbeNow(context.Background())
    require.NoError(t, err)
    assert.Equal(t, map[string]bool{"pg-0:5432": true, "pg-1:5432": false}, res.Healthy())
    require.NotNil(t, w.Status().Health)

    require.NoError(t, w.Stop(context.Background()))
    _, err = w.ProbeNow(context.Background())
    assert.ErrorIs(t, err, ErrStopped)
}

func TestWitness_StopIsIdempotentAndDisconnects(t *testing.T) {
    f, w := newFixture(t, nil)
    require.NoError(t, w.Start(context.Background()))
    awaitJoined(t, f.engine)
    f.engine.Tick()
    require.Equal(t, status.Connected, w.Status().Consensus.State)

    require.NoError(t, w.Stop(context.Background()))
    require.NoError(t, w.Stop(context.Background()))
    assert.Equal(t, status.Disconnected, w.Status().Consensus.State)
    _, err := f.engine.Status()
    assert.ErrorIs(t, err, consensus.ErrEngineUnavailable)
    assert.ErrorIs(t, w.Start(context.Background()), ErrStopped)
}

func TestWitness_ServesManagementStatus(t *testing.T) {
    mgmt := httpjson.NewServer("127.0.0.1:0", quiet)
    f, w := newFixture(t, func(o *Options) { o.Management = mgmt })
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())
    awaitJoined(t, f.engine)
    f.engine.Tick()

    data, err := httpjson.NewClient(time.Second).GetStatus(context.Background(), mgmt.Addr())
    require.NoError(t, err)
    var r status.Report
    require.NoError(t, json.Unmarshal(data, &r))
    assert.Equal(t, "w0:7000", r.Self)
    assert.Equal(t, status.Connected, r.Consensus.State)
}

func TestWitness_EndpointDiscoveryFailureLeavesQuorumUnknown(t *testing.T) {
    _, w := newFixture(t, func(o *Options) {
        o.Topology = nil
        o.Endpoints = discovery.Func(func(context.Context) ([]string, error) {
            return nil, errors.New("endpoints file missing")
        })
    })
    require.NoError(t, w.Start(context.Background()))
    defer w.Stop(context.Background())

    res, err := w.ProbeNow(context.Background())
    require.NoError(t, err)
    assert.Nil(t, res)
    _, decided := w.Decision()
    assert.False(t, decided, "a failed discovery is not a count of zero")
    r := w.Status()
    assert.Nil(t, r.Health)
    assert.Equal(t, -1, r.Quorum.DataNodes)
}

func TestWitness_ManagementOutlivesStartContext(t *testing.T) {
    mgmt := httpjson.NewServer("127.0.0.1:0", quiet)
    f, w := newFixture(t, func(o *Options) { o.Management = mgmt })
    ctx, cancel := context.WithCancel(context.Background())
    require.NoError(t, w.Start(ctx))
    awaitJoined(t, f.engine)
    cancel()

    cli := httpjson.NewClient(time.Second)
    time.Sleep(20 * time.Millisecond)
    _, err := cli.GetStatus(context.Background(), mgmt.Addr())
    require.NoError(t, err, "status must stay served until Stop")

    require.NoError(t, w.Stop(context.Background()))
    _, err = cli.GetStatus(context.Background(), mgmt.Addr())
    assert.Error(t, err)
}
