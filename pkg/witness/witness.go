// Package witness assembles the quorum witness: a consensus member hosting the
// replicated key-value state, its leader expiry loop, the data-node health
// monitor, the topology watcher and the status board behind the management
// surface.
package witness

import (
    "context"
    "encoding/json"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/expiry"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    "github.com/amirimatin/go-witness/pkg/quorum"
    "github.com/amirimatin/go-witness/pkg/status"
    "github.com/amirimatin/go-witness/pkg/topology"
)

// Witness is the running node. Create it with New and drive it with Start
// and Stop.
type Witness struct {
    opts    Options
    log     *log.Logger
    board   *status.Board
    expiry  *expiry.Loop
    monitor *health.Monitor
    watcher *topology.Watcher
    eb      eventBus

    // notifier is set when the engine reports leadership itself.
    notifier consensus.LeaderNotifier

    mu      sync.Mutex
    started bool
    stopped bool
    cancel  context.CancelFunc
    wg      sync.WaitGroup

    // lastLeader is only touched from tick callbacks.
    lastLeader string

    qmu      sync.Mutex
    decision quorum.Decision
    decided  bool
    healthy  map[string]bool
}

// New wires the components without starting any of them.
func New(opts Options) (*Witness, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts = opts.withDefaults()
    w := &Witness{opts: opts, log: opts.Logger, board: status.NewBoard(opts.Self)}

    w.expiry = expiry.New(opts.Engine, opts.Store, expiry.Options{Clock: opts.Clock, Logger: opts.Logger})
    opts.Store.OnRemove(w.expiry.Forget)

    prober := health.NewProber(health.Options{
        RetryCount:    opts.RetryCount,
        RetryInterval: opts.RetryInterval,
        QueryTimeout:  opts.QueryTimeout,
        Checker:       opts.Checker,
        Logger:        opts.Logger,
    })
    w.monitor = health.NewMonitor(prober, health.MonitorOptions{
        Interval:  opts.HealthInterval,
        Endpoints: opts.Endpoints,
        Logger:    opts.Logger,
        OnCycle:   w.onHealth,
    })
    if opts.Topology != nil {
        w.watcher = topology.NewWatcher(opts.Topology, topology.Options{
            Interval:   opts.TopologyInterval,
            Logger:     opts.Logger,
            Clock:      opts.Clock,
            OnChange:   w.onTopologyChange,
            OnBaseline: w.onTopologyBaseline,
        })
    }
    if ln, ok := opts.Engine.(consensus.LeaderNotifier); ok {
        w.notifier = ln
    }
    opts.Engine.OnTick(w.tick)
    return w, nil
}

// Start launches the management server, the consensus connect loop, the
// health monitor and the topology watcher. Loops run until Stop or until
// ctx is done.
func (w *Witness) Start(ctx context.Context) error {
    w.mu.Lock()
    defer w.mu.Unlock()
    if w.stopped { return ErrStopped }
    if w.started { return nil }
    metrics.Register()

    if m := w.opts.Management; m != nil {
        // the management surface outlives ctx so status stays readable until
        // Stop has left the consensus group
        if err := m.Start(context.WithoutCancel(ctx), w.statusJSON, w.ready); err != nil { return err }
        logutil.Infof(w.log, "management endpoint listening at %s (status/metrics/healthz)", m.Addr())
    }
    runCtx, cancel := context.WithCancel(ctx)
    w.cancel = cancel
    w.started = true

    w.wg.Add(1)
    go w.connectLoop(runCtx)
    if w.notifier != nil {
        w.wg.Add(1)
        go w.leaderLoop(runCtx)
    }
    w.monitor.Start(runCtx)
    if w.watcher != nil { w.watcher.Start(runCtx) }
    logutil.Infof(w.log, "witness %s started", w.opts.Self)
    return nil
}

// connectLoop joins the consensus group, retrying every JoinRetry until it
// succeeds or ctx ends. The board shows disconnected meanwhile.
func (w *Witness) connectLoop(ctx context.Context) {
    defer w.wg.Done()
    for {
        var peers []string
        if w.opts.Peers != nil {
            ps, err := w.opts.Peers.Addresses(ctx)
            if err != nil { logutil.Warnf(w.log, "witness: peer discovery: %v", err) }
            peers = ps
        }
        err := w.opts.Engine.Join(ctx, w.opts.Self, peers, w.opts.Secret)
        if err == nil {
            metrics.JoinAttempts.WithLabelValues("ok").Inc()
            logutil.Infof(w.log, "witness: joined consensus as %s with %d peer(s)", w.opts.Self, len(peers))
            return
        }
        metrics.JoinAttempts.WithLabelValues("error").Inc()
        if ctx.Err() != nil { return }
        logutil.Warnf(w.log, "witness: join failed, retrying in %s: %v", w.opts.JoinRetry, err)
        t := time.NewTimer(w.opts.JoinRetry)
        select {
        case <-ctx.Done():
            t.Stop()
            return
        case <-t.C:
        }
    }
}

func (w *Witness) leaderLoop(ctx context.Context) {
    defer w.wg.Done()
    ch := w.notifier.LeaderCh()
    for {
        select {
        case <-ctx.Done():
            return
        case li := <-ch:
            w.leaderChanged(li)
        }
    }
}

func (w *Witness) leaderChanged(li consensus.LeaderInfo) {
    metrics.LeaderChanges.Inc()
    if li.Addr == "" {
        logutil.Warnf(w.log, "witness: consensus leader lost")
    } else {
        logutil.Infof(w.log, "witness: consensus leader is %s (term %d)", li.Addr, li.Term)
    }
    w.eb.publish(Event{Type: EventLeaderChanged, At: w.opts.Clock(), Leader: &li})
}

// tick runs on the engine's single writer.
func (w *Witness) tick() {
    w.expiry.Tick()
    st, err := w.opts.Engine.Status()
    prev, cur := w.board.UpdateConsensus(st, err)
    w.board.SetExpiry(status.Expiry{
        InFlight:    w.expiry.InFlight(),
        Keys:        w.opts.Store.Len(),
        LastApplied: w.opts.Store.LastApplied(),
    })
    metrics.Keys.Set(float64(w.opts.Store.Len()))
    if prev != cur {
        w.connectionChanged(prev, cur)
    }
    if w.notifier == nil && err == nil && st.LeaderAddr != w.lastLeader {
        w.lastLeader = st.LeaderAddr
        w.leaderChanged(consensus.LeaderInfo{ID: st.LeaderAddr, Addr: st.LeaderAddr})
    }
}

func (w *Witness) connectionChanged(prev, cur status.ConnState) {
    switch cur {
    case status.Connected:
        logutil.Infof(w.log, "witness: consensus %s -> %s", prev, cur)
    default:
        logutil.Warnf(w.log, "witness: consensus %s -> %s", prev, cur)
    }
    w.eb.publish(Event{Type: EventConnectionChanged, At: w.opts.Clock(), Connection: cur})
}

func (w *Witness) onHealth(res *health.Results) {
    w.board.SetHealth(res)
    cur := res.Healthy()
    w.qmu.Lock()
    changed := w.healthy == nil || !sameHealth(w.healthy, cur)
    w.healthy = cur
    w.qmu.Unlock()
    if changed {
        logutil.Infof(w.log, "witness: %d/%d data node(s) healthy", res.HealthyCount(), len(res.Records))
        w.eb.publish(Event{Type: EventHealthChanged, At: res.At, Health: res})
    }
    w.recomputeQuorum()
}

func sameHealth(a, b map[string]bool) bool {
    if len(a) != len(b) { return false }
    for k, v := range a {
        if ov, ok := b[k]; !ok || ov != v { return false }
    }
    return true
}

func (w *Witness) onTopologyBaseline(snap topology.Snapshot) {
    w.board.SetTopology(snap)
    w.recomputeQuorum()
}

func (w *Witness) onTopologyChange(ch topology.Change) {
    w.board.TopologyChanged(ch)
    w.eb.publish(Event{Type: EventTopologyChanged, At: ch.At, Topology: &ch})
    w.recomputeQuorum()
}

// dataNodes prefers the topology baseline and falls back to the probed
// endpoint count. ok is false while neither is known.
func (w *Witness) dataNodes() (int, bool) {
    if w.watcher != nil {
        if snap, ok := w.watcher.Baseline(); ok { return len(snap), true }
    }
    if w.opts.Endpoints == nil { return 0, false }
    if res := w.monitor.Results(); res != nil {
        return len(res.Records), true
    }
    return 0, false
}

func (w *Witness) recomputeQuorum() {
    n, ok := w.dataNodes()
    if !ok { return }
    d := quorum.Decide(n)
    w.qmu.Lock()
    prev, had := w.decision, w.decided
    w.decision, w.decided = d, true
    w.qmu.Unlock()
    w.board.SetQuorum(d)
    if had && prev == d { return }
    switch {
    case !had:
        logutil.Infof(w.log, "witness: %d data node(s), failover participation %v", d.DataNodes, d.Participates)
    case prev.Participates != d.Participates:
        logutil.Warnf(w.log, "witness: data nodes %d -> %d, failover participation %v -> %v", prev.DataNodes, d.DataNodes, prev.Participates, d.Participates)
    default:
        logutil.Infof(w.log, "witness: data nodes %d -> %d", prev.DataNodes, d.DataNodes)
    }
    w.eb.publish(Event{Type: EventQuorumChanged, At: w.opts.Clock(), Quorum: &d})
}

// Status returns a copy of the current report.
func (w *Witness) Status() status.Report { return w.board.Report() }

// Decision returns the current quorum decision; ok is false before the
// data-node count is known.
func (w *Witness) Decision() (quorum.Decision, bool) {
    w.qmu.Lock()
    defer w.qmu.Unlock()
    return w.decision, w.decided
}

// ProbeNow runs one health cycle immediately and publishes it.
func (w *Witness) ProbeNow(ctx context.Context) (*health.Results, error) {
    w.mu.Lock()
    started, stopped := w.started, w.stopped
    w.mu.Unlock()
    if stopped { return nil, ErrStopped }
    if !started { return nil, ErrNotStarted }
    return w.monitor.RunOnce(ctx), nil
}

func (w *Witness) statusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(w.board.Report())
}

func (w *Witness) ready(ctx context.Context) (bool, string) {
    st := w.board.Connection()
    return st != status.Disconnected, string(st)
}

// Stop halts the watcher and monitor, leaves the consensus group within
// ShutdownTimeout, and stops the management server. It is idempotent.
func (w *Witness) Stop(ctx context.Context) error {
    w.mu.Lock()
    if !w.started || w.stopped {
        w.stopped = true
        w.mu.Unlock()
        return nil
    }
    w.stopped = true
    cancel := w.cancel
    w.mu.Unlock()

    if w.watcher != nil { w.watcher.Stop() }
    w.monitor.Stop()
    cancel()
    w.wg.Wait()

    lctx, lcancel := context.WithTimeout(ctx, w.opts.ShutdownTimeout)
    defer lcancel()
    err := w.opts.Engine.Leave(lctx)
    if err != nil {
        logutil.Errorf(w.log, "witness: leave: %v", err)
    }
    if prev, cur := w.board.UpdateConsensus(consensus.Status{}, consensus.ErrEngineUnavailable); prev != cur {
        w.connectionChanged(prev, cur)
    }
    if m := w.opts.Management; m != nil {
        if serr := m.Stop(ctx); serr != nil && err == nil { err = serr }
    }
    logutil.Infof(w.log, "witness %s stopped", w.opts.Self)
    return err
}
