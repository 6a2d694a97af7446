package raftcons

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "os"
    "path/filepath"
    "sort"
    "strconv"
    "sync"
    "sync/atomic"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    c "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/internal/serial"
)

// Node implements consensus.Engine using HashiCorp Raft. The server ID of
// every member is its advertised address.
type Node struct {
    opts Options
    log  *log.Logger
    app  c.Applier
    lch  chan c.LeaderInfo

    mu     sync.RWMutex
    r      *raft.Raft
    exec   *serial.Executor
    addr   raft.ServerAddress
    trans  raft.Transport
    lb     raft.LoopbackTransport
    closer io.Closer
    ticks  []func()
    stop   chan struct{}
    wg     sync.WaitGroup
}

// New returns an unjoined node driving app.
func New(app c.Applier, opts Options) (*Node, error) {
    if app == nil {
        return nil, fmt.Errorf("raftcons: nil applier")
    }
    opts = opts.withDefaults()
    return &Node{opts: opts, log: opts.Logger, app: app, lch: make(chan c.LeaderInfo, 16)}, nil
}

// Join starts the local member and bootstraps the fixed configuration
// {self} plus peers. Members that already hold raft state keep it.
func (n *Node) Join(ctx context.Context, self string, peers []string, secret string) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.r != nil {
        return nil
    }
    if self == "" {
        return fmt.Errorf("raftcons: empty self address: %w", c.ErrEngineUnavailable)
    }
    if err := ctx.Err(); err != nil { return err }
    if err := n.start(self, peers, secret); err != nil {
        return fmt.Errorf("raftcons: join %s: %v: %w", self, err, c.ErrEngineUnavailable)
    }
    return nil
}

func (n *Node) start(self string, peers []string, secret string) (err error) {
    // Raft configuration
    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(self)
    cfg.Logger = logutil.HCLog(n.log, "raft")
    cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
    cfg.ElectionTimeout = n.opts.ElectionTimeout
    cfg.CommitTimeout = n.opts.CommitTimeout
    // Keep lease <= heartbeat to satisfy invariants
    if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
        cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
        if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
    }

    // Stores and transport
    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
        closer io.Closer
    )
    defer func() {
        if err == nil { return }
        if closer != nil { _ = closer.Close() }
        if wc, ok := trans.(raft.WithClose); ok { _ = wc.Close() }
    }()

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if n.opts.DataDir != "" {
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        // Bolt store for both log and stable
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs, stable, closer = bstore, bstore, bstore
        snaps, err = raft.NewFileSnapshotStoreWithLogger(n.opts.DataDir, n.opts.SnapshotsRetained, cfg.Logger.Named("snapshot"))
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    // Transport selection
    if n.opts.BindAddr != "" {
        stream, err := newAuthStream(n.opts.BindAddr, self, secret, n.opts.ServerTLS, n.opts.ClientTLS, n.log)
        if err != nil { return err }
        nt := raft.NewNetworkTransportWithConfig(&raft.NetworkTransportConfig{
            Stream:  stream,
            MaxPool: 3,
            Timeout: 10 * time.Second,
            Logger:  cfg.Logger.Named("transport"),
        })
        trans, addr = nt, nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(self))
    }

    exec := serial.New(0)
    exec.Start()
    r, err := raft.NewRaft(cfg, newSerialFSM(n.app, exec), logs, stable, snaps, trans)
    if err != nil {
        exec.Stop()
        return err
    }

    servers := []raft.Server{{ID: cfg.LocalID, Address: addr}}
    for _, p := range uniquePeers(self, peers) {
        servers = append(servers, raft.Server{ID: raft.ServerID(p), Address: raft.ServerAddress(p)})
    }
    if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
        _ = r.Shutdown().Error()
        exec.Stop()
        return err
    }

    n.r, n.exec, n.addr, n.trans, n.closer = r, exec, addr, trans, closer
    n.lb, _ = trans.(raft.LoopbackTransport)
    n.stop = make(chan struct{})
    n.observe(r, n.stop)
    n.wg.Add(1)
    go n.tickLoop(exec, n.stop)
    logutil.Infof(n.log, "raft member %s started with %d voter(s)", self, len(servers))
    return nil
}

func uniquePeers(self string, peers []string) []string {
    seen := map[string]bool{self: true}
    var out []string
    for _, p := range peers {
        if p == "" || seen[p] { continue }
        seen[p] = true
        out = append(out, p)
    }
    sort.Strings(out)
    return out
}

// observe forwards leadership observations to LeaderCh.
func (n *Node) observe(r *raft.Raft, stop <-chan struct{}) {
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    r.RegisterObserver(observer)
    n.wg.Add(1)
    go func() {
        defer n.wg.Done()
        defer r.DeregisterObserver(observer)
        for {
            select {
            case <-stop:
                return
            case o := <-obsCh:
                lo := o.Data.(raft.LeaderObservation)
                n.emitLeader(c.LeaderInfo{ID: string(lo.LeaderID), Addr: string(lo.LeaderAddr), Term: term(r)})
            }
        }
    }()
}

// tickLoop enqueues tick callbacks on the executor. A tick still queued when
// the next one fires is not doubled up.
func (n *Node) tickLoop(exec *serial.Executor, stop <-chan struct{}) {
    defer n.wg.Done()
    t := time.NewTicker(n.opts.TickInterval)
    defer t.Stop()
    var queued atomic.Bool
    for {
        select {
        case <-stop:
            return
        case <-t.C:
            if !queued.CompareAndSwap(false, true) { continue }
            ok := exec.Go(func() {
                queued.Store(false)
                n.mu.RLock()
                fns := append([]func(){}, n.ticks...)
                n.mu.RUnlock()
                for _, fn := range fns { fn() }
            })
            if !ok { return }
        }
    }
}

// Submit offers cmd to the log. Only the leader accepts. The commit is
// awaited off the executor; done runs on it afterwards.
func (n *Node) Submit(cmd c.Command, done func(error)) error {
    n.mu.RLock()
    r, exec := n.r, n.exec
    n.mu.RUnlock()
    if r == nil {
        return c.ErrEngineUnavailable
    }
    if r.State() != raft.Leader {
        return c.ErrNotLeader
    }
    data, err := json.Marshal(cmd)
    if err != nil { return err }
    go func() {
        af := r.Apply(data, n.opts.ApplyTimeout)
        err := af.Error()
        if err == nil {
            if e, ok := af.Response().(error); ok { err = e }
        }
        if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
            err = fmt.Errorf("%w: %v", c.ErrNotLeader, err)
        }
        if done != nil { exec.Go(func() { done(err) }) }
    }()
    return nil
}

// Status reports leadership, quorum and the configured voters.
func (n *Node) Status() (c.Status, error) {
    n.mu.RLock()
    r := n.r
    n.mu.RUnlock()
    if r == nil {
        return c.Status{}, c.ErrEngineUnavailable
    }
    state := r.State()
    if state == raft.Shutdown {
        return c.Status{}, c.ErrEngineUnavailable
    }
    addr, _ := r.LeaderWithID()
    st := c.Status{IsLeader: state == raft.Leader, LeaderAddr: string(addr)}
    switch {
    case st.IsLeader:
        // A leader that loses its majority steps down after LeaderLeaseTimeout.
        st.HasQuorum = true
    case addr != "":
        st.HasQuorum = time.Since(r.LastContact()) <= n.opts.QuorumContactTimeout
    }
    if f := r.GetConfiguration(); f.Error() == nil {
        for _, srv := range f.Configuration().Servers {
            st.Members = append(st.Members, string(srv.Address))
        }
    }
    return st, nil
}

func (n *Node) OnTick(fn func()) {
    n.mu.Lock()
    n.ticks = append(n.ticks, fn)
    n.mu.Unlock()
}

// Leave hands leadership off when possible and shuts the member down. When
// shutdown does not complete within ShutdownTimeout the member is abandoned.
func (n *Node) Leave(ctx context.Context) error {
    n.mu.Lock()
    r, exec, closer, stop := n.r, n.exec, n.closer, n.stop
    n.r, n.exec, n.closer, n.stop = nil, nil, nil, nil
    n.mu.Unlock()
    if r == nil { return nil }
    close(stop)

    done := make(chan error, 1)
    go func() {
        if r.State() == raft.Leader && n.voters(r) > 1 {
            if err := r.LeadershipTransfer().Error(); err != nil {
                logutil.Warnf(n.log, "raft leadership transfer: %v", err)
            }
        }
        done <- r.Shutdown().Error()
    }()

    timer := time.NewTimer(n.opts.ShutdownTimeout)
    defer timer.Stop()
    var err error
    select {
    case err = <-done:
    case <-timer.C:
        err = fmt.Errorf("raftcons: shutdown did not finish within %s", n.opts.ShutdownTimeout)
    case <-ctx.Done():
        err = ctx.Err()
    }
    if err != nil {
        logutil.Errorf(n.log, "raft leave: %v", err)
        exec.Stop()
        return err
    }
    n.wg.Wait()
    exec.Stop()
    if closer != nil {
        if cerr := closer.Close(); cerr != nil { return cerr }
    }
    logutil.Infof(n.log, "raft member %s left", n.addr)
    return nil
}

func (n *Node) voters(r *raft.Raft) int {
    f := r.GetConfiguration()
    if f.Error() != nil { return 0 }
    return len(f.Configuration().Servers)
}

// Do runs fn on the executor that applies the log, so fn may read the
// applier's state without racing an apply. It must not be called from a tick
// or completion callback.
func (n *Node) Do(fn func()) error {
    n.mu.RLock()
    exec := n.exec
    n.mu.RUnlock()
    if exec == nil { return c.ErrEngineUnavailable }
    return exec.Do(fn)
}

// Addr is the advertised transport address (valid after Join).
func (n *Node) Addr() string {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return string(n.addr)
}

// LeaderCh implements consensus.LeaderNotifier.
func (n *Node) LeaderCh() <-chan c.LeaderInfo { return n.lch }

func (n *Node) emitLeader(li c.LeaderInfo) {
    select {
    case n.lch <- li:
    default:
        // drop to avoid blocking; last-writer-wins semantics are ok for leadership
    }
}

func term(r *raft.Raft) uint64 {
    // Try to parse from stats; falls back to 0.
    if v := r.Stats()["term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Ensure interface compliance
var (
    _ c.Engine         = (*Node)(nil)
    _ c.LeaderNotifier = (*Node)(nil)
)
