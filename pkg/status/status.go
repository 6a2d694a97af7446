// Package status holds the latest observations of every witness component and
// renders them as one report for the management surface.
package status

import (
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    "github.com/amirimatin/go-witness/pkg/quorum"
    "github.com/amirimatin/go-witness/pkg/topology"
)

// ConnState summarizes the witness's standing in the consensus group.
type ConnState string

const (
    // Disconnected: not joined, shut down, or status unreadable.
    Disconnected ConnState = "disconnected"
    // Degraded: the engine runs but a reachable majority is not confirmed.
    Degraded ConnState = "degraded"
    // Connected: quorum confirmed and the leader is known.
    Connected ConnState = "connected"
)

// Gauge maps the state onto the connection metric (0, 1, 2).
func (c ConnState) Gauge() float64 {
    switch c {
    case Connected:
        return 2
    case Degraded:
        return 1
    default:
        return 0
    }
}

// Classify derives the connection state from one status read.
func Classify(st consensus.Status, err error) ConnState {
    if err != nil { return Disconnected }
    if st.HasQuorum && (st.IsLeader || st.LeaderAddr != "") { return Connected }
    return Degraded
}

// Consensus is the consensus part of a report.
type Consensus struct {
    State      ConnState `json:"state"`
    IsLeader   bool      `json:"is_leader"`
    HasQuorum  bool      `json:"has_quorum"`
    LeaderAddr string    `json:"leader,omitempty"`
    Members    []string  `json:"members,omitempty"`
    Error      string    `json:"error,omitempty"`
    At         time.Time `json:"at"`
}

// Expiry is the leader expiry loop's view.
type Expiry struct {
    InFlight    []string `json:"in_flight,omitempty"`
    Keys        int      `json:"keys"`
    LastApplied uint64   `json:"last_applied"`
}

// Report is the full status document served by the management surface.
type Report struct {
    Self       string            `json:"self,omitempty"`
    Consensus  Consensus         `json:"consensus"`
    Expiry     Expiry            `json:"expiry"`
    Health     *health.Results   `json:"health,omitempty"`
    Topology   topology.Snapshot `json:"topology,omitempty"`
    LastChange *topology.Change  `json:"last_change,omitempty"`
    Changes    uint64            `json:"topology_changes"`
    Quorum     quorum.Decision   `json:"quorum"`
    UpdatedAt  time.Time         `json:"updated_at"`
}

// Sink receives component observations. Implementations must not block.
type Sink interface {
    SetConsensus(st consensus.Status, err error)
    SetExpiry(e Expiry)
    SetHealth(res *health.Results)
    SetTopology(snap topology.Snapshot)
    TopologyChanged(ch topology.Change)
    SetQuorum(d quorum.Decision)
}

// Board is a last-writer-wins Sink.
type Board struct {
    mu    sync.Mutex
    rep   Report
    clock func() time.Time
}

func NewBoard(self string) *Board {
    b := &Board{clock: time.Now}
    b.rep.Self = self
    b.rep.Consensus.State = Disconnected
    b.rep.Quorum = quorum.Decision{DataNodes: -1}
    return b
}

func (b *Board) touch() { b.rep.UpdatedAt = b.clock() }

// SetConsensus records a status read.
func (b *Board) SetConsensus(st consensus.Status, err error) {
    b.UpdateConsensus(st, err)
}

// UpdateConsensus is SetConsensus that also reports the state transition.
func (b *Board) UpdateConsensus(st consensus.Status, err error) (prev, cur ConnState) {
    cur = Classify(st, err)
    c := Consensus{State: cur, At: b.clock()}
    if err != nil {
        c.Error = err.Error()
    } else {
        c.IsLeader, c.HasQuorum, c.LeaderAddr = st.IsLeader, st.HasQuorum, st.LeaderAddr
        c.Members = append([]string(nil), st.Members...)
        sort.Strings(c.Members)
    }
    b.mu.Lock()
    prev = b.rep.Consensus.State
    b.rep.Consensus = c
    b.touch()
    b.mu.Unlock()

    metrics.Connection.Set(cur.Gauge())
    metrics.IsLeader.Set(metrics.Bool(c.IsLeader))
    metrics.HasQuorum.Set(metrics.Bool(c.HasQuorum))
    return prev, cur
}

func (b *Board) SetExpiry(e Expiry) {
    e.InFlight = append([]string(nil), e.InFlight...)
    b.mu.Lock()
    b.rep.Expiry = e
    b.touch()
    b.mu.Unlock()
}

// SetHealth stores a published cycle. Results are immutable, so the pointer is shared.
func (b *Board) SetHealth(res *health.Results) {
    if res == nil { return }
    b.mu.Lock()
    b.rep.Health = res
    b.touch()
    b.mu.Unlock()
}

func (b *Board) SetTopology(snap topology.Snapshot) {
    cp := make(topology.Snapshot, len(snap))
    for k, v := range snap { cp[k] = v }
    b.mu.Lock()
    b.rep.Topology = cp
    b.touch()
    b.mu.Unlock()
}

func (b *Board) TopologyChanged(ch topology.Change) {
    b.SetTopology(ch.Current)
    b.mu.Lock()
    b.rep.LastChange = &ch
    b.rep.Changes++
    b.touch()
    b.mu.Unlock()
}

func (b *Board) SetQuorum(d quorum.Decision) {
    b.mu.Lock()
    b.rep.Quorum = d
    b.touch()
    b.mu.Unlock()
    metrics.DataNodes.Set(float64(d.DataNodes))
    metrics.QuorumParticipates.Set(metrics.Bool(d.Participates))
}

// Connection returns the last classified state.
func (b *Board) Connection() ConnState {
    b.mu.Lock()
    defer b.mu.Unlock()
    return b.rep.Consensus.State
}

// Report returns a copy safe to retain and encode.
func (b *Board) Report() Report {
    b.mu.Lock()
    defer b.mu.Unlock()
    r := b.rep
    r.Consensus.Members = append([]string(nil), b.rep.Consensus.Members...)
    r.Expiry.InFlight = append([]string(nil), b.rep.Expiry.InFlight...)
    if b.rep.Topology != nil {
        r.Topology = make(topology.Snapshot, len(b.rep.Topology))
        for k, v := range b.rep.Topology { r.Topology[k] = v }
    }
    if b.rep.LastChange != nil {
        lc := *b.rep.LastChange
        r.LastChange = &lc
    }
    return r
}

var _ Sink = (*Board)(nil)
