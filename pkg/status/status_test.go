package status

import (
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/quorum"
    "github.com/amirimatin/go-witness/pkg/topology"
)

func TestClassify(t *testing.T) {
    cases := []struct {
        name string
        st   consensus.Status
        err  error
        want ConnState
    }{
        {"unreadable", consensus.Status{IsLeader: true, HasQuorum: true}, consensus.ErrEngineUnavailable, Disconnected},
        {"leader with quorum", consensus.Status{IsLeader: true, HasQuorum: true}, nil, Connected},
        {"follower knows leader", consensus.Status{HasQuorum: true, LeaderAddr: "10.0.0.1:7000"}, nil, Connected},
        {"running without quorum", consensus.Status{LeaderAddr: "10.0.0.1:7000"}, nil, Degraded},
        {"quorum but no leader", consensus.Status{HasQuorum: true}, nil, Degraded},
        {"fresh member", consensus.Status{}, nil, Degraded},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            assert.Equal(t, tc.want, Classify(tc.st, tc.err))
        })
    }
}

func TestBoard_StartsDisconnected(t *testing.T) {
    b := NewBoard("w0:7000")
    r := b.Report()
    assert.Equal(t, Disconnected, r.Consensus.State)
    assert.Equal(t, "w0:7000", r.Self)
    assert.Equal(t, -1, r.Quorum.DataNodes)
    assert.Nil(t, r.Health)
}

func TestBoard_ConsensusTransitions(t *testing.T) {
    b := NewBoard("w0")
    prev, cur := b.UpdateConsensus(consensus.Status{}, nil)
    assert.Equal(t, Disconnected, prev)
    assert.Equal(t, Degraded, cur)

    prev, cur = b.UpdateConsensus(consensus.Status{HasQuorum: true, LeaderAddr: "a", Members: []string{"c", "a", "w0"}}, nil)
    assert.Equal(t, Degraded, prev)
    assert.Equal(t, Connected, cur)
    r := b.Report()
    assert.Equal(t, []string{"a", "c", "w0"}, r.Consensus.Members)
    assert.Equal(t, "a", r.Consensus.LeaderAddr)

    _, cur = b.UpdateConsensus(consensus.Status{}, errors.New("shut down"))
    assert.Equal(t, Disconnected, cur)
    r = b.Report()
    assert.Equal(t, "shut down", r.Consensus.Error)
    assert.Empty(t, r.Consensus.Members)
    assert.False(t, r.Consensus.HasQuorum)
}

func TestBoard_LastWriterWins(t *testing.T) {
    b := NewBoard("w0")
    first := &health.Results{Cycle: 1, Records: []health.Record{{Endpoint: "pg-0", Healthy: false}}}
    second := &health.Results{Cycle: 2, Records: []health.Record{{Endpoint: "pg-0", Healthy: true}}}
    b.SetHealth(first)
    b.SetHealth(second)
    b.SetHealth(nil)
    require.NotNil(t, b.Report().Health)
    assert.Equal(t, uint64(2), b.Report().Health.Cycle)

    b.SetQuorum(quorum.Decide(3))
    b.SetQuorum(quorum.Decide(2))
    assert.Equal(t, quorum.Decision{DataNodes: 2, Participates: true}, b.Report().Quorum)
}

func TestBoard_TopologyChangeCountsAndCopies(t *testing.T) {
    b := NewBoard("w0")
    b.SetTopology(topology.Snapshot{"pg-0": "leader", "pg-1": "replica"})
    ch := topology.Change{
        ID:       "c1",
        At:       time.Now(),
        Previous: topology.Snapshot{"pg-0": "leader", "pg-1": "replica"},
        Current:  topology.Snapshot{"pg-0": "replica", "pg-1": "leader"},
    }
    b.TopologyChanged(ch)
    r := b.Report()
    assert.Equal(t, uint64(1), r.Changes)
    require.NotNil(t, r.LastChange)
    assert.Equal(t, "c1", r.LastChange.ID)
    assert.Equal(t, topology.Snapshot{"pg-0": "replica", "pg-1": "leader"}, r.Topology)

    // Mutating a returned report must not leak into the board.
    r.Topology["pg-2"] = "replica"
    r.LastChange.ID = "mutated"
    again := b.Report()
    assert.Len(t, again.Topology, 2)
    assert.Equal(t, "c1", again.LastChange.ID)
}

func TestBoard_ExpiryCopied(t *testing.T) {
    b := NewBoard("w0")
    inflight := []string{"/sync/leader"}
    b.SetExpiry(Expiry{InFlight: inflight, Keys: 4, LastApplied: 17})
    inflight[0] = "mutated"
    r := b.Report()
    assert.Equal(t, []string{"/sync/leader"}, r.Expiry.InFlight)
    assert.Equal(t, 4, r.Expiry.Keys)
    assert.Equal(t, uint64(17), r.Expiry.LastApplied)
}

func TestConnStateGauge(t *testing.T) {
    assert.Equal(t, 0.0, Disconnected.Gauge())
    assert.Equal(t, 1.0, Degraded.Gauge())
    assert.Equal(t, 2.0, Connected.Gauge())
}
