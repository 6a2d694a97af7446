package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "witness"

var (
    once sync.Once

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this witness is the consensus leader, else 0",
    })

    HasQuorum = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "has_quorum",
        Help:      "1 if the local consensus member confirms a reachable majority, else 0",
    })

    Connection = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "connection",
        Help:      "Consensus connection state: 0 disconnected, 1 degraded, 2 connected",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    JoinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "join_attempts_total",
        Help:      "Consensus join attempts by result",
    }, []string{"result"})

    RaftAuthFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "raft",
        Name:      "auth_failures_total",
        Help:      "Peer connections rejected by the shared-secret handshake",
    })

    Applied = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "kv",
        Name:      "applied_total",
        Help:      "Replicated log entries applied to the key/value state, by operation",
    }, []string{"op"})
    Keys = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "kv",
        Name:      "keys",
        Help:      "Number of keys held in the replicated key/value state",
    })

    ExpirySubmitted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "expiry",
        Name:      "submitted_total",
        Help:      "Expire commands submitted by the leader",
    })
    ExpirySuppressed = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "expiry",
        Name:      "suppressed_total",
        Help:      "Expired keys skipped because an expire is already in flight",
    })
    ExpiryRejected = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "expiry",
        Name:      "rejected_total",
        Help:      "Expire submissions rejected or failed",
    })
    ExpiryInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "expiry",
        Name:      "in_flight",
        Help:      "Keys with an expire submitted but not yet applied",
    })

    ProbeAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "probe",
        Name:      "attempts_total",
        Help:      "Health probe attempts by result",
    }, []string{"result"})
    EndpointHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "probe",
        Name:      "endpoint_healthy",
        Help:      "1 if the last probe cycle found the endpoint healthy, else 0",
    }, []string{"endpoint"})
    ProbeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: namespace,
        Subsystem: "probe",
        Name:      "cycle_seconds",
        Help:      "Duration of a full probe cycle",
        Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
    })

    TopologyPolls = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "topology",
        Name:      "polls_total",
        Help:      "Topology polls by result",
    }, []string{"result"})
    TopologyChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "topology",
        Name:      "changes_total",
        Help:      "Topology change notifications raised",
    })
    TopologyMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "topology",
        Name:      "members",
        Help:      "Members in the current topology baseline",
    })

    DataNodes = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "quorum",
        Name:      "data_nodes",
        Help:      "Data-node count the quorum decision was computed from",
    })
    QuorumParticipates = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "quorum",
        Name:      "participates",
        Help:      "1 if the witness counts toward failover quorum, else 0",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(HasQuorum)
        prometheus.MustRegister(Connection)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(JoinAttempts)
        prometheus.MustRegister(RaftAuthFailures)
        // state
        prometheus.MustRegister(Applied)
        prometheus.MustRegister(Keys)
        prometheus.MustRegister(ExpirySubmitted)
        prometheus.MustRegister(ExpirySuppressed)
        prometheus.MustRegister(ExpiryRejected)
        prometheus.MustRegister(ExpiryInFlight)
        // health and topology
        prometheus.MustRegister(ProbeAttempts)
        prometheus.MustRegister(EndpointHealthy)
        prometheus.MustRegister(ProbeDuration)
        prometheus.MustRegister(TopologyPolls)
        prometheus.MustRegister(TopologyChanges)
        prometheus.MustRegister(TopologyMembers)
        prometheus.MustRegister(DataNodes)
        prometheus.MustRegister(QuorumParticipates)
    })
}

// Bool converts a flag to a gauge value.
func Bool(v bool) float64 {
    if v { return 1 }
    return 0
}
