package raftcons

import (
    "crypto/tls"
    "log"
    "time"
)

// Options configure the Raft-based consensus engine.
type Options struct {
    Logger *log.Logger

    // Timeouts (optional). Zero means defaults.
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
    ApplyTimeout     time.Duration // how long a submission may wait to be committed

    // TickInterval drives OnTick callbacks. Default 1s.
    TickInterval time.Duration

    // QuorumContactTimeout bounds how stale a follower's last leader contact
    // may be while it still reports a quorum. Default 3x HeartbeatTimeout.
    QuorumContactTimeout time.Duration

    // ShutdownTimeout bounds Leave. Default 5s.
    ShutdownTimeout time.Duration

    // Networking & Storage
    // If BindAddr is non-empty, a TCP transport is used bound to this address
    // and advertised as the address passed to Join. Otherwise an in-memory
    // loopback transport is used.
    BindAddr string

    // ServerTLS and ClientTLS wrap peer connections when set.
    ServerTLS *tls.Config
    ClientTLS *tls.Config

    // DataDir selects on-disk stores when non-empty (bolt store for log/stable,
    // file snapshot store). When empty, in-memory stores are used.
    DataDir string

    // SnapshotsRetained controls how many snapshots to retain on disk.
    SnapshotsRetained int
}

func (o Options) withDefaults() Options {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.HeartbeatTimeout <= 0 { o.HeartbeatTimeout = time.Second }
    if o.ElectionTimeout <= 0 { o.ElectionTimeout = time.Second }
    if o.CommitTimeout <= 0 { o.CommitTimeout = 50 * time.Millisecond }
    if o.ApplyTimeout <= 0 { o.ApplyTimeout = 5 * time.Second }
    if o.TickInterval <= 0 { o.TickInterval = time.Second }
    if o.QuorumContactTimeout <= 0 { o.QuorumContactTimeout = 3 * o.HeartbeatTimeout }
    if o.ShutdownTimeout <= 0 { o.ShutdownTimeout = 5 * time.Second }
    if o.SnapshotsRetained <= 0 { o.SnapshotsRetained = 2 }
    return o
}
