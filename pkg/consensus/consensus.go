package consensus

import (
    "context"
    "errors"
)

var (
    // ErrEngineUnavailable means the engine could not be started or has been
    // shut down. Callers surface it as "not connected" and retry later.
    ErrEngineUnavailable = errors.New("consensus: engine unavailable")
    // ErrNotLeader rejects a submission on a node that is not the leader.
    ErrNotLeader = errors.New("consensus: not leader")
    // ErrNoQuorum rejects a submission while no majority is reachable.
    ErrNoQuorum = errors.New("consensus: no quorum")
)

// Command is one replicated log operation. Op names the method of the
// replicated schema ("set", "delete", "expire"); Payload carries its
// JSON-encoded arguments and is interpreted by the Applier.
type Command struct {
    Op      string `json:"op"`
    Payload []byte `json:"payload,omitempty"`
}

// Status is a point-in-time view of the local consensus member.
type Status struct {
    IsLeader   bool
    HasQuorum  bool
    LeaderAddr string
    Members    []string
}

// Applier is the replicated state machine driven by an Engine. Every method is
// invoked on the engine's single writer, never concurrently with another
// Applier call or with a tick callback.
type Applier interface {
    // Apply applies cmd at the given log index and returns its result.
    Apply(index uint64, cmd Command) interface{}
    Snapshot() ([]byte, error)
    Restore(data []byte) error
}

// Engine is the capability set the witness needs from a replicated-log engine.
//
// Implementations guarantee that applies, tick callbacks and submission
// completion callbacks run on one logical thread of control, so components
// hosted on it need no locking against each other.
type Engine interface {
    // Join starts the local member with the given peers. secret authenticates
    // peer connections. Failure to start wraps ErrEngineUnavailable.
    Join(ctx context.Context, self string, peers []string, secret string) error
    // Submit offers cmd to the log. A nil return means accepted; done (may be
    // nil) later receives the outcome on the single writer.
    Submit(cmd Command, done func(error)) error
    // Status reports leadership and quorum. An error means status could not
    // be determined and must not be read as healthy.
    Status() (Status, error)
    // OnTick registers a callback run periodically on the single writer.
    OnTick(fn func())
    // Leave detaches from the group and releases resources.
    Leave(ctx context.Context) error
}

// LeaderInfo is a leadership observation. An empty Addr means the leader
// was lost.
type LeaderInfo struct {
    ID   string `json:"id"`
    Addr string `json:"addr"`
    Term uint64 `json:"term,omitempty"`
}

// LeaderNotifier is optionally implemented by engines that observe
// leadership changes directly. Updates are dropped, never blocked on, when
// the channel is full.
type LeaderNotifier interface {
    LeaderCh() <-chan LeaderInfo
}
