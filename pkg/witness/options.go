package witness

import (
    "errors"
    "fmt"
    "log"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/discovery"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/state/kv"
    "github.com/amirimatin/go-witness/pkg/topology"
    "github.com/amirimatin/go-witness/pkg/transport"
)

const (
    DefaultJoinRetry       = 5 * time.Second
    DefaultShutdownTimeout = 5 * time.Second
)

// Options carries dependency-injected components and runtime configuration
// used to assemble a Witness. Instances are typically produced from
// bootstrap.Config.
type Options struct {
    // Self is this member's consensus address.
    Self string
    // Peers lists the other consensus members.
    Peers discovery.Source
    // Secret authenticates consensus peers; empty disables authentication.
    Secret string

    // Engine drives Store. Both are required.
    Engine consensus.Engine
    Store  *kv.Store

    // Endpoints are the data nodes probed by Checker.
    Endpoints discovery.Source
    Checker   health.Checker

    // Topology is optional; without it the data-node count comes from Endpoints.
    Topology topology.Source

    // Management is an optional status server.
    Management transport.RPCServer

    Logger *log.Logger
    Clock  func() time.Time

    HealthInterval   time.Duration
    RetryCount       int
    RetryInterval    time.Duration
    QueryTimeout     time.Duration
    TopologyInterval time.Duration
    JoinRetry        time.Duration
    ShutdownTimeout  time.Duration
}

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before New.
func (o Options) Validate() error {
    if o.Self == "" {
        return errors.New("witness: empty Self address")
    }
    if o.Engine == nil {
        return errors.New("witness: nil Engine")
    }
    if o.Store == nil {
        return errors.New("witness: nil Store")
    }
    if o.Endpoints != nil && o.Checker == nil {
        return errors.New("witness: Endpoints configured without a Checker")
    }
    for name, d := range map[string]time.Duration{
        "HealthInterval":   o.HealthInterval,
        "RetryInterval":    o.RetryInterval,
        "QueryTimeout":     o.QueryTimeout,
        "TopologyInterval": o.TopologyInterval,
        "JoinRetry":        o.JoinRetry,
        "ShutdownTimeout":  o.ShutdownTimeout,
    } {
        if d < 0 { return fmt.Errorf("witness: negative %s %s", name, d) }
    }
    if o.RetryCount < 0 {
        return fmt.Errorf("witness: negative RetryCount %d", o.RetryCount)
    }
    return nil
}

func (o Options) withDefaults() Options {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.Clock == nil { o.Clock = time.Now }
    if o.HealthInterval == 0 { o.HealthInterval = health.DefaultInterval }
    if o.TopologyInterval == 0 { o.TopologyInterval = topology.DefaultInterval }
    if o.JoinRetry == 0 { o.JoinRetry = DefaultJoinRetry }
    if o.ShutdownTimeout == 0 { o.ShutdownTimeout = DefaultShutdownTimeout }
    return o
}
