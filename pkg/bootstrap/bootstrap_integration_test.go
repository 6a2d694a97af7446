//go:build integration

package bootstrap

import (
    "context"
    "encoding/json"
    "net"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-witness/pkg/status"
    "github.com/amirimatin/go-witness/pkg/transport/httpjson"
)

func freeAddr(t *testing.T) string {
    t.Helper()
    ln, err := net.Listen("tcp", "127.0.0.1:0")
    require.NoError(t, err)
    defer ln.Close()
    return ln.Addr().String()
}

func fetchReport(ctx context.Context, cli *httpjson.Client, addr string) (status.Report, error) {
    var r status.Report
    data, err := cli.GetStatus(ctx, addr)
    if err != nil { return r, err }
    err = json.Unmarshal(data, &r)
    return r, err
}

// Three witnesses over TCP elect a leader, report connected through their
// management endpoints, and keep quorum after one of them leaves.
func TestThreeWitnesses_ConnectAndSurviveOneLoss(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
    defer cancel()

    raftAddrs := []string{freeAddr(t), freeAddr(t), freeAddr(t)}
    mgmtAddrs := []string{freeAddr(t), freeAddr(t), freeAddr(t)}
    nodes := make([]*Built, len(raftAddrs))
    for i, a := range raftAddrs {
        cfg := Default()
        cfg.Self, cfg.Bind, cfg.Secret = a, a, "s3cret"
        cfg.DataDir = t.TempDir()
        cfg.TickInterval = 100 * time.Millisecond
        cfg.JoinRetry = 200 * time.Millisecond
        cfg.Management.Addr = mgmtAddrs[i]
        cfg.Logger = quiet
        for j, p := range raftAddrs { if j != i { cfg.Peers.Addrs = append(cfg.Peers.Addrs, p) } }
        b, err := Run(ctx, cfg)
        require.NoError(t, err)
        nodes[i] = b
    }
    stopped := make([]bool, len(nodes))
    defer func() {
        for i, b := range nodes { if !stopped[i] { _ = b.Witness.Stop(context.Background()) } }
    }()

    cli := httpjson.NewClient(time.Second)
    awaitConnected := func(skip int) {
        require.Eventually(t, func() bool {
            leaders := 0
            for i, a := range mgmtAddrs {
                if i == skip { continue }
                r, err := fetchReport(ctx, cli, a)
                if err != nil || r.Consensus.State != status.Connected { return false }
                if r.Consensus.IsLeader { leaders++ }
            }
            return leaders <= 1
        }, 15*time.Second, 200*time.Millisecond)
    }
    awaitConnected(-1)

    var leader int
    for i, b := range nodes { if b.Witness.Status().Consensus.IsLeader { leader = i } }
    require.NoError(t, nodes[leader].Witness.Stop(context.Background()))
    stopped[leader] = true
    awaitConnected(leader)
}
