package raftcons

import (
    "context"
    "testing"
    "time"

    base "github.com/amirimatin/go-witness/pkg/state"
    "github.com/amirimatin/go-witness/pkg/state/kv"
)

// This test wires three Raft nodes using in-memory loopback transports
// to validate leader election from a shared bootstrap configuration and
// that every member applies the same log.
func TestRaft_ThreeNodeElection_Inmem(t *testing.T) {
    ids := []string{"n1", "n2", "n3"}
    stores := map[string]*kv.Store{}
    nodes := map[string]*Node{}
    for _, id := range ids {
        stores[id] = kv.New()
        n, err := New(stores[id], fastOptions())
        if err != nil { t.Fatalf("new %s: %v", id, err) }
        nodes[id] = n
    }

    ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    for _, id := range ids {
        var peers []string
        for _, p := range ids { if p != id { peers = append(peers, p) } }
        if err := nodes[id].Join(ctx, id, peers, ""); err != nil { t.Fatalf("%s join: %v", id, err) }
        defer nodes[id].Leave(context.Background())
    }

    // Fully connect transports pairwise (loopback)
    connect := func(a, b *Node) {
        if a.lb == nil || b.lb == nil { t.Fatalf("loopback transport expected") }
        a.lb.Connect(b.addr, b.trans)
        b.lb.Connect(a.addr, a.trans)
    }
    connect(nodes["n1"], nodes["n2"])
    connect(nodes["n1"], nodes["n3"])
    connect(nodes["n2"], nodes["n3"])

    // Exactly one leader eventually, known by everyone
    var leader *Node
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) && leader == nil {
        for _, n := range nodes {
            if st, err := n.Status(); err == nil && st.IsLeader { leader = n }
        }
        time.Sleep(50 * time.Millisecond)
    }
    if leader == nil { t.Fatalf("no leader elected") }
    for id, n := range nodes {
        awaitLeaderKnown(t, id, n)
    }

    // Followers reject submissions
    for _, n := range nodes {
        if n == leader { continue }
        if err := n.Submit(kv.Expire("k", base.Value{}), nil); err == nil {
            t.Fatalf("follower %s accepted a submission", n.Addr())
        }
    }

    done := make(chan error, 1)
    v := base.Value{Value: []byte(`1`)}
    if err := leader.Submit(kv.Set("/svc/initialize", v, kv.Preconditions{}), func(err error) { done <- err }); err != nil {
        t.Fatalf("submit: %v", err)
    }
    if err := <-done; err != nil { t.Fatalf("apply: %v", err) }
    for id, n := range nodes {
        awaitKey(t, id, n, stores[id], "/svc/initialize", true)
    }
}

func awaitLeaderKnown(t *testing.T, id string, n *Node) {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if st, err := n.Status(); err == nil && st.LeaderAddr != "" && st.HasQuorum { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("leader unknown on node %s", id)
}

func awaitKey(t *testing.T, id string, n *Node, s *kv.Store, key string, present bool) {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        var ok bool
        _ = n.Do(func() { _, ok = s.Get(key) })
        if ok == present { return }
        time.Sleep(50 * time.Millisecond)
    }
    t.Fatalf("key %s present=%v never observed on %s", key, present, id)
}
