package raftcons

import (
    "io"
    "log"
    "testing"
    "time"

    "github.com/hashicorp/raft"
)

func newTestStream(t *testing.T, secret string) *authStream {
    t.Helper()
    addr := freeAddr(t)
    s, err := newAuthStream(addr, addr, secret, nil, nil, log.New(io.Discard, "", 0))
    if err != nil { t.Fatalf("stream: %v", err) }
    t.Cleanup(func() { _ = s.Close() })
    return s
}

func TestAuthStream_MatchingSecretConnects(t *testing.T) {
    srv := newTestStream(t, "k")
    cli := newTestStream(t, "k")

    accepted := make(chan error, 1)
    go func() {
        conn, err := srv.Accept()
        if err == nil {
            buf := make([]byte, 4)
            _, err = io.ReadFull(conn, buf)
            conn.Close()
        }
        accepted <- err
    }()
    conn, err := cli.Dial(raft.ServerAddress(srv.Addr().String()), time.Second)
    if err != nil { t.Fatalf("dial: %v", err) }
    defer conn.Close()
    if _, err := conn.Write([]byte("ping")); err != nil { t.Fatalf("write: %v", err) }
    select {
    case err := <-accepted:
        if err != nil { t.Fatalf("accept: %v", err) }
    case <-time.After(2 * time.Second):
        t.Fatalf("server never accepted")
    }
}

func TestAuthStream_WrongSecretRejected(t *testing.T) {
    srv := newTestStream(t, "right")
    cli := newTestStream(t, "wrong")
    if _, err := cli.Dial(raft.ServerAddress(srv.Addr().String()), time.Second); err == nil {
        t.Fatalf("dial with wrong secret succeeded")
    }
}

func TestAuthStream_CloseUnblocksAccept(t *testing.T) {
    s := newTestStream(t, "")
    errc := make(chan error, 1)
    go func() { _, err := s.Accept(); errc <- err }()
    _ = s.Close()
    select {
    case err := <-errc:
        if err != errStreamClosed { t.Fatalf("accept err = %v", err) }
    case <-time.After(time.Second):
        t.Fatalf("accept still blocked after close")
    }
}
