package grpc

import (
    "context"
    "sync/atomic"
    "testing"
    "time"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"
)

func TestServer_GetStatusAndHealthMirror(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    var ready atomic.Bool
    s := NewServer("127.0.0.1:0")
    s.ReadyInterval = 10 * time.Millisecond
    status := func(context.Context) ([]byte, error) { return []byte(`{"self":"w0"}`), nil }
    readyFn := func(context.Context) (bool, string) {
        if ready.Load() { return true, "connected" }
        return false, "disconnected"
    }
    require.NoError(t, s.Start(ctx, status, readyFn))
    defer s.Stop(context.Background())

    c := NewClient(2 * time.Second)
    got, err := c.GetStatus(context.Background(), s.Addr())
    require.NoError(t, err)
    assert.JSONEq(t, `{"self":"w0"}`, string(got))

    serving, err := c.Serving(context.Background(), s.Addr())
    require.NoError(t, err)
    assert.False(t, serving)

    ready.Store(true)
    assert.Eventually(t, func() bool {
        ok, err := c.Serving(context.Background(), s.Addr())
        return err == nil && ok
    }, 2*time.Second, 20*time.Millisecond)
}

func TestServer_StopIsIdempotent(t *testing.T) {
    s := NewServer("127.0.0.1:0")
    require.NoError(t, s.Start(context.Background(), func(context.Context) ([]byte, error) { return nil, nil }, nil))
    require.NoError(t, s.Stop(context.Background()))
    require.NoError(t, s.Stop(context.Background()))

    _, err := NewClient(200*time.Millisecond).GetStatus(context.Background(), s.Addr())
    assert.Error(t, err)
}
