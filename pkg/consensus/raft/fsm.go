package raftcons

import (
    "encoding/json"
    "fmt"
    "io"
    "time"

    "github.com/hashicorp/raft"

    c "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/internal/serial"
)

// serialFSM bridges Raft Apply/Snapshot/Restore to a consensus.Applier,
// running every call on the engine's executor.
type serialFSM struct {
    app  c.Applier
    exec *serial.Executor
}

func newSerialFSM(app c.Applier, exec *serial.Executor) *serialFSM {
    return &serialFSM{app: app, exec: exec}
}

func (f *serialFSM) Apply(l *raft.Log) interface{} {
    var cmd c.Command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return fmt.Errorf("raftcons: decode log %d: %w", l.Index, err)
    }
    var res interface{}
    if err := f.exec.Do(func() { res = f.app.Apply(l.Index, cmd) }); err != nil {
        return err
    }
    return res
}

func (f *serialFSM) Snapshot() (raft.FSMSnapshot, error) {
    var (
        blob []byte
        serr error
    )
    if err := f.exec.Do(func() { blob, serr = f.app.Snapshot() }); err != nil { return nil, err }
    if serr != nil { return nil, serr }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *serialFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    var rerr error
    if err := f.exec.Do(func() { rerr = f.app.Restore(data) }); err != nil { return err }
    return rerr
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*serialFSM)(nil)
