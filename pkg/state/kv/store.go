// Package kv implements the DCS key/value-with-TTL state machine. Data nodes
// and the witness apply the same log, so the three operations below must stay
// bit-for-bit compatible with the store used by the data nodes.
//
// A Store is not safe for concurrent use. The consensus engine calls it from
// its single writer only.
package kv

import (
    "bytes"
    "encoding/json"
    "fmt"
    "sort"
    "strings"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    base "github.com/amirimatin/go-witness/pkg/state"
)

const (
    OpSet    = "set"
    OpDelete = "delete"
    OpExpire = "expire"
)

// Preconditions are the optional compare-and-set guards of set/delete.
type Preconditions struct {
    PrevExist *bool           `json:"prevExist,omitempty"`
    PrevValue json.RawMessage `json:"prevValue,omitempty"`
    PrevIndex uint64          `json:"prevIndex,omitempty"`
}

func (p Preconditions) hold(old base.Value, exists bool) bool {
    if p.PrevExist != nil && *p.PrevExist != exists { return false }
    if p.PrevValue != nil && (!exists || !bytes.Equal(old.Value, p.PrevValue)) { return false }
    if p.PrevIndex != 0 && (!exists || old.Index != p.PrevIndex) { return false }
    return true
}

type setArgs struct {
    Key   string     `json:"key"`
    Value base.Value `json:"value"`
    Preconditions
}

type deleteArgs struct {
    Key       string `json:"key"`
    Recursive bool   `json:"recursive,omitempty"`
    Preconditions
}

type expireArgs struct {
    Key   string     `json:"key"`
    Value base.Value `json:"value"`
}

// Set builds a replicated set command.
func Set(key string, v base.Value, pre Preconditions) consensus.Command {
    return command(OpSet, setArgs{Key: key, Value: v, Preconditions: pre})
}

// Delete builds a replicated delete command.
func Delete(key string, recursive bool, pre Preconditions) consensus.Command {
    return command(OpDelete, deleteArgs{Key: key, Recursive: recursive, Preconditions: pre})
}

// Expire builds a replicated expire command. v travels only for schema
// compatibility; applying it removes key whatever is stored.
func Expire(key string, v base.Value) consensus.Command {
    return command(OpExpire, expireArgs{Key: key, Value: v})
}

func command(op string, args interface{}) consensus.Command {
    b, _ := json.Marshal(args)
    return consensus.Command{Op: op, Payload: b}
}

// Store is the in-memory DCS map.
type Store struct {
    data        map[string]base.Value
    lastApplied uint64
    onRemove    func(key string)
}

func New() *Store { return &Store{data: make(map[string]base.Value)} }

// OnRemove registers fn to be called for every key an apply removes.
func (s *Store) OnRemove(fn func(key string)) { s.onRemove = fn }

// Apply applies cmd at log position index. Results mirror the DCS: the stored
// value for a successful set, false for a failed precondition, true for
// delete, nil for expire and for unknown operations. Entries at or below the
// last applied index are skipped so a replayed entry cannot apply twice.
func (s *Store) Apply(index uint64, cmd consensus.Command) interface{} {
    if index != 0 && index <= s.lastApplied {
        return nil
    }
    if index != 0 {
        defer func() { s.lastApplied = index }()
    }
    metrics.Applied.WithLabelValues(opLabel(cmd.Op)).Inc()
    switch cmd.Op {
    case OpSet:
        var a setArgs
        if err := json.Unmarshal(cmd.Payload, &a); err != nil { return fmt.Errorf("kv: decode set: %w", err) }
        return s.set(index, a)
    case OpDelete:
        var a deleteArgs
        if err := json.Unmarshal(cmd.Payload, &a); err != nil { return fmt.Errorf("kv: decode delete: %w", err) }
        return s.delete(a)
    case OpExpire:
        var a expireArgs
        if err := json.Unmarshal(cmd.Payload, &a); err != nil { return fmt.Errorf("kv: decode expire: %w", err) }
        s.expire(a.Key)
        return nil
    default:
        return nil
    }
}

func opLabel(op string) string {
    switch op {
    case OpSet, OpDelete, OpExpire:
        return op
    default:
        return "unknown"
    }
}

func (s *Store) set(index uint64, a setArgs) interface{} {
    old, exists := s.data[a.Key]
    if !a.Preconditions.hold(old, exists) {
        return false
    }
    v := a.Value
    if exists && !old.Created.Equal(v.Created) {
        v.Created = v.Updated
    }
    v.Index = index
    s.data[a.Key] = v
    return v
}

func (s *Store) delete(a deleteArgs) interface{} {
    if a.Recursive {
        for k := range s.data {
            if strings.HasPrefix(k, a.Key) { s.remove(k) }
        }
        return true
    }
    old, exists := s.data[a.Key]
    if !a.Preconditions.hold(old, exists) {
        return false
    }
    s.remove(a.Key)
    return true
}

func (s *Store) expire(key string) { s.remove(key) }

func (s *Store) remove(key string) {
    if _, ok := s.data[key]; !ok { return }
    delete(s.data, key)
    if s.onRemove != nil { s.onRemove(key) }
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (base.Value, bool) {
    v, ok := s.data[key]
    return v, ok
}

// Expired lists entries whose TTL has passed at now, sorted by key.
func (s *Store) Expired(now time.Time) []base.Entry {
    var out []base.Entry
    for k, v := range s.data {
        if v.Expired(now) { out = append(out, base.Entry{Key: k, Value: v}) }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out
}

// Entries returns every entry sorted by key.
func (s *Store) Entries() []base.Entry {
    out := make([]base.Entry, 0, len(s.data))
    for k, v := range s.data { out = append(out, base.Entry{Key: k, Value: v}) }
    sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
    return out
}

func (s *Store) LastApplied() uint64 { return s.lastApplied }

func (s *Store) Len() int { return len(s.data) }

type snapshot struct {
    Version     int          `json:"version"`
    LastApplied uint64       `json:"last_applied"`
    Entries     []base.Entry `json:"entries"`
}

// Snapshot encodes state as a stable JSON document.
func (s *Store) Snapshot() ([]byte, error) {
    return json.Marshal(snapshot{Version: 1, LastApplied: s.lastApplied, Entries: s.Entries()})
}

func (s *Store) Restore(buf []byte) error {
    var snap snapshot
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    if snap.Version != 1 {
        return fmt.Errorf("kv: unsupported snapshot version %d", snap.Version)
    }
    s.data = make(map[string]base.Value, len(snap.Entries))
    for _, e := range snap.Entries {
        s.data[e.Key] = e.Value
    }
    s.lastApplied = snap.LastApplied
    return nil
}

var _ base.KeyValueState = (*Store)(nil)
