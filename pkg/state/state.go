package state

import (
    "encoding/json"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
)

// Value is one DCS record as replicated through the log. Index is stamped at
// apply time from the log position and is never taken from the client.
type Value struct {
    Value   json.RawMessage `json:"value,omitempty"`
    Index   uint64          `json:"index"`
    Created time.Time       `json:"created"`
    Updated time.Time       `json:"updated"`
    Expire  *time.Time      `json:"expire,omitempty"`
}

// Expired reports whether the value carries a TTL deadline at or before now.
func (v Value) Expired(now time.Time) bool {
    return v.Expire != nil && !v.Expire.After(now)
}

// Entry pairs a key with its stored value.
type Entry struct {
    Key   string `json:"key"`
    Value Value  `json:"value"`
}

// KeyValueState is the replicated key/value-with-TTL state machine.
type KeyValueState interface {
    consensus.Applier
    Get(key string) (Value, bool)
    Expired(now time.Time) []Entry
    LastApplied() uint64
    Len() int
}
