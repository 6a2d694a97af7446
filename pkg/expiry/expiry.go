// Package expiry removes TTL-expired keys through the replicated log while the
// local member leads. It runs on the consensus engine's tick, so it never
// overlaps with an apply and needs no locking of its own.
package expiry

import (
    "log"
    "sort"
    "time"

    c "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    "github.com/amirimatin/go-witness/pkg/state"
    "github.com/amirimatin/go-witness/pkg/state/kv"
)

// Options tune a Loop. Zero values select defaults.
type Options struct {
    Clock  func() time.Time
    Logger *log.Logger
}

type submission struct {
    index uint64 // index of the value being expired
    seq   uint64
}

// Loop tracks which keys already have an expire travelling through the log
// (the "limb" set) so one expired key yields one submission per tenure.
type Loop struct {
    engine   c.Engine
    state    state.KeyValueState
    now      func() time.Time
    log      *log.Logger
    inFlight map[string]submission
    seq      uint64
    leading  bool
}

func New(engine c.Engine, st state.KeyValueState, opts Options) *Loop {
    if opts.Clock == nil { opts.Clock = time.Now }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Loop{engine: engine, state: st, now: opts.Clock, log: opts.Logger, inFlight: make(map[string]submission)}
}

// Tick runs one expiry pass. It must be called on the engine's single writer.
func (l *Loop) Tick() {
    st, err := l.engine.Status()
    if err != nil || !st.IsLeader {
        if l.leading {
            logutil.Infof(l.log, "expiry: no longer leader, dropping %d in-flight key(s)", len(l.inFlight))
        }
        l.leading = false
        l.clear()
        return
    }
    if !l.leading {
        logutil.Infof(l.log, "expiry: leader, scanning for expired keys")
        l.leading = true
    }
    for _, e := range l.state.Expired(l.now()) {
        if _, ok := l.inFlight[e.Key]; ok {
            metrics.ExpirySuppressed.Inc()
            continue
        }
        l.submit(e)
    }
    metrics.ExpiryInFlight.Set(float64(len(l.inFlight)))
}

func (l *Loop) submit(e state.Entry) {
    l.seq++
    sub := submission{index: e.Value.Index, seq: l.seq}
    key := e.Key
    l.inFlight[key] = sub
    err := l.engine.Submit(kv.Expire(key, e.Value), func(err error) {
        if err != nil {
            metrics.ExpiryRejected.Inc()
            logutil.Warnf(l.log, "expiry: expire %q failed: %v", key, err)
        }
        if cur, ok := l.inFlight[key]; ok && cur.seq == sub.seq {
            delete(l.inFlight, key)
            metrics.ExpiryInFlight.Set(float64(len(l.inFlight)))
        }
    })
    if err != nil {
        delete(l.inFlight, key)
        metrics.ExpiryRejected.Inc()
        logutil.Warnf(l.log, "expiry: submit expire %q: %v", key, err)
        return
    }
    metrics.ExpirySubmitted.Inc()
    logutil.Debugf(l.log, "expiry: submitted expire %q (index %d)", key, e.Value.Index)
}

// Forget drops key from the in-flight set. Wire it to the state machine's
// removal hook so a key leaves the set as soon as its removal is applied.
func (l *Loop) Forget(key string) {
    if _, ok := l.inFlight[key]; !ok { return }
    delete(l.inFlight, key)
    metrics.ExpiryInFlight.Set(float64(len(l.inFlight)))
}

// InFlight lists keys with an expire submitted but not yet applied.
func (l *Loop) InFlight() []string {
    out := make([]string, 0, len(l.inFlight))
    for k := range l.inFlight { out = append(out, k) }
    sort.Strings(out)
    return out
}

func (l *Loop) clear() {
    if len(l.inFlight) == 0 { return }
    l.inFlight = make(map[string]submission)
    metrics.ExpiryInFlight.Set(0)
}
