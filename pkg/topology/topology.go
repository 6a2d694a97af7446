// Package topology polls the data cluster's member/role map and raises one
// notification for every observed change.
package topology

import (
    "context"
    "errors"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"

    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/internal/periodic"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    "github.com/amirimatin/go-witness/pkg/observability/tracing"
)

const DefaultInterval = 15 * time.Second

// ErrFetch wraps every failure to obtain a snapshot.
var ErrFetch = errors.New("topology: fetch failed")

// Snapshot maps member name to role.
type Snapshot map[string]string

// Equal reports whether both snapshots hold the same members with the same roles.
func (s Snapshot) Equal(o Snapshot) bool {
    if len(s) != len(o) { return false }
    for k, v := range s {
        if ov, ok := o[k]; !ok || ov != v { return false }
    }
    return true
}

// Members returns member names sorted.
func (s Snapshot) Members() []string {
    out := make([]string, 0, len(s))
    for k := range s { out = append(out, k) }
    sort.Strings(out)
    return out
}

func (s Snapshot) clone() Snapshot {
    out := make(Snapshot, len(s))
    for k, v := range s { out[k] = v }
    return out
}

// MemberChange describes one member's difference between two snapshots.
// An empty From means the member joined; an empty To means it left.
type MemberChange struct {
    Member string `json:"member"`
    From   string `json:"from,omitempty"`
    To     string `json:"to,omitempty"`
}

// Change is one topology change notification.
type Change struct {
    ID       string         `json:"id"`
    At       time.Time      `json:"at"`
    Previous Snapshot       `json:"previous"`
    Current  Snapshot       `json:"current"`
    Diff     []MemberChange `json:"diff"`
}

// Diff lists member-level differences from prev to cur, sorted by member.
func Diff(prev, cur Snapshot) []MemberChange {
    var out []MemberChange
    for m, role := range cur {
        if old, ok := prev[m]; !ok || old != role {
            out = append(out, MemberChange{Member: m, From: old, To: role})
        }
    }
    for m, role := range prev {
        if _, ok := cur[m]; !ok {
            out = append(out, MemberChange{Member: m, From: role})
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
    return out
}

// Source fetches the current topology.
type Source interface {
    Fetch(ctx context.Context) (Snapshot, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (Snapshot, error)

func (f SourceFunc) Fetch(ctx context.Context) (Snapshot, error) { return f(ctx) }

// Options configure a Watcher.
type Options struct {
    Interval time.Duration
    Logger   *log.Logger
    // OnChange receives every change, on the poll goroutine.
    OnChange func(Change)
    // OnBaseline receives the first successful snapshot.
    OnBaseline func(Snapshot)
    Clock    func() time.Time
}

// Watcher keeps a baseline snapshot and compares each poll against it.
type Watcher struct {
    src  Source
    opts Options
    log  *log.Logger
    loop periodic.Loop

    mu       sync.Mutex
    baseline Snapshot
    known    bool
}

func NewWatcher(src Source, opts Options) *Watcher {
    if opts.Interval <= 0 { opts.Interval = DefaultInterval }
    if opts.Logger == nil { opts.Logger = log.Default() }
    if opts.Clock == nil { opts.Clock = time.Now }
    return &Watcher{src: src, opts: opts, log: opts.Logger}
}

// Poll runs one cycle. The first successful fetch becomes the baseline
// without a notification. A fetch error leaves the baseline untouched and
// is returned wrapped in ErrFetch.
func (w *Watcher) Poll(ctx context.Context) (bool, error) {
    ctx, end := tracing.StartSpan(ctx, "topology.poll")
    defer end()

    snap, err := w.src.Fetch(ctx)
    if err != nil {
        metrics.TopologyPolls.WithLabelValues("error").Inc()
        if !errors.Is(err, ErrFetch) { err = fmt.Errorf("%w: %w", ErrFetch, err) }
        tracing.RecordError(ctx, err)
        logutil.Warnf(w.log, "topology: %v", err)
        return false, err
    }
    metrics.TopologyPolls.WithLabelValues("ok").Inc()
    metrics.TopologyMembers.Set(float64(len(snap)))

    w.mu.Lock()
    if !w.known {
        w.baseline, w.known = snap.clone(), true
        w.mu.Unlock()
        logutil.Infof(w.log, "topology: baseline with %d member(s)", len(snap))
        if w.opts.OnBaseline != nil { w.opts.OnBaseline(snap.clone()) }
        return false, nil
    }
    if w.baseline.Equal(snap) {
        w.mu.Unlock()
        return false, nil
    }
    ch := Change{
        ID:       uuid.NewString(),
        At:       w.opts.Clock(),
        Previous: w.baseline,
        Current:  snap.clone(),
    }
    ch.Diff = Diff(ch.Previous, ch.Current)
    w.baseline = snap.clone()
    w.mu.Unlock()

    metrics.TopologyChanges.Inc()
    logutil.Infof(w.log, "topology: changed (%d member change(s)), id=%s", len(ch.Diff), ch.ID)
    if w.opts.OnChange != nil { w.opts.OnChange(ch) }
    return true, nil
}

// Baseline returns a copy of the current baseline; ok is false before the
// first successful poll.
func (w *Watcher) Baseline() (Snapshot, bool) {
    w.mu.Lock()
    defer w.mu.Unlock()
    if !w.known { return nil, false }
    return w.baseline.clone(), true
}

// Start polls now and then every Interval. Starting a running watcher
// restarts it; at most one poll goroutine exists.
func (w *Watcher) Start(ctx context.Context) {
    w.loop.Start(ctx, w.opts.Interval, true, func(ctx context.Context) { _, _ = w.Poll(ctx) })
}

// Stop returns after the poll goroutine has exited.
func (w *Watcher) Stop() { w.loop.Stop() }

func (w *Watcher) Running() bool { return w.loop.Running() }
