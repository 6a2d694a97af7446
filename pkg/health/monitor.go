package health

import (
    "context"
    "log"
    "sync/atomic"
    "time"

    "github.com/amirimatin/go-witness/pkg/discovery"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/internal/periodic"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
)

const DefaultInterval = 30 * time.Second

// Results is one complete probe cycle. Values are immutable once published.
type Results struct {
    Cycle    uint64        `json:"cycle"`
    At       time.Time     `json:"at"`
    Duration time.Duration `json:"duration"`
    Records  []Record      `json:"records"`
}

// Healthy maps each endpoint to its health flag.
func (r *Results) Healthy() map[string]bool {
    out := make(map[string]bool, len(r.Records))
    for _, rec := range r.Records { out[rec.Endpoint] = rec.Healthy }
    return out
}

func (r *Results) HealthyCount() int {
    n := 0
    for _, rec := range r.Records { if rec.Healthy { n++ } }
    return n
}

// MonitorOptions configure a Monitor.
type MonitorOptions struct {
    Interval  time.Duration
    Endpoints discovery.Source
    Logger    *log.Logger
    // OnCycle receives every published cycle, on the monitor goroutine.
    OnCycle func(*Results)
}

// Monitor probes the endpoint list on a fixed interval.
type Monitor struct {
    prober  *Prober
    opts    MonitorOptions
    log     *log.Logger
    loop    periodic.Loop
    results atomic.Pointer[Results]
    cycle   atomic.Uint64
}

func NewMonitor(p *Prober, opts MonitorOptions) *Monitor {
    if opts.Interval <= 0 { opts.Interval = DefaultInterval }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Monitor{prober: p, opts: opts, log: opts.Logger}
}

// Start runs a cycle now and then every Interval. Starting a running monitor
// restarts it.
func (m *Monitor) Start(ctx context.Context) {
    m.loop.Start(ctx, m.opts.Interval, true, func(ctx context.Context) { m.RunOnce(ctx) })
}

// Stop waits for an in-flight cycle to return.
func (m *Monitor) Stop() { m.loop.Stop() }

func (m *Monitor) Running() bool { return m.loop.Running() }

// Results returns the last complete cycle, or nil before the first one.
func (m *Monitor) Results() *Results { return m.results.Load() }

// RunOnce probes every endpoint once and publishes the cycle. A cycle
// interrupted by cancellation is discarded, and so is one whose endpoint
// discovery failed without yielding any address: the previous Results stay
// current.
func (m *Monitor) RunOnce(ctx context.Context) *Results {
    var endpoints []string
    if m.opts.Endpoints != nil {
        eps, err := m.opts.Endpoints.Addresses(ctx)
        if err != nil && len(eps) == 0 {
            logutil.Warnf(m.log, "health: endpoint discovery: %v; keeping cycle %d", err, m.cycle.Load())
            return m.results.Load()
        }
        if err != nil { logutil.Warnf(m.log, "health: endpoint discovery: %v", err) }
        endpoints = eps
    }
    start := time.Now()
    recs := m.prober.ProbeRecords(ctx, endpoints)
    if ctx.Err() != nil {
        return m.results.Load()
    }
    res := &Results{Cycle: m.cycle.Add(1), At: time.Now(), Duration: time.Since(start), Records: recs}
    m.publish(res)
    return res
}

func (m *Monitor) publish(res *Results) {
    prev := m.results.Swap(res)
    metrics.ProbeDuration.Observe(res.Duration.Seconds())
    if prev != nil {
        for _, rec := range prev.Records { metrics.EndpointHealthy.DeleteLabelValues(rec.Endpoint) }
    }
    for _, rec := range res.Records {
        metrics.EndpointHealthy.WithLabelValues(rec.Endpoint).Set(metrics.Bool(rec.Healthy))
    }
    logutil.Debugf(m.log, "health: cycle %d, %d/%d endpoint(s) healthy", res.Cycle, res.HealthyCount(), len(res.Records))
    if m.opts.OnCycle != nil { m.opts.OnCycle(res) }
}
