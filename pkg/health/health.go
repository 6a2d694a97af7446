// Package health probes data-node endpoints with bounded retries. A failed
// attempt is logged and counted, never returned: callers only see a healthy
// flag per endpoint.
package health

import (
    "context"
    "errors"
    "log"
    "sync"
    "time"

    "go.opentelemetry.io/otel/attribute"

    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
    "github.com/amirimatin/go-witness/pkg/observability/tracing"
)

// ErrUnexpectedResponse is returned by checkers whose liveness query
// answered with something other than the expected value.
var ErrUnexpectedResponse = errors.New("health: unexpected probe response")

const (
    DefaultRetryCount    = 3
    DefaultRetryInterval = 7 * time.Second
    DefaultQueryTimeout  = 5 * time.Second
)

// Checker performs one probe attempt. ctx carries the per-attempt deadline.
type Checker interface {
    Check(ctx context.Context, endpoint string) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, endpoint string) error

func (f CheckerFunc) Check(ctx context.Context, endpoint string) error { return f(ctx, endpoint) }

// Record is the outcome of probing one endpoint.
type Record struct {
    Endpoint     string    `json:"endpoint"`
    Healthy      bool      `json:"healthy"`
    LastChecked  time.Time `json:"last_checked"`
    AttemptsUsed int       `json:"attempts_used"`
    Error        string    `json:"error,omitempty"`
}

// Options configure a Prober. Zero values select defaults.
type Options struct {
    RetryCount    int
    RetryInterval time.Duration
    QueryTimeout  time.Duration
    Checker       Checker
    Logger        *log.Logger
}

// Prober runs bounded-retry liveness checks.
type Prober struct {
    opts Options
    log  *log.Logger
}

func NewProber(opts Options) *Prober {
    if opts.RetryCount <= 0 { opts.RetryCount = DefaultRetryCount }
    if opts.RetryInterval < 0 { opts.RetryInterval = 0 }
    if opts.RetryInterval == 0 { opts.RetryInterval = DefaultRetryInterval }
    if opts.QueryTimeout <= 0 { opts.QueryTimeout = DefaultQueryTimeout }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Prober{opts: opts, log: opts.Logger}
}

// MaxProbeDuration is the worst-case time one endpoint can take.
func (p *Prober) MaxProbeDuration() time.Duration {
    n := time.Duration(p.opts.RetryCount)
    return n*p.opts.QueryTimeout + (n-1)*p.opts.RetryInterval
}

// ProbeAll probes every endpoint in parallel and reports which are healthy.
func (p *Prober) ProbeAll(ctx context.Context, endpoints []string) map[string]bool {
    out := make(map[string]bool, len(endpoints))
    for _, r := range p.ProbeRecords(ctx, endpoints) {
        out[r.Endpoint] = r.Healthy
    }
    return out
}

// ProbeRecords is ProbeAll with the full per-endpoint records, in input order.
func (p *Prober) ProbeRecords(ctx context.Context, endpoints []string) []Record {
    recs := make([]Record, len(endpoints))
    var wg sync.WaitGroup
    for i, ep := range endpoints {
        wg.Add(1)
        go func(i int, ep string) {
            defer wg.Done()
            recs[i] = p.Probe(ctx, ep)
        }(i, ep)
    }
    wg.Wait()
    return recs
}

// Probe checks one endpoint, stopping at the first successful attempt.
// RetryInterval is waited between attempts only.
func (p *Prober) Probe(ctx context.Context, endpoint string) Record {
    ctx, end := tracing.StartSpan(ctx, "health.probe", attribute.String("endpoint", endpoint))
    defer end()

    rec := Record{Endpoint: endpoint}
    var lastErr error
    for attempt := 1; attempt <= p.opts.RetryCount; attempt++ {
        if attempt > 1 {
            t := time.NewTimer(p.opts.RetryInterval)
            select {
            case <-ctx.Done():
                t.Stop()
                lastErr = ctx.Err()
                rec.LastChecked = time.Now()
                rec.Error = lastErr.Error()
                return rec
            case <-t.C:
            }
        }
        rec.AttemptsUsed = attempt
        lastErr = p.attempt(ctx, endpoint)
        rec.LastChecked = time.Now()
        if lastErr == nil {
            metrics.ProbeAttempts.WithLabelValues("success").Inc()
            rec.Healthy = true
            return rec
        }
        metrics.ProbeAttempts.WithLabelValues("failure").Inc()
        logutil.Warnf(p.log, "probe %s attempt %d/%d failed: %v", endpoint, attempt, p.opts.RetryCount, lastErr)
    }
    tracing.RecordError(ctx, lastErr)
    rec.Error = lastErr.Error()
    return rec
}

func (p *Prober) attempt(ctx context.Context, endpoint string) error {
    actx, cancel := context.WithTimeout(ctx, p.opts.QueryTimeout)
    defer cancel()
    if p.opts.Checker == nil { return errors.New("health: no checker configured") }
    errc := make(chan error, 1)
    go func() { errc <- p.opts.Checker.Check(actx, endpoint) }()
    // A checker that ignores its context still cannot exceed QueryTimeout.
    select {
    case err := <-errc:
        return err
    case <-actx.Done():
        return actx.Err()
    }
}
