package dns

import (
    "context"
    "errors"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-witness/pkg/discovery"
    "github.com/amirimatin/go-witness/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records or hostnames to resolve.
    // Examples: "_postgresql._tcp.db.example.com" (SRV) or "pg-0.example.com" (A/AAAA).
    Names []string

    // Port used when resolving A/AAAA records (no port info in DNS answer).
    // Defaults to 5432.
    Port int

    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration

    // Resolver optionally overrides the DNS resolver used.
    Resolver *net.Resolver

    // Logger optional.
    Logger *log.Logger
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed Source that resolves SRV and A/AAAA names
// and caches results for the Refresh duration.
func New(opts Options) discovery.Source {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 5432 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{opts: opts}
}

// Addresses resolves every name. A failed refresh keeps serving the last
// good answer; with no previous answer the lookup errors are returned.
func (d *impl) Addresses(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...), nil
    }
    res, err := d.resolveAll(ctx)
    if len(res) == 0 && err != nil {
        if len(d.cache) > 0 {
            logutil.Warnf(d.opts.Logger, "dns discovery: %v; serving %d cached address(es)", err, len(d.cache))
            return append([]string(nil), d.cache...), nil
        }
        return nil, err
    }
    d.cache = res
    d.last = time.Now()
    return append([]string(nil), d.cache...), nil
}

func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
    seen := make(map[string]struct{})
    var (
        out  []string
        errs []error
    )
    add := func(hp string) {
        if _, ok := seen[hp]; !ok { out = append(out, hp); seen[hp] = struct{}{} }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        // If already host:port, take as-is
        if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
            add(name)
            continue
        }
        // Try SRV first if pattern matches
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            recs, err := d.lookupSRV(ctx, name)
            if err == nil && len(recs) > 0 {
                for _, hp := range recs { add(hp) }
                continue
            }
        }
        // Fallback to A/AAAA
        hps, err := d.lookupHost(ctx, name, d.opts.Port)
        if err != nil { errs = append(errs, fmt.Errorf("dns: %s: %w", name, err)); continue }
        for _, hp := range hps { add(hp) }
    }
    sort.Strings(out)
    return out, errors.Join(errs...)
}

func (d *impl) resolver() *net.Resolver {
    if d.opts.Resolver != nil { return d.opts.Resolver }
    return net.DefaultResolver
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns: malformed SRV name %q", fqdn) }
    _, addrs, err := d.resolver().LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, err }
    var out []string
    for _, a := range addrs {
        host := strings.TrimSuffix(a.Target, ".")
        out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) ([]string, error) {
    ips, err := d.resolver().LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
    }
    return out, nil
}

func parseSRVName(fqdn string) (service, proto, name string) {
    // Expect pattern: _service._proto.name
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    s := strings.TrimPrefix(parts[0], "_")
    p := strings.TrimPrefix(parts[1], "_")
    n := parts[2]
    return s, p, n
}
