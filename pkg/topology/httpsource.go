package topology

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "strings"
    "time"

    "github.com/amirimatin/go-witness/pkg/discovery"
)

// HTTPSource reads the topology from a data node's REST API. Each fetch tries
// the configured addresses in order and uses the first that answers.
//
// The expected body is {"members":[{"name":"pg-0","role":"leader",...},...]}.
type HTTPSource struct {
    Addrs  discovery.Source
    Path   string // default "/cluster"
    TLS    *tls.Config
    Client *http.Client
}

type clusterDoc struct {
    // nil when the body has no members key, which is a wrong endpoint rather
    // than an empty cluster
    Members *[]struct {
        Name string `json:"name"`
        Role string `json:"role"`
    } `json:"members"`
}

func (s *HTTPSource) client() *http.Client {
    if s.Client != nil { return s.Client }
    tr := http.DefaultTransport.(*http.Transport).Clone()
    if s.TLS != nil { tr.TLSClientConfig = s.TLS }
    s.Client = &http.Client{Timeout: 5 * time.Second, Transport: tr}
    return s.Client
}

func (s *HTTPSource) Fetch(ctx context.Context) (Snapshot, error) {
    if s.Addrs == nil { return nil, fmt.Errorf("%w: no addresses configured", ErrFetch) }
    addrs, err := s.Addrs.Addresses(ctx)
    if err != nil && len(addrs) == 0 { return nil, fmt.Errorf("%w: %w", ErrFetch, err) }
    if len(addrs) == 0 { return nil, fmt.Errorf("%w: no addresses configured", ErrFetch) }
    var errs []error
    for _, addr := range addrs {
        snap, err := s.fetchOne(ctx, addr)
        if err == nil { return snap, nil }
        errs = append(errs, err)
        if ctx.Err() != nil { break }
    }
    return nil, fmt.Errorf("%w: %w", ErrFetch, errors.Join(errs...))
}

func (s *HTTPSource) fetchOne(ctx context.Context, addr string) (Snapshot, error) {
    path := s.Path
    if path == "" { path = "/cluster" }
    url := addr
    if !strings.Contains(url, "://") {
        scheme := "http"
        if s.TLS != nil { scheme = "https" }
        url = scheme + "://" + url
    }
    url = strings.TrimRight(url, "/") + path
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
    if err != nil { return nil, err }
    resp, err := s.client().Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK {
        _, _ = io.Copy(io.Discard, resp.Body)
        return nil, fmt.Errorf("%s: status %d", url, resp.StatusCode)
    }
    var doc clusterDoc
    if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&doc); err != nil {
        return nil, fmt.Errorf("%s: decode: %w", url, err)
    }
    if doc.Members == nil { return nil, fmt.Errorf("%s: body has no members list", url) }
    snap := make(Snapshot, len(*doc.Members))
    for _, m := range *doc.Members {
        if m.Name == "" { continue }
        if m.Role == "" { return nil, fmt.Errorf("%s: member %q has no role", url, m.Name) }
        snap[m.Name] = m.Role
    }
    return snap, nil
}

var _ Source = (*HTTPSource)(nil)
