// Package static serves a fixed address list.
package static

import (
    "context"
    "strings"

    "github.com/amirimatin/go-witness/pkg/discovery"
)

type fixed []string

func (f fixed) Addresses(context.Context) ([]string, error) {
    return append([]string(nil), f...), nil
}

// New returns a Source that always yields addrs, trimmed and de-duplicated
// in their given order.
func New(addrs ...string) discovery.Source { return WithPort(0, addrs...) }

// WithPort is New with port appended to entries that carry none. A zero
// port leaves entries unchanged.
func WithPort(port int, addrs ...string) discovery.Source {
    seen := make(map[string]struct{}, len(addrs))
    out := make(fixed, 0, len(addrs))
    for _, a := range addrs {
        a = strings.TrimSpace(a)
        if a == "" { continue }
        a = discovery.WithDefaultPort(a, port)
        if _, dup := seen[a]; dup { continue }
        seen[a] = struct{}{}
        out = append(out, a)
    }
    return out
}

// Parse splits a comma-separated list, dropping blanks.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
