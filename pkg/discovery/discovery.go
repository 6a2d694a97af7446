package discovery

import (
    "context"
    "net"
    "strconv"
    "strings"
)

// Source supplies a list of addresses: consensus peers or data-node
// endpoints. Implementations return a fresh copy on every call.
type Source interface {
    Addresses(ctx context.Context) ([]string, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Addresses(ctx context.Context) ([]string, error) { return f(ctx) }

// WithDefaultPort appends port to addr when addr has none. A zero port
// leaves addr unchanged.
func WithDefaultPort(addr string, port int) string {
    if port <= 0 { return addr }
    if _, _, err := net.SplitHostPort(addr); err == nil { return addr }
    return net.JoinHostPort(strings.Trim(addr, "[]"), strconv.Itoa(port))
}
