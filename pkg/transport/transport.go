// Package transport defines the management surface that serves the witness
// status report to operators and monitoring.
package transport

import "context"

// StatusFunc returns a JSON-encoded status report.
// Using []byte keeps transports free of status types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// ReadyFunc reports whether the witness should be considered serving, along
// with a one-word state ("connected", "degraded", "disconnected").
type ReadyFunc func(ctx context.Context) (ok bool, state string)

// RPCServer exposes the status report and readiness over a management protocol.
type RPCServer interface {
    Start(ctx context.Context, status StatusFunc, ready ReadyFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient fetches a remote witness's status report.
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
}
