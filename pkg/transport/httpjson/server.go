package httpjson

import (
    "context"
    "crypto/tls"
    "fmt"
    "log"
    "net"
    "net/http"
    "sync"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/observability/tracing"
    "github.com/amirimatin/go-witness/pkg/transport"
)

// Server is a small HTTP server exposing the witness status report, a
// readiness probe and Prometheus metrics.
type Server struct {
    bind   string
    addr   string
    mu     sync.Mutex
    srv    *http.Server
    done   chan struct{}
    logger *log.Logger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":9708").
func NewServer(bind string, logger *log.Logger) *Server {
    if logger == nil { logger = log.Default() }
    return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the management mux.
func Handler(status transport.StatusFunc, ready transport.ReadyFunc) http.Handler {
    mux := http.NewServeMux()
    mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.status")
        defer end()
        data, err := status(ctx)
        if err != nil { http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError); return }
        w.Header().Set("Content-Type", "application/json")
        _, _ = w.Write(data)
    })
    mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodGet { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        ok, state := true, "ok"
        if ready != nil { ok, state = ready(r.Context()) }
        if !ok { w.WriteHeader(http.StatusServiceUnavailable) }
        _, _ = w.Write([]byte(state))
    })
    mux.Handle("/metrics", promhttp.Handler())
    return mux
}

// Start launches the HTTP server. The server is shut down by Stop or when
// the context is canceled.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, ready transport.ReadyFunc) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.addr = ln.Addr().String()
    if s.tlsCfg != nil {
        ln = tls.NewListener(ln, s.tlsCfg)
    }
    srv := &http.Server{Handler: Handler(status, ready), ReadHeaderTimeout: 5 * time.Second}
    done := make(chan struct{})
    s.mu.Lock()
    s.srv, s.done = srv, done
    s.mu.Unlock()

    go func() {
        select {
        case <-ctx.Done():
            _ = s.Stop(context.Background())
        case <-done:
        }
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "httpjson: server error: %v", err)
        }
    }()
    logutil.Infof(s.logger, "httpjson: management listening on %s", s.addr)
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, done := s.srv, s.done
    s.srv, s.done = nil, nil
    s.mu.Unlock()
    if srv == nil { return nil }
    close(done)
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    return srv.Shutdown(c)
}

var _ transport.RPCServer = (*Server)(nil)
