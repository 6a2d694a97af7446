package grpc

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "net"
    "sync"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-witness/pkg/internal/periodic"
    "github.com/amirimatin/go-witness/pkg/observability/tracing"
    "github.com/amirimatin/go-witness/pkg/transport"
)

// ServiceName is the management service's gRPC name.
const ServiceName = "witness.v1.Management"

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    tlsCfg *tls.Config
    // ReadyInterval is how often the health service mirrors readiness.
    ReadyInterval time.Duration

    mu     sync.Mutex
    addr   string
    lis    net.Listener
    srv    *grpc.Server
    health *health.Server
    done   chan struct{}
    loop   periodic.Loop
}

func NewServer(bind string) *Server { return &Server{bind: bind, ReadyInterval: time.Second} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

type empty struct{}
// statusBlob nests the report as JSON rather than base64 bytes.
type statusBlob struct{ Report json.RawMessage `json:"report"` }

type managementServer interface {
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
}

type mgmtImpl struct{ status transport.StatusFunc }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Report: b}, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: ServiceName,
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        {MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
    },
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

// Start listens and serves the management and health services. The health
// service reports SERVING for both the overall server and ServiceName only
// while ready returns true.
func (s *Server) Start(ctx context.Context, status transport.StatusFunc, ready transport.ReadyFunc) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    // The codec follows the request content-subtype: management calls use
    // "json", standard health probes keep protobuf.
    var opts []grpc.ServerOption
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status})

    done := make(chan struct{})
    s.mu.Lock()
    s.lis, s.srv, s.health, s.addr, s.done = lis, srv, healthSrv, lis.Addr().String(), done
    s.mu.Unlock()

    mirror := func(ctx context.Context) {
        ok := true
        if ready != nil { ok, _ = ready(ctx) }
        st := healthpb.HealthCheckResponse_NOT_SERVING
        if ok { st = healthpb.HealthCheckResponse_SERVING }
        healthSrv.SetServingStatus("", st)
        healthSrv.SetServingStatus(ServiceName, st)
    }
    mirror(ctx)
    s.loop.Start(ctx, s.ReadyInterval, false, mirror)

    go func() {
        select {
        case <-ctx.Done():
            _ = s.Stop(context.Background())
        case <-done:
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop drains in-flight calls, forcing a stop once ctx or a short timeout
// expires.
func (s *Server) Stop(ctx context.Context) error {
    s.mu.Lock()
    srv, lis, hs, done := s.srv, s.lis, s.health, s.done
    s.srv, s.lis, s.health, s.done = nil, nil, nil, nil
    s.mu.Unlock()
    s.loop.Stop()
    if srv == nil { return nil }
    close(done)
    hs.Shutdown()
    ch := make(chan struct{})
    go func() { srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        srv.Stop()
    case <-time.After(2 * time.Second):
        srv.Stop()
    }
    if lis != nil { _ = lis.Close() }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
