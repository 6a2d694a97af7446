package raftcons

import (
    "crypto/hmac"
    "crypto/rand"
    "crypto/sha256"
    "crypto/tls"
    "errors"
    "fmt"
    "io"
    "log"
    "net"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-witness/pkg/internal/logutil"
    "github.com/amirimatin/go-witness/pkg/observability/metrics"
)

const (
    nonceSize        = 32
    handshakeTimeout = 5 * time.Second
)

var (
    errStreamClosed = errors.New("raftcons: stream layer closed")
    errAuthFailed   = errors.New("raftcons: peer authentication failed")
)

// authStream is a raft.StreamLayer over TCP (optionally TLS) where both ends
// prove knowledge of the shared secret before any raft RPC is exchanged:
//
//  server -> client: nonceS
//  client -> server: HMAC(secret, nonceS) || nonceC
//  server -> client: HMAC(secret, nonceC)
//
// An empty secret disables the exchange.
type authStream struct {
    ln        net.Listener
    advertise net.Addr
    secret    []byte
    serverTLS *tls.Config
    clientTLS *tls.Config
    log       *log.Logger

    conns  chan net.Conn
    closed chan struct{}
    once   sync.Once
}

func newAuthStream(bind, advertise, secret string, serverTLS, clientTLS *tls.Config, l *log.Logger) (*authStream, error) {
    adv, err := net.ResolveTCPAddr("tcp", advertise)
    if err != nil { return nil, fmt.Errorf("raftcons: advertise address %q: %w", advertise, err) }
    ln, err := net.Listen("tcp", bind)
    if err != nil { return nil, err }
    s := &authStream{
        ln:        ln,
        advertise: adv,
        secret:    []byte(secret),
        serverTLS: serverTLS,
        clientTLS: clientTLS,
        log:       l,
        conns:     make(chan net.Conn),
        closed:    make(chan struct{}),
    }
    go s.acceptLoop()
    return s, nil
}

func (s *authStream) acceptLoop() {
    for {
        conn, err := s.ln.Accept()
        if err != nil {
            select {
            case <-s.closed:
                return
            default:
            }
            var ne net.Error
            if errors.As(err, &ne) && ne.Timeout() { continue }
            logutil.Warnf(s.log, "raft accept: %v", err)
            return
        }
        go s.admit(conn)
    }
}

func (s *authStream) admit(conn net.Conn) {
    if s.serverTLS != nil { conn = tls.Server(conn, s.serverTLS) }
    if err := s.serverHandshake(conn); err != nil {
        metrics.RaftAuthFailures.Inc()
        logutil.Warnf(s.log, "raft peer %s rejected: %v", conn.RemoteAddr(), err)
        _ = conn.Close()
        return
    }
    select {
    case s.conns <- conn:
    case <-s.closed:
        _ = conn.Close()
    }
}

func (s *authStream) serverHandshake(conn net.Conn) error {
    if len(s.secret) == 0 { return nil }
    _ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
    defer conn.SetDeadline(time.Time{})
    nonceS, err := newNonce()
    if err != nil { return err }
    if _, err := conn.Write(nonceS); err != nil { return err }
    buf := make([]byte, sha256.Size+nonceSize)
    if _, err := io.ReadFull(conn, buf); err != nil { return err }
    if !hmac.Equal(buf[:sha256.Size], s.mac(nonceS)) { return errAuthFailed }
    _, err = conn.Write(s.mac(buf[sha256.Size:]))
    return err
}

func (s *authStream) clientHandshake(conn net.Conn, timeout time.Duration) error {
    if len(s.secret) == 0 { return nil }
    _ = conn.SetDeadline(time.Now().Add(timeout))
    defer conn.SetDeadline(time.Time{})
    nonceS := make([]byte, nonceSize)
    if _, err := io.ReadFull(conn, nonceS); err != nil { return err }
    nonceC, err := newNonce()
    if err != nil { return err }
    if _, err := conn.Write(append(s.mac(nonceS), nonceC...)); err != nil { return err }
    proof := make([]byte, sha256.Size)
    if _, err := io.ReadFull(conn, proof); err != nil { return err }
    if !hmac.Equal(proof, s.mac(nonceC)) { return errAuthFailed }
    return nil
}

func (s *authStream) mac(nonce []byte) []byte {
    h := hmac.New(sha256.New, s.secret)
    h.Write(nonce)
    return h.Sum(nil)
}

func newNonce() ([]byte, error) {
    b := make([]byte, nonceSize)
    _, err := rand.Read(b)
    return b, err
}

// Dial implements raft.StreamLayer.
func (s *authStream) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
    if timeout <= 0 { timeout = handshakeTimeout }
    d := net.Dialer{Timeout: timeout}
    conn, err := d.Dial("tcp", string(address))
    if err != nil { return nil, err }
    if s.clientTLS != nil {
        cfg := s.clientTLS.Clone()
        if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
            if host, _, err := net.SplitHostPort(string(address)); err == nil { cfg.ServerName = host }
        }
        conn = tls.Client(conn, cfg)
    }
    if err := s.clientHandshake(conn, timeout); err != nil {
        _ = conn.Close()
        return nil, fmt.Errorf("raftcons: dial %s: %w", address, err)
    }
    return conn, nil
}

// Accept implements net.Listener.
func (s *authStream) Accept() (net.Conn, error) {
    select {
    case conn := <-s.conns:
        return conn, nil
    case <-s.closed:
        return nil, errStreamClosed
    }
}

func (s *authStream) Close() error {
    var err error
    s.once.Do(func() {
        close(s.closed)
        err = s.ln.Close()
    })
    return err
}

func (s *authStream) Addr() net.Addr { return s.advertise }

var _ raft.StreamLayer = (*authStream)(nil)
