// Package pgcheck is a health.Checker for PostgreSQL data nodes. Each check
// opens a direct connection (no pool), so a probe measures the server itself
// rather than a pooling proxy in front of it.
package pgcheck

import (
    "context"
    "fmt"
    "net"
    "net/url"
    "strings"
    "time"

    "github.com/jackc/pgx/v5"

    "github.com/amirimatin/go-witness/pkg/health"
)

const DefaultPort = "5432"

// Options carry connection parameters shared by every endpoint.
type Options struct {
    User            string
    Password        string
    Database        string
    SSLMode         string
    ApplicationName string
}

// Checker runs SELECT 1 against an endpoint and expects 1 back.
type Checker struct {
    opts Options
}

func New(opts Options) *Checker {
    if opts.Database == "" { opts.Database = "postgres" }
    if opts.SSLMode == "" { opts.SSLMode = "prefer" }
    if opts.ApplicationName == "" { opts.ApplicationName = "go-witness" }
    return &Checker{opts: opts}
}

// Check implements health.Checker. endpoint is host[:port] or a full
// connection string (URL or key=value form).
func (c *Checker) Check(ctx context.Context, endpoint string) error {
    cfg, err := pgx.ParseConfig(c.connString(endpoint))
    if err != nil { return fmt.Errorf("pgcheck: %s: %w", endpoint, err) }
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d > 0 { cfg.ConnectTimeout = d }
    }
    cfg.DialFunc = dial
    cfg.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

    conn, err := pgx.ConnectConfig(ctx, cfg)
    if err != nil { return fmt.Errorf("pgcheck: connect %s: %w", endpoint, err) }
    defer conn.Close(context.Background())

    var one int
    if err := conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
        return fmt.Errorf("pgcheck: query %s: %w", endpoint, err)
    }
    if one != 1 {
        return fmt.Errorf("pgcheck: %s returned %d: %w", endpoint, one, health.ErrUnexpectedResponse)
    }
    return nil
}

func (c *Checker) connString(endpoint string) string {
    if strings.Contains(endpoint, "://") || strings.Contains(endpoint, "=") {
        return endpoint
    }
    host, port, err := net.SplitHostPort(endpoint)
    if err != nil { host, port = endpoint, DefaultPort }
    u := url.URL{
        Scheme: "postgres",
        Host:   net.JoinHostPort(host, port),
        Path:   "/" + c.opts.Database,
    }
    if c.opts.User != "" {
        if c.opts.Password != "" {
            u.User = url.UserPassword(c.opts.User, c.opts.Password)
        } else {
            u.User = url.User(c.opts.User)
        }
    }
    q := url.Values{}
    q.Set("sslmode", c.opts.SSLMode)
    q.Set("application_name", c.opts.ApplicationName)
    u.RawQuery = q.Encode()
    return u.String()
}

// dial keeps the probe connection on aggressive TCP keep-alive so a
// half-open peer is noticed within seconds.
func dial(ctx context.Context, network, addr string) (net.Conn, error) {
    d := net.Dialer{
        KeepAliveConfig: net.KeepAliveConfig{
            Enable:   true,
            Idle:     time.Second,
            Interval: time.Second,
            Count:    3,
        },
    }
    return d.DialContext(ctx, network, addr)
}

var _ health.Checker = (*Checker)(nil)
